package lattice

// Boolean is the two-element lattice with meet = AND and bottom = false.
// No shipped analysis currently needs it on its own, but it
// is exercised directly by the lattice law tests and kept as the smallest
// possible instance of Lattice for that purpose.
type Boolean bool

func (b Boolean) Meet(other Boolean) Boolean { return b && other }

func (b Boolean) Equal(other Boolean) bool { return b == other }

func (b Boolean) Bottom() Boolean { return false }
