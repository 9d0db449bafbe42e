// Package lattice implements the semilattice algebra the dataflow engine is
// built on: the Semilattice/Lattice contracts, the flat ConstLattice domain,
// a Boolean domain, and the product lattice VariableState that every
// analysis instantiates over registers and stack slots.
package lattice

// Semilattice is a meet-semilattice: Meet is associative, commutative and
// idempotent, and induces the partial order Equal(a, Meet(a,b)) == a <= b.
type Semilattice[T any] interface {
	Meet(other T) T
	Equal(other T) bool
}

// Lattice adds a distinguished bottom element, the domain's default value,
// to Semilattice. Bottom is not an identity for Meet: for Boolean,
// Meet(x, Bottom()) == Bottom().
type Lattice[T any] interface {
	Semilattice[T]
	Bottom() T
}
