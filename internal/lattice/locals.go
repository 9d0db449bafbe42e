package lattice

// Locals is the local-variable-tracking domain: either a single known
// Constant or a VarSet of candidate definition sites. It is not wired into
// the checked pipeline (see the Open Question resolution in SPEC_FULL.md
// §9) but is kept as a complete lattice instance.
//
// Constant is treated as bottom: a known single value is the most precise
// fact reachable, and widens to a VarSet (never the other way around) once
// a second, different definition merges in.
type Locals struct {
	isVarSet bool
	constant int64
	varSet   map[int64]bool
}

func LocalsConstant(v int64) Locals { return Locals{constant: v} }

func LocalsVarSet(vs ...int64) Locals {
	m := make(map[int64]bool, len(vs))
	for _, v := range vs {
		m[v] = true
	}
	return Locals{isVarSet: true, varSet: m}
}

func (l Locals) Meet(other Locals) Locals {
	if !l.isVarSet && !other.isVarSet {
		if l.constant == other.constant {
			return l
		}
		return LocalsVarSet(l.constant, other.constant)
	}
	merged := map[int64]bool{}
	for k := range l.toSet() {
		merged[k] = true
	}
	for k := range other.toSet() {
		merged[k] = true
	}
	keys := make([]int64, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	return LocalsVarSet(keys...)
}

func (l Locals) toSet() map[int64]bool {
	if l.isVarSet {
		return l.varSet
	}
	return map[int64]bool{l.constant: true}
}

func (l Locals) Equal(other Locals) bool {
	if l.isVarSet != other.isVarSet {
		return false
	}
	if !l.isVarSet {
		return l.constant == other.constant
	}
	if len(l.varSet) != len(other.varSet) {
		return false
	}
	for k := range l.varSet {
		if !other.varSet[k] {
			return false
		}
	}
	return true
}

func (l Locals) Bottom() Locals { return LocalsConstant(0) }
