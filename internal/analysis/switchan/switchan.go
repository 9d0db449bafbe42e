// Package switchan implements the switch-table recovery analysis: proving
// that an indirect jump is a compiler-generated dense switch dispatch by
// tracking the jump-table base address and the bound on the index, so the
// resolver can enumerate the concrete successor addresses. A displacement
// loaded from the table is not tracked: no rule produces a JmpOffset atom,
// and a JmpTarget forms only when the base register is added to the bounded
// index register itself.
package switchan

import (
	"github.com/wasmsentry/wasmsentry/internal/ir"
	"github.com/wasmsentry/wasmsentry/internal/lattice"
)

// Atom is the switch-recovery domain's value kind.
type Atom struct {
	Kind  Kind
	Base  ir.Addr
	Bound uint32
}

type Kind int

const (
	SwitchBase Kind = iota
	UpperBound
	JmpOffset
	JmpTarget
)

type Value = lattice.Const[Atom]

func None() Value        { return lattice.None[Atom]() }
func Some(a Atom) Value  { return lattice.Some(a) }

type State = lattice.VariableState[Value]

type Analyzer struct{}

func (Analyzer) InitState() State {
	return lattice.NewVariableState[Value](None())
}

func (Analyzer) Exec(s State, stmt ir.Stmt) State {
	out := s.Clone()
	switch stmt.Kind {
	case ir.StmtUnop:
		u := stmt.Unop
		assign(&out, u.Dst, evalSrc(out, u.Src))
	case ir.StmtBinop:
		execBinop(&out, stmt.Binop)
	case ir.StmtClear:
		assign(&out, stmt.Clear.Dst, None())
	case ir.StmtCall:
		out.ClearAllRegs()
	}
	return out
}

func evalSrc(s State, v ir.Value) Value {
	switch {
	case v.IsReg():
		if val, ok := s.GetReg(v.Reg()); ok {
			return val
		}
	case v.IsRIPConst():
		addr, _ := v.CheckRIPConst()
		return Some(Atom{Kind: SwitchBase, Base: addr})
	case v.IsImm():
		// A register loaded with a plain immediate is, at this point in
		// the analysis, indistinguishable from one loaded via LEA from a
		// jump table's address (both lower to the same Mov-of-Imm shape):
		// treat it as a switch-base candidate. The idiom only actually
		// fires later, when this register is combined via Add with a
		// register the Cmp rule below tagged UpperBound, so an unrelated
		// immediate load is harmless noise rather than a false positive.
		return Some(Atom{Kind: SwitchBase, Base: ir.Addr(v.Imm())})
	}
	return None()
}

// execBinop implements the switch-dispatch idiom directly off the real Cmp
// operands: "cmp idx,bound; ja default; ...; add base,idx; jmp base"
// establishes idx's upper bound from the Cmp, then an Add combining a
// SwitchBase-tagged register with an UpperBound-tagged one yields a
// fully-formed JmpTarget the resolver can enumerate.
func execBinop(s *State, b *ir.BinopStmt) {
	switch b.Op {
	case ir.OpCmp:
		if !b.HasSrc2 {
			return
		}
		idxReg, isReg := b.Src.CheckReg()
		bound, isImm := b.Src2.CheckImm()
		if !isReg || !isImm {
			return
		}
		s.SetReg(idxReg, b.Src.Size(), Some(Atom{Kind: UpperBound, Bound: uint32(bound) + 1}))
	case ir.OpTest:
		// No switch-analysis effect.
	case ir.OpAdd:
		dstReg, isReg := b.Dst.CheckReg()
		if !isReg {
			return
		}
		dstVal, dstOK := s.GetReg(dstReg)
		srcVal := evalSrc(*s, b.Src)
		dstAtom, dOK := dstVal.Get()
		srcAtom, sOK := srcVal.Get()
		if dstOK && dOK && sOK && dstAtom.Kind == SwitchBase && srcAtom.Kind == UpperBound {
			s.SetReg(dstReg, b.Dst.Size(), Some(Atom{Kind: JmpTarget, Base: dstAtom.Base, Bound: srcAtom.Bound}))
			return
		}
		assign(s, b.Dst, None())
	default:
		assign(s, b.Dst, None())
	}
}

func assign(s *State, dst ir.Value, v Value) {
	if dst.IsReg() {
		s.SetReg(dst.Reg(), dst.Size(), v)
	}
}

func (Analyzer) ProcessBranch(s State, stmt ir.Stmt, successor ir.Addr) State { return s }
func (Analyzer) Meet(x, y State) State                                       { return x.Meet(y) }
func (Analyzer) Equal(x, y State) bool                                       { return x.Equal(y) }

// JmpTargetOf reports whether v resolves to a fully-formed switch target
// descriptor (table base + entry count) that the resolver can enumerate.
func JmpTargetOf(s State, v ir.Value) (ir.Addr, uint32, bool) {
	if !v.IsReg() {
		return 0, 0, false
	}
	val, ok := s.GetReg(v.Reg())
	if !ok {
		return 0, 0, false
	}
	atom, ok := val.Get()
	if !ok || atom.Kind != JmpTarget {
		return 0, 0, false
	}
	return atom.Base, atom.Bound, true
}
