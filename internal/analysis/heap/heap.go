// Package heap implements the heap-region classification analysis:
// tracking which abstract region (if any) a value is known to point into so
// the heap checker can certify that every memory access through it lands in
// bounds.
package heap

import (
	"github.com/wasmsentry/wasmsentry/internal/ir"
	"github.com/wasmsentry/wasmsentry/internal/lattice"
)

// Region names the heap-related atoms the analysis tracks, grounded on the
// reference heap_analyzer's lattice: the incoming heap base pointer, a
// value known to be bounded to 4 GiB (hence safe to use as a 32-bit
// index), the Lucet indirect-call table base, the first guest table slot,
// the globals-section base, and a fully-formed heap address (base+bound,
// produced only by the ADD-lowering rule below).
type Region int

const (
	HeapBase Region = iota
	Bounded4GB
	LucetTables
	GuestTable0
	GlobalsBase
	HeapAddr
)

// Value is the flat-lattice domain over Region.
type Value = lattice.Const[Region]

func None() Value          { return lattice.None[Region]() }
func Some(r Region) Value  { return lattice.Some(r) }

// State is the per-function abstract state: a register file plus stack
// slots valued in Value.
type State = lattice.VariableState[Value]

// Metadata supplies the module-specific constants the analysis classifies
// immediates against: the Lucet indirect-call-table base address and the
// guest table 0 base address.
type Metadata struct {
	LucetTablesBase int64
	GuestTable0Base int64
}

// Analyzer implements dataflow.Transfer[State].
type Analyzer struct {
	Metadata Metadata
}

func (a Analyzer) InitState() State {
	s := lattice.NewVariableState[Value](None())
	s.SetReg(ir.Rdi, ir.Size64, Some(HeapBase))
	return s
}

func (a Analyzer) Exec(s State, stmt ir.Stmt) State {
	out := s.Clone()
	switch stmt.Kind {
	case ir.StmtUnop:
		a.execUnop(&out, stmt.Unop)
	case ir.StmtBinop:
		a.execBinop(&out, stmt.Binop)
	case ir.StmtClear:
		a.clearDst(&out, stmt.Clear.Dst)
	case ir.StmtCall:
		out.ClearAllRegs()
	case ir.StmtProbeStack:
		// No effect on heap classification.
	}
	return out
}

func (a Analyzer) ProcessBranch(s State, stmt ir.Stmt, successor ir.Addr) State {
	return s
}

func (a Analyzer) Meet(x, y State) State  { return x.Meet(y) }
func (a Analyzer) Equal(x, y State) bool { return x.Equal(y) }

func (a Analyzer) execUnop(s *State, u *ir.UnopStmt) {
	v := a.aevalValue(*s, u.Src, u.Dst.Size())
	a.assign(s, u.Dst, v)
}

func (a Analyzer) execBinop(s *State, b *ir.BinopStmt) {
	if b.Op != ir.OpAdd {
		a.clearDst(s, b.Dst)
		return
	}
	dr, dIsReg := b.Dst.CheckReg()
	sr, sIsReg := b.Src.CheckReg()
	if dIsReg && sIsReg && dr != sr {
		dv, _ := s.GetReg(dr)
		sv, _ := s.GetReg(sr)
		if isHeapPair(dv, sv) {
			s.SetReg(dr, ir.Size64, Some(HeapAddr))
			return
		}
	}
	a.clearDst(s, b.Dst)
}

func isHeapPair(a, b Value) bool {
	av, aok := a.Get()
	bv, bok := b.Get()
	if !aok || !bok {
		return false
	}
	pair := map[Region]bool{av: true, bv: true}
	return len(pair) == 2 && pair[HeapBase] && pair[Bounded4GB]
}

// aevalValue evaluates what a source operand contributes, matching the
// reference aeval_unop dispatch: registers and stack slots pass their
// tracked value through, immediates classify against the metadata
// constants (falling back to Bounded4GB for anything that fits in 32 bits,
// since the lowering compiler never emits a base-relative heap offset
// immediate wider than that), a load through a HeapBase register yields
// GlobalsBase, and other memory/RIP operands are unknown.
func (a Analyzer) aevalValue(s State, v ir.Value, dstSize ir.Size) Value {
	switch {
	case v.IsReg():
		val, ok := s.GetReg(v.Reg())
		if !ok {
			return None()
		}
		if v.Size() != ir.Size64 {
			// A read narrower than the full 64-bit register truncates
			// whatever was tracked; the only classification that survives
			// an arbitrary truncation is "fits in 32 bits".
			return Some(Bounded4GB)
		}
		return val
	case v.IsMem():
		m := v.Mem()
		if m.HasBase && m.Base == ir.Rsp {
			val, ok := s.GetStackSlot(stackOffset(s, m), v.Size())
			if ok {
				return val
			}
		}
		if IsGlobalsBaseAccess(s, v) {
			return Some(GlobalsBase)
		}
		return None()
	case v.IsImm():
		imm := v.Imm()
		if dstSize != ir.Size64 && dstSize != ir.Size32 {
			return None()
		}
		switch imm {
		case 0:
			// A table symbol absent from the module leaves its base at 0.
		case a.Metadata.LucetTablesBase:
			return Some(LucetTables)
		case a.Metadata.GuestTable0Base:
			return Some(GuestTable0)
		}
		if imm >= 0 && imm <= 0xFFFFFFFF {
			return Some(Bounded4GB)
		}
		return None()
	default:
		return None()
	}
}

func (a Analyzer) assign(s *State, dst ir.Value, v Value) {
	switch {
	case dst.IsReg():
		s.SetReg(dst.Reg(), dst.Size(), v)
	case dst.IsMem():
		m := dst.Mem()
		if m.HasBase && m.Base == ir.Rsp {
			s.SetStackSlot(stackOffset(*s, m), dst.Size(), v)
		}
	}
}

func (a Analyzer) clearDst(s *State, dst ir.Value) {
	a.assign(s, dst, None())
}

func stackOffset(s State, m ir.Mem) int64 {
	return s.StackOffset + m.Disp
}

// IsGlobalsBaseAccess reports whether v is a [HeapBase + imm] memory
// operand, the shape whose loaded value the analysis classifies as
// GlobalsBase rather than an arbitrary heap load.
func IsGlobalsBaseAccess(s State, v ir.Value) bool {
	if !v.IsMem() {
		return false
	}
	m := v.Mem()
	if !m.HasBase {
		return false
	}
	base, ok := s.GetReg(m.Base)
	if !ok {
		return false
	}
	r, isSome := base.Get()
	return isSome && r == HeapBase
}
