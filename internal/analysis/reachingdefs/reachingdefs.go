// Package reachingdefs implements reaching-definitions analysis: for every
// register at every program point, which statement address (if any single
// one is known) last defined it. The call analysis uses this to resolve an
// indirect call operand back to the table load that produced it.
package reachingdefs

import (
	"github.com/wasmsentry/wasmsentry/internal/ir"
	"github.com/wasmsentry/wasmsentry/internal/lattice"
)

type Value = lattice.Const[ir.Addr]

func None() Value             { return lattice.None[ir.Addr]() }
func Some(a ir.Addr) Value    { return lattice.Some(a) }

type State = lattice.VariableState[Value]

type Analyzer struct{}

func (Analyzer) InitState() State {
	return lattice.NewVariableState[Value](None())
}

func (Analyzer) Exec(s State, stmt ir.Stmt) State {
	out := s.Clone()
	switch stmt.Kind {
	case ir.StmtUnop:
		defReg(&out, stmt.Unop.Dst, stmt.Addr)
	case ir.StmtBinop:
		defReg(&out, stmt.Binop.Dst, stmt.Addr)
	case ir.StmtClear:
		defReg(&out, stmt.Clear.Dst, stmt.Addr)
	case ir.StmtCall:
		out.ClearCallerSaved()
	}
	return out
}

func defReg(s *State, dst ir.Value, addr ir.Addr) {
	if r, ok := dst.CheckReg(); ok {
		s.SetReg(r, dst.Size(), Some(addr))
	}
}

func (Analyzer) ProcessBranch(s State, stmt ir.Stmt, successor ir.Addr) State { return s }
func (Analyzer) Meet(x, y State) State                                       { return x.Meet(y) }
func (Analyzer) Equal(x, y State) bool                                       { return x.Equal(y) }

// DefiningAddr returns the single statement address known to have last
// defined reg, if the dataflow converged on exactly one.
func DefiningAddr(s State, reg ir.Reg) (ir.Addr, bool) {
	v, ok := s.GetReg(reg)
	if !ok {
		return 0, false
	}
	return v.Get()
}
