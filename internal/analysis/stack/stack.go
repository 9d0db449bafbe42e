// Package stack implements the stack-growth analysis: tracking how far the
// stack pointer has moved below its value at function entry, and how much
// of that region has been demonstrated safe to touch by a stack-probe
// call, so the stack checker can reject any write below the probed depth.
package stack

import (
	"github.com/wasmsentry/wasmsentry/internal/ir"
	"github.com/wasmsentry/wasmsentry/internal/lattice"
)

// Growth is the tracked pair: how many bytes rsp has moved down from
// function entry, and how many of those bytes are known-probed (mapped).
// Both are non-negative. Probed may exceed Depth: a probe can cover bytes
// below the stack pointer before the frame grows into them.
type Growth struct {
	Depth  int64
	Probed int64
}

type Value = lattice.Const[Growth]

func None() Value         { return lattice.None[Growth]() }
func Some(g Growth) Value { return lattice.Some(g) }

// State tracks Value only for the single "current growth" pseudo-location;
// it does not need the full register/stack product, but reuses
// VariableState keyed on a single Rsp entry so it composes with the shared
// worklist engine like every other analysis.
type State = lattice.VariableState[Value]

const growthKey = ir.Rsp

type Analyzer struct{}

func (Analyzer) InitState() State {
	s := lattice.NewVariableState[Value](None())
	s.SetReg(growthKey, ir.Size64, Some(Growth{}))
	return s
}

func current(s State) Growth {
	v, ok := s.GetReg(growthKey)
	if !ok {
		return Growth{}
	}
	g, ok := v.Get()
	if !ok {
		return Growth{}
	}
	return g
}

func (Analyzer) Exec(s State, stmt ir.Stmt) State {
	out := s.Clone()
	g := current(s)

	switch stmt.Kind {
	case ir.StmtBinop:
		b := stmt.Binop
		r, isReg := b.Dst.CheckReg()
		if !isReg || r != ir.Rsp {
			break
		}
		imm, isImm := b.Src.CheckImm()
		if !isImm {
			// A non-immediate write to rsp is a checker-time violation
			// (see stack checker); the analysis itself degrades to
			// unknown rather than panicking, since malformed-input vs.
			// rejection is the checker's call to make.
			out.SetReg(growthKey, ir.Size64, None())
			return out
		}
		switch b.Op {
		case ir.OpSub:
			g.Depth += imm
		case ir.OpAdd:
			g.Depth -= imm
		}
		out.SetReg(growthKey, ir.Size64, Some(g))

	case ir.StmtProbeStack:
		if imm, ok := stmt.ProbeStack.N.CheckImm(); ok {
			g.Probed += imm
			out.SetReg(growthKey, ir.Size64, Some(g))
		}

	case ir.StmtCall:
		// A call does not by itself change our own frame's growth.
	}
	return out
}

func (Analyzer) ProcessBranch(s State, stmt ir.Stmt, successor ir.Addr) State { return s }
func (Analyzer) Meet(x, y State) State                                       { return x.Meet(y) }
func (Analyzer) Equal(x, y State) bool                                       { return x.Equal(y) }

// Current exposes the tracked Growth pair for a given state, for use by the
// stack checker.
func Current(s State) (Growth, bool) {
	v, ok := s.GetReg(growthKey)
	if !ok {
		return Growth{}, false
	}
	return v.Get()
}
