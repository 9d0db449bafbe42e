// Package call implements the call-target analysis: recovering, for each
// indirect call site, the set of addresses it might legitimately resolve
// to, by tracing its operand back (via reaching definitions) to a load from
// a recognized call table.
package call

import (
	"github.com/wasmsentry/wasmsentry/internal/analysis/reachingdefs"
	"github.com/wasmsentry/wasmsentry/internal/ir"
	"github.com/wasmsentry/wasmsentry/internal/lattice"
)

// Targets is the atom: a set of legitimate destination addresses for one
// indirect call site. Two different recovered sets meet to their union,
// not to unknown, since either set alone was already a sound
// over-approximation derived from the same table.
type Targets map[ir.Addr]bool

func (t Targets) Meet(other Targets) Targets {
	out := make(Targets, len(t)+len(other))
	for a := range t {
		out[a] = true
	}
	for a := range other {
		out[a] = true
	}
	return out
}

func (t Targets) Equal(other Targets) bool {
	if len(t) != len(other) {
		return false
	}
	for a := range t {
		if !other[a] {
			return false
		}
	}
	return true
}

type State = lattice.VariableState[Targets]

// Metadata supplies the set of valid call targets recovered by the module
// loader from the binary's function table, plus the Lucet table base
// addresses a load must trace back to in order to be certified safe.
type Metadata struct {
	ValidTargets    map[ir.Addr]bool
	LucetTablesBase int64
	GuestTable0Base int64
}

// Analyzer tracks, per register, the set of call targets a value is
// provably drawn from. ReachingDefsBefore and StmtByAddr are precomputed by
// internal/verify from a prior reaching-definitions dataflow.Run pass over
// the same IRMap:
// to certify a load "reg := [baseReg + ...]" as a call-table read, this
// analysis looks up which statement last defined baseReg and checks that
// statement's own source operand against the table-base constants, the
// same technique internal/analysis/heap uses for immediate classification.
type Analyzer struct {
	Metadata           Metadata
	ReachingDefsBefore map[ir.Addr]reachingdefs.State
	StmtByAddr         map[ir.Addr]ir.Stmt
}

func (a Analyzer) InitState() State {
	return lattice.NewVariableState[Targets](Targets{})
}

func (a Analyzer) Exec(s State, stmt ir.Stmt) State {
	out := s.Clone()
	switch stmt.Kind {
	case ir.StmtUnop:
		a.execUnop(&out, stmt.Unop, stmt.Addr)
	case ir.StmtCall:
		out.ClearCallerSaved()
	}
	return out
}

func (a Analyzer) execUnop(s *State, u *ir.UnopStmt, addr ir.Addr) {
	dstReg, ok := u.Dst.CheckReg()
	if !ok {
		return
	}
	if a.isTableLoad(u.Src, addr) {
		s.SetReg(dstReg, u.Dst.Size(), a.allTargets())
		return
	}
	s.ClearReg(dstReg)
}

// isTableLoad reports whether v is a memory read through a base register
// whose reaching definition, at addr, is itself a load of one of the known
// call-table base constants.
func (a Analyzer) isTableLoad(v ir.Value, addr ir.Addr) bool {
	if !v.IsMem() {
		return false
	}
	m := v.Mem()
	if !m.HasBase {
		return false
	}
	before, ok := a.ReachingDefsBefore[addr]
	if !ok {
		return false
	}
	defAddr, ok := reachingdefs.DefiningAddr(before, m.Base)
	if !ok {
		return false
	}
	def, ok := a.StmtByAddr[defAddr]
	if !ok || def.Kind != ir.StmtUnop {
		return false
	}
	imm, ok := def.Unop.Src.CheckImm()
	if !ok {
		return false
	}
	return imm != 0 && (imm == a.Metadata.LucetTablesBase || imm == a.Metadata.GuestTable0Base)
}

func (a Analyzer) allTargets() Targets {
	out := make(Targets, len(a.Metadata.ValidTargets))
	for addr := range a.Metadata.ValidTargets {
		out[addr] = true
	}
	return out
}

func (a Analyzer) ProcessBranch(s State, stmt ir.Stmt, successor ir.Addr) State { return s }
func (a Analyzer) Meet(x, y State) State                                       { return x.Meet(y) }
func (a Analyzer) Equal(x, y State) bool                                       { return x.Equal(y) }
