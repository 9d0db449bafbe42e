// Package check implements the checkers: predicates over an analysis's
// fixpoint that certify a function's memory accesses and indirect control
// transfers are safe. A function is accepted only if every checker accepts
// every statement; the first failing statement is enough to reject the
// whole function, but checkers keep scanning to report every violation
// rather than stopping at the first.
package check

import (
	"fmt"

	"github.com/wasmsentry/wasmsentry/internal/analysis/call"
	"github.com/wasmsentry/wasmsentry/internal/analysis/heap"
	"github.com/wasmsentry/wasmsentry/internal/analysis/stack"
	"github.com/wasmsentry/wasmsentry/internal/dataflow"
	"github.com/wasmsentry/wasmsentry/internal/ir"
)

// Violation is one rejected statement, with enough context to report to
// the user without re-running any analysis.
type Violation struct {
	Addr   ir.Addr
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("%#x: %s", uint64(v.Addr), v.Reason)
}

// Stack checks that every write to rsp is an Add/Sub by an immediate (never
// a register-derived or indirect value), that the probed region covers
// every byte the function's frame touches, and that growth has returned to
// zero by every Ret.
func Stack(cfg *dataflow.CFG, irMap *ir.IRMap, result dataflow.Result[stack.State]) []Violation {
	var out []Violation
	for _, addr := range cfg.Blocks() {
		block := irMap.Blocks[addr]
		if block == nil {
			continue
		}
		states := result.BeforeStmt[addr]
		for i, stmt := range block.Stmts {
			if i >= len(states) {
				break
			}
			switch stmt.Kind {
			case ir.StmtBinop:
				b := stmt.Binop
				r, isReg := b.Dst.CheckReg()
				if isReg && r == ir.Rsp {
					imm, isImm := b.Src.CheckImm()
					if !isImm {
						out = append(out, Violation{stmt.Addr, "illegal write to rsp from a non-immediate operand"})
						continue
					}
					if b.Op != ir.OpAdd && b.Op != ir.OpSub {
						out = append(out, Violation{stmt.Addr, "illegal write to rsp by an opcode other than add/sub"})
						continue
					}
					// Judge the frame as it stands after this adjustment.
					g, ok := stack.Current(states[i])
					if b.Op == ir.OpSub {
						g.Depth += imm
					} else {
						g.Depth -= imm
					}
					if ok && g.Depth > g.Probed {
						out = append(out, Violation{stmt.Addr, "stack write below the probed region"})
					}
				}
			case ir.StmtUnop:
				if r, isReg := stmt.Unop.Dst.CheckReg(); isReg && r == ir.Rsp {
					out = append(out, Violation{stmt.Addr, "illegal write to rsp by a move"})
				}
			case ir.StmtClear:
				if r, isReg := stmt.Clear.Dst.CheckReg(); isReg && r == ir.Rsp {
					out = append(out, Violation{stmt.Addr, "illegal write to rsp by an unmodeled instruction"})
				}
			case ir.StmtRet:
				g, ok := stack.Current(states[i])
				if ok && g.Depth != 0 {
					out = append(out, Violation{stmt.Addr, "stack not restored to entry depth at return"})
				}
			}
		}
	}
	return out
}

// Heap checks that every memory operand whose base register classifies to
// anything other than HeapAddr (a proven-bounded heap address), GlobalsBase
// (a proven globals-section access), LucetTables or GuestTable0 (table
// lookups) is rejected: the compiler never emits an unclassified memory
// access in legitimate guest code. Operands based on rsp are left to Stack.
func Heap(cfg *dataflow.CFG, irMap *ir.IRMap, result dataflow.Result[heap.State]) []Violation {
	var out []Violation
	for _, addr := range cfg.Blocks() {
		block := irMap.Blocks[addr]
		if block == nil {
			continue
		}
		states := result.BeforeStmt[addr]
		for i, stmt := range block.Stmts {
			if i >= len(states) {
				break
			}
			for _, operand := range memOperands(stmt) {
				m := operand.Mem()
				if !m.HasBase {
					continue
				}
				if m.Base == ir.Rsp {
					// Stack-relative accesses are the Stack checker's
					// responsibility (probed-region coverage); the heap
					// checker only certifies heap/globals/table memory.
					continue
				}
				val, ok := states[i].GetReg(m.Base)
				if !ok {
					out = append(out, Violation{stmt.Addr, "memory access through an unclassified base register"})
					continue
				}
				region, isSome := val.Get()
				if !isSome {
					out = append(out, Violation{stmt.Addr, "memory access through an unclassified base register"})
					continue
				}
				if region != heap.HeapAddr && region != heap.GlobalsBase && region != heap.LucetTables && region != heap.GuestTable0 {
					out = append(out, Violation{stmt.Addr, "memory access through a non-bounded heap value"})
				}
			}
		}
	}
	return out
}

func memOperands(stmt ir.Stmt) []ir.Value {
	var out []ir.Value
	add := func(v ir.Value) {
		if v.IsMem() {
			out = append(out, v)
		}
	}
	switch stmt.Kind {
	case ir.StmtUnop:
		add(stmt.Unop.Dst)
		add(stmt.Unop.Src)
	case ir.StmtBinop:
		add(stmt.Binop.Dst)
		add(stmt.Binop.Src)
	case ir.StmtClear:
		add(stmt.Clear.Dst)
		for _, s := range stmt.Clear.Srcs {
			add(s)
		}
	}
	return out
}

// Call checks that every direct call resolves to an address within the
// module, and that every indirect call's register operand was certified by
// the call-target analysis as traced back to a recognized call table
// (never accepted on shape alone).
func Call(cfg *dataflow.CFG, irMap *ir.IRMap, result dataflow.Result[call.State], validDirect func(ir.Addr) bool) []Violation {
	var out []Violation
	for _, addr := range cfg.Blocks() {
		block := irMap.Blocks[addr]
		if block == nil {
			continue
		}
		states := result.BeforeStmt[addr]
		for i, stmt := range block.Stmts {
			if stmt.Kind != ir.StmtCall {
				continue
			}
			c := stmt.Call
			if c.HasTarget {
				if validDirect != nil && !validDirect(c.Target) {
					out = append(out, Violation{stmt.Addr, "direct call target outside the module"})
				}
				continue
			}
			if !c.Indirect.IsReg() {
				out = append(out, Violation{stmt.Addr, "indirect call through a non-register operand"})
				continue
			}
			if i >= len(states) {
				out = append(out, Violation{stmt.Addr, "indirect call target could not be certified"})
				continue
			}
			targets, ok := states[i].GetReg(c.Indirect.Reg())
			if !ok || len(targets) == 0 {
				out = append(out, Violation{stmt.Addr, "indirect call operand not traced to a recognized call table"})
			}
		}
	}
	return out
}
