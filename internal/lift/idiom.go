package lift

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/wasmsentry/wasmsentry/internal/ir"
)

// decoded is one decoded instruction paired with its address; a failed
// idiom match falls back to lowering the same decoded instruction alone.
type decoded struct {
	addr ir.Addr
	inst x86asm.Inst
}

// idiomMatch is the result of trying a multi-instruction idiom: on success
// it reports how many decoded instructions it consumed and the replacement
// statement(s); on failure the caller falls back to single-instruction
// lowering starting at the same position. This mirrors the original
// lifter's small non-backtracking parser-combinator shape, minus
// backtracking: each combinator either commits fully or reports no match
// at all, so there is never partial consumption to undo.
type idiomMatch struct {
	consumed int
	stmts    []ir.Stmt
}

// tryProbeStack recognizes the stack-probe trampoline: a three-instruction
// sequence that computes a candidate stack pointer into a scratch register,
// calls the runtime probe-stack routine, then subtracts the same amount
// from rsp. It collapses to a single ProbeStack statement naming the
// requested depth. Without a certified probestack address the idiom never
// matches: accepting any mov/call/sub shape would let attacker-controlled
// code disguise an arbitrary call as the trusted probe routine.
func tryProbeStack(seq []decoded, meta Metadata) (idiomMatch, bool) {
	if len(seq) < 3 {
		return idiomMatch{}, false
	}
	if !meta.HasProbeStack {
		return idiomMatch{}, false
	}
	arg, ok := parseProbeStackArg(seq[0].inst)
	if !ok {
		return idiomMatch{}, false
	}
	target, ok := callTarget(seq[1])
	if !ok || target != meta.ProbeStack {
		return idiomMatch{}, false
	}
	if !parseProbeStackSuffix(seq[2].inst) {
		return idiomMatch{}, false
	}
	return idiomMatch{
		consumed: 3,
		stmts:    []ir.Stmt{ir.NewProbeStack(seq[0].addr, arg)},
	}, true
}

// callTarget reports the resolved absolute target of a direct CALL
// instruction.
func callTarget(d decoded) (ir.Addr, bool) {
	if d.inst.Op != x86asm.CALL {
		return 0, false
	}
	rel, ok := d.inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return ir.Addr(int64(d.addr) + int64(d.inst.Len) + int64(rel)), true
}

func parseProbeStackArg(inst x86asm.Inst) (ir.Value, bool) {
	if inst.Op != x86asm.MOV {
		return ir.Value{}, false
	}
	dst, ok1 := inst.Args[0].(x86asm.Reg)
	imm, ok2 := inst.Args[1].(x86asm.Imm)
	if !ok1 || !ok2 {
		return ir.Value{}, false
	}
	r, ok := convertReg(dst)
	if !ok {
		return ir.Value{}, false
	}
	_ = r
	return ir.ImmVal(int64(imm), ir.Size64), true
}

func parseProbeStackSuffix(inst x86asm.Inst) bool {
	return inst.Op == x86asm.SUB
}

// tryBSFCmove recognizes the BSF+CMOVZ pair compilers emit to give
// bit-scan-forward a defined all-zero-input result: a BSF whose ZF output
// is immediately consumed by a CMOVZ writing the same destination from a
// fallback value. Collapsed to a Clear of ZF (BSF's flag output is consumed
// here, not propagated) followed by a Clear of the destination, recording
// that the final value may come from either the scan result or the
// fallback. A CMOVE writing a different register than the BSF is not this
// idiom at all (the BSF result would be discarded), so the match requires
// both destinations to agree.
func tryBSFCmove(seq []decoded) (idiomMatch, bool) {
	if len(seq) < 2 {
		return idiomMatch{}, false
	}
	if seq[0].inst.Op != x86asm.BSF {
		return idiomMatch{}, false
	}
	if seq[1].inst.Op != x86asm.CMOVE {
		return idiomMatch{}, false
	}
	bsfDstRaw, ok := seq[0].inst.Args[0].(x86asm.Reg)
	if !ok {
		return idiomMatch{}, false
	}
	cmoveDstRaw, ok := seq[1].inst.Args[0].(x86asm.Reg)
	if !ok {
		return idiomMatch{}, false
	}
	bsfDstReg, ok1 := convertReg(bsfDstRaw)
	cmoveDstReg, ok2 := convertReg(cmoveDstRaw)
	if !ok1 || !ok2 || bsfDstReg != cmoveDstReg {
		return idiomMatch{}, false
	}

	dst, err := convertOperand(seq[0].inst.Args[0], opWidth(seq[0].inst))
	if err != nil {
		return idiomMatch{}, false
	}
	src, err := convertOperand(seq[0].inst.Args[1], opWidth(seq[0].inst))
	if err != nil {
		return idiomMatch{}, false
	}
	fallback, err := convertOperand(seq[1].inst.Args[1], opWidth(seq[1].inst))
	if err != nil {
		return idiomMatch{}, false
	}
	return idiomMatch{
		consumed: 2,
		stmts: []ir.Stmt{
			ir.NewClear(seq[0].addr, ir.RegVal(ir.Zf, ir.Size8), src),
			ir.NewClear(seq[1].addr, dst, src, fallback),
		},
	}, true
}
