package lift

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/wasmsentry/wasmsentry/internal/ir"
)

// Decoder is the minimal interface internal/loader implements over a
// byte-addressable image: decode one instruction starting at addr.
type Decoder interface {
	Decode(addr ir.Addr) (x86asm.Inst, error)
}

// BlockSpan is one basic block's address range, as determined by the
// loader's initial CFG construction.
type BlockSpan struct {
	Addr ir.Addr
	End  ir.Addr // exclusive
}

// Block lifts one basic block's instruction span into statements. It stops
// early, before End, if it hits an unconditional jump or a return, matching
// the "a block ends at the first terminator" CFG-construction contract.
func Block(dec Decoder, span BlockSpan, meta Metadata) ([]ir.Stmt, error) {
	var decs []decoded
	for addr := span.Addr; addr < span.End; {
		inst, err := dec.Decode(addr)
		if err != nil {
			return nil, err
		}
		decs = append(decs, decoded{addr: addr, inst: inst})
		addr += ir.Addr(inst.Len)
		if inst.Op == x86asm.JMP || inst.Op == x86asm.RET {
			break
		}
	}
	return lowerSequence(decs, meta), nil
}

// lowerSequence applies idiom recognition greedily left to right, falling
// back to single-instruction lowering wherever no idiom matches at the
// current position.
func lowerSequence(decs []decoded, meta Metadata) []ir.Stmt {
	var out []ir.Stmt
	for i := 0; i < len(decs); {
		rest := decs[i:]
		if m, ok := tryBSFCmove(rest); ok {
			out = append(out, m.stmts...)
			i += m.consumed
			continue
		}
		if m, ok := tryProbeStack(rest, meta); ok {
			out = append(out, m.stmts...)
			i += m.consumed
			continue
		}
		out = append(out, lowerOne(decs[i])...)
		i++
	}
	return out
}

// lowerOne lowers a single decoded instruction per the opcode table: most
// instructions produce one or two Stmts; a handful that have no observable
// effect on any tracked analysis domain (NOP, prefetch/fence/cache-control,
// direction-flag and interrupt-enable instructions) lower to nothing.
func lowerOne(d decoded) []ir.Stmt {
	inst := d.inst
	addr := d.addr
	w := opWidth(inst)

	arg := func(i int) (ir.Value, bool) {
		if i >= len(inst.Args) || inst.Args[i] == nil {
			return ir.Value{}, false
		}
		v, err := convertOperand(inst.Args[i], w)
		if err != nil {
			return ir.Value{}, false
		}
		return v, true
	}

	switch inst.Op {
	case x86asm.MOV, x86asm.MOVQ, x86asm.MOVD:
		dst, ok1 := arg(0)
		src, ok2 := arg(1)
		if !ok1 || !ok2 {
			return nil
		}
		return []ir.Stmt{ir.NewUnop(addr, ir.OpMov, dst, src)}

	case x86asm.MOVZX:
		dst, ok1 := arg(0)
		src, ok2 := arg(1)
		if !ok1 || !ok2 {
			return nil
		}
		return []ir.Stmt{ir.NewUnop(addr, ir.OpMov, dst, src)}

	case x86asm.MOVSX, x86asm.MOVSXD:
		dst, ok1 := arg(0)
		src, ok2 := arg(1)
		if !ok1 || !ok2 {
			return nil
		}
		return []ir.Stmt{ir.NewUnop(addr, ir.OpMovsx, dst, src)}

	case x86asm.LEA:
		dst, ok1 := arg(0)
		if !ok1 {
			return nil
		}
		// LEA never dereferences its memory operand, so a [rip+d] form
		// computes a statically known absolute address rather than loading
		// whatever RIPConst would otherwise denote (the value stored at
		// that address). Fold it to an immediate here instead of routing
		// through the generic Mem/RIPConst conversion.
		if m, ok := inst.Args[1].(x86asm.Mem); ok && m.Base == x86asm.RIP {
			absAddr := int64(addr) + int64(inst.Len) + int64(m.Disp)
			return []ir.Stmt{ir.NewUnop(addr, ir.OpMov, dst, ir.ImmVal(absAddr, ir.Size64))}
		}
		src, ok2 := arg(1)
		if !ok2 {
			return nil
		}
		return []ir.Stmt{ir.NewUnop(addr, ir.OpMov, dst, src)}

	case x86asm.XOR, x86asm.XORPS, x86asm.XORPD:
		dst, ok1 := arg(0)
		src, ok2 := arg(1)
		if !ok1 || !ok2 {
			return nil
		}
		dr, dIsReg := dst.CheckReg()
		sr, sIsReg := src.CheckReg()
		if dIsReg && sIsReg && dr == sr {
			// XOR r,r is the idiomatic zeroing form; treat it like a MOV
			// of a known immediate 0 rather than an unknown binop result.
			return []ir.Stmt{ir.NewUnop(addr, ir.OpMov, dst, ir.ImmVal(0, w))}
		}
		return []ir.Stmt{ir.NewClear(addr, dst, src)}

	case x86asm.TEST:
		a0, ok1 := arg(0)
		a1, ok2 := arg(1)
		if !ok1 || !ok2 {
			return nil
		}
		return []ir.Stmt{
			ir.NewBinopCmp(addr, ir.OpTest, ir.RegVal(ir.Zf, ir.Size8), a0, a1),
			ir.NewBinopCmp(addr, ir.OpTest, ir.RegVal(ir.Cf, ir.Size8), a0, a1),
		}

	case x86asm.CMP, x86asm.UCOMISS, x86asm.UCOMISD:
		a0, ok1 := arg(0)
		a1, ok2 := arg(1)
		if !ok1 || !ok2 {
			return nil
		}
		var stmts []ir.Stmt
		for _, flag := range []ir.Reg{ir.Zf, ir.Cf, ir.Pf, ir.Sf, ir.Of} {
			stmts = append(stmts, ir.NewBinopCmp(addr, ir.OpCmp, ir.RegVal(flag, ir.Size8), a0, a1))
		}
		return stmts

	case x86asm.ADD:
		return binopWithFlagClear(addr, ir.OpAdd, arg)
	case x86asm.SUB:
		return binopWithFlagClear(addr, ir.OpSub, arg)
	case x86asm.AND:
		return binopWithFlagClear(addr, ir.OpAnd, arg)
	case x86asm.SHL:
		return binopWithFlagClear(addr, ir.OpShl, arg)

	case x86asm.SETA, x86asm.SETAE, x86asm.SETB, x86asm.SETBE, x86asm.SETE,
		x86asm.SETG, x86asm.SETGE, x86asm.SETL, x86asm.SETLE, x86asm.SETNE,
		x86asm.SETNO, x86asm.SETNP, x86asm.SETNS, x86asm.SETO, x86asm.SETP, x86asm.SETS:
		dst, ok := arg(0)
		if !ok {
			return nil
		}
		return []ir.Stmt{ir.NewClear(addr, dst, ir.RegVal(ir.Zf, ir.Size8), ir.RegVal(ir.Cf, ir.Size8))}

	case x86asm.BSF, x86asm.BSR:
		dst, ok1 := arg(0)
		src, ok2 := arg(1)
		if !ok1 || !ok2 {
			return nil
		}
		return []ir.Stmt{ir.NewClear(addr, dst, src)}

	case x86asm.CMOVAE:
		// CMOVNB (CMOVAE) is the compiler's Spectre-mitigation trap and is
		// modeled as never taken, so it lowers to nothing.
		return nil

	case x86asm.CMOVE, x86asm.CMOVNE, x86asm.CMOVA,
		x86asm.CMOVB, x86asm.CMOVBE, x86asm.CMOVG, x86asm.CMOVGE,
		x86asm.CMOVL, x86asm.CMOVLE, x86asm.CMOVNO, x86asm.CMOVNP,
		x86asm.CMOVNS, x86asm.CMOVO, x86asm.CMOVP, x86asm.CMOVS:
		// A CMOVcc not captured by the BSF+CMOVZ idiom above leaves its
		// destination holding either of two values, so it is cleared.
		dst, ok1 := arg(0)
		src, ok2 := arg(1)
		if !ok1 || !ok2 {
			return nil
		}
		return []ir.Stmt{ir.NewClear(addr, dst, src)}

	case x86asm.IDIV, x86asm.DIV:
		return []ir.Stmt{
			ir.NewClear(addr, ir.RegVal(ir.Rax, ir.Size64)),
			ir.NewClear(addr, ir.RegVal(ir.Rdx, ir.Size64)),
			ir.NewClear(addr, ir.RegVal(ir.Zf, ir.Size8)),
		}

	case x86asm.PUSH:
		src, ok := arg(0)
		if !ok {
			return nil
		}
		if src.Size() != ir.Size64 {
			panic("lift: PUSH of non-64-bit operand")
		}
		return []ir.Stmt{ir.NewUnop(addr, ir.OpMov, ir.MemVal(ir.Mem{Form: ir.Mem1Arg, Base: ir.Rsp, HasBase: true}, ir.Size64), src)}

	case x86asm.POP:
		dst, ok := arg(0)
		if !ok {
			return nil
		}
		if dst.Size() != ir.Size64 {
			panic("lift: POP of non-64-bit operand")
		}
		return []ir.Stmt{ir.NewUnop(addr, ir.OpMov, dst, ir.MemVal(ir.Mem{Form: ir.Mem1Arg, Base: ir.Rsp, HasBase: true}, ir.Size64))}

	case x86asm.CALL:
		if target, ok := inst.Args[0].(x86asm.Rel); ok {
			return []ir.Stmt{ir.NewCallDirect(addr, ir.Addr(int64(addr)+int64(inst.Len)+int64(target)))}
		}
		indirect, ok := arg(0)
		if !ok {
			return nil
		}
		return []ir.Stmt{ir.NewCallIndirect(addr, indirect)}

	case x86asm.RET:
		return []ir.Stmt{ir.NewRet(addr)}

	case x86asm.UD2:
		return []ir.Stmt{ir.NewUndefined(addr)}

	case x86asm.JMP:
		return branchStmt(inst, addr, false)

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS:
		return branchStmt(inst, addr, true)

	case x86asm.NOP, x86asm.FILD, x86asm.STD, x86asm.CLD, x86asm.STI, x86asm.CLI,
		x86asm.PREFETCHT0, x86asm.PREFETCHT1, x86asm.PREFETCHT2, x86asm.PREFETCHNTA,
		x86asm.MFENCE, x86asm.LFENCE, x86asm.SFENCE:
		return nil

	default:
		// Opcodes not named in the lowering table are assumed to touch
		// only their explicit destination operand(s), conservatively
		// cleared rather than left unmodeled.
		if dst, ok := arg(0); ok {
			return []ir.Stmt{ir.NewClear(addr, dst)}
		}
		return nil
	}
}

func binopWithFlagClear(addr ir.Addr, op ir.Opcode, arg func(int) (ir.Value, bool)) []ir.Stmt {
	dst, ok1 := arg(0)
	src, ok2 := arg(1)
	if !ok1 || !ok2 {
		return nil
	}
	return []ir.Stmt{
		ir.NewBinop(addr, op, dst, src),
		ir.NewClear(addr, ir.RegVal(ir.Zf, ir.Size8)),
	}
}

func branchStmt(inst x86asm.Inst, addr ir.Addr, conditional bool) []ir.Stmt {
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		target := ir.Addr(int64(addr) + int64(inst.Len) + int64(rel))
		return []ir.Stmt{ir.NewBranchDirect(addr, conditional, target)}
	}
	v, err := convertOperand(inst.Args[0], ir.Size64)
	if err != nil {
		return nil
	}
	return []ir.Stmt{ir.NewBranchIndirect(addr, conditional, v)}
}
