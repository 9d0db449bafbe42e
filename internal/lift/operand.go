// Package lift converts decoded x86-64 instructions into the ir.Stmt
// statement language, including recognition of the multi-instruction idioms
// the lowering compiler emits (stack-probe trampolines, BSF+CMOVZ pairs).
package lift

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/wasmsentry/wasmsentry/internal/ir"
)

// ErrScalingProhibited is returned when a decoded memory operand combines a
// non-trivial scale with a form the checkers cannot classify abstractly
// (currently: none are prohibited outright, scale!=1 lowers to MemScale,
// but malformed decodes that leave Scale outside {0,1,2,4,8} hit this).
var ErrScalingProhibited = errors.New("lift: unsupported scale factor")

func regSize(r x86asm.Reg) ir.Size {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return ir.Size8
	case r >= x86asm.AX && r <= x86asm.R15W:
		return ir.Size16
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return ir.Size32
	case r >= x86asm.RAX && r <= x86asm.R15:
		return ir.Size64
	case r >= x86asm.X0 && r <= x86asm.X15:
		return ir.Size128
	case r >= x86asm.Y0 && r <= x86asm.Y15:
		return ir.Size256
	default:
		return ir.SizeOther
	}
}

// convertReg maps a decoded x86asm.Reg into our abstract Reg, collapsing
// all widths of a given physical register onto a single ir.Reg (the caller
// tracks width separately via Value.Size).
func convertReg(r x86asm.Reg) (ir.Reg, bool) {
	base := r
	switch {
	case base >= x86asm.AL && base <= x86asm.R15B:
		// The byte registers are ordered AL..BL, AH..BH, SPB..DIB, R8B..R15B.
		byteRegs := [...]ir.Reg{ir.Rax, ir.Rcx, ir.Rdx, ir.Rbx, ir.Rax, ir.Rcx, ir.Rdx, ir.Rbx,
			ir.Rsp, ir.Rbp, ir.Rsi, ir.Rdi, ir.R8, ir.R9, ir.R10, ir.R11, ir.R12, ir.R13, ir.R14, ir.R15}
		return byteRegs[base-x86asm.AL], true
	case base >= x86asm.AX && base <= x86asm.R15W:
		base = (base - x86asm.AX)
	case base >= x86asm.EAX && base <= x86asm.R15L:
		base = (base - x86asm.EAX)
	case base >= x86asm.RAX && base <= x86asm.R15:
		base = (base - x86asm.RAX)
	default:
		return 0, false
	}
	idx := int(base)
	gpr := [...]ir.Reg{ir.Rax, ir.Rcx, ir.Rdx, ir.Rbx, ir.Rsp, ir.Rbp, ir.Rsi, ir.Rdi,
		ir.R8, ir.R9, ir.R10, ir.R11, ir.R12, ir.R13, ir.R14, ir.R15}
	if idx < 0 || idx >= len(gpr) {
		return 0, false
	}
	return gpr[idx], true
}

// convertOperand converts one decoded operand into our Value shape. width
// is the size class the caller already determined for this operand
// position (x86asm does not tag every operand kind with a width itself).
func convertOperand(arg x86asm.Arg, width ir.Size) (ir.Value, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, ok := convertReg(a)
		if !ok {
			return ir.Value{}, errors.Errorf("lift: unsupported register operand %v", a)
		}
		return ir.RegVal(r, width), nil

	case x86asm.Imm:
		return ir.ImmVal(int64(a), width), nil

	case x86asm.Rel:
		return ir.ImmVal(int64(a), width), nil

	case x86asm.Mem:
		return convertMem(a, width)

	default:
		return ir.Value{}, errors.Errorf("lift: unsupported operand kind %T", arg)
	}
}

func convertMem(m x86asm.Mem, width ir.Size) (ir.Value, error) {
	hasBase := m.Base != 0
	hasIndex := m.Index != 0 && m.Scale != 0

	switch m.Scale {
	case 0, 1, 2, 4, 8:
	default:
		return ir.Value{}, ErrScalingProhibited
	}

	if m.Base == x86asm.RIP {
		return ir.RIPConstVal(ir.Addr(m.Disp), width), nil
	}

	if m.Segment != 0 {
		// Segment-relative addressing (FS/GS-based guard-page and TLS
		// idioms): force the MemScale shape so the checkers still see an
		// explicit address computation instead of a plain base load.
		var baseReg ir.Reg
		if hasBase {
			r, ok := convertReg(m.Base)
			if !ok {
				return ir.Value{}, errors.Errorf("lift: unsupported base register %v", m.Base)
			}
			baseReg = r
		}
		return ir.MemVal(ir.Mem{Form: ir.MemScale, Base: baseReg, HasBase: hasBase, Scale: 1, Disp: m.Disp}, width), nil
	}

	var baseReg, indexReg ir.Reg
	if hasBase {
		r, ok := convertReg(m.Base)
		if !ok {
			return ir.Value{}, errors.Errorf("lift: unsupported base register %v", m.Base)
		}
		baseReg = r
	}
	if hasIndex {
		r, ok := convertReg(m.Index)
		if !ok {
			return ir.Value{}, errors.Errorf("lift: unsupported index register %v", m.Index)
		}
		indexReg = r
	}

	switch {
	case hasIndex && m.Scale != 1:
		return ir.MemVal(ir.Mem{
			Form: ir.MemScale, Base: baseReg, HasBase: hasBase,
			Index: indexReg, HasIndex: true, Scale: int64(m.Scale), Disp: m.Disp,
		}, width), nil

	case hasIndex && m.Scale == 1:
		if m.Disp != 0 {
			return ir.MemVal(ir.Mem{
				Form: ir.Mem3Args, Base: baseReg, HasBase: hasBase,
				Index: indexReg, HasIndex: true, Scale: 1, Disp: m.Disp,
			}, width), nil
		}
		return ir.MemVal(ir.Mem{
			Form: ir.Mem2Args, Base: baseReg, HasBase: hasBase,
			Index: indexReg, HasIndex: true, Scale: 1,
		}, width), nil

	case hasBase && m.Disp != 0:
		return ir.MemVal(ir.Mem{Form: ir.Mem2Args, Base: baseReg, HasBase: true, Disp: m.Disp}, width), nil

	case hasBase:
		return ir.MemVal(ir.Mem{Form: ir.Mem1Arg, Base: baseReg, HasBase: true}, width), nil

	default:
		// Absolute/segment-relative addressing with no base or index: keep
		// the displacement visible to checkers as a scale-form operand
		// rather than silently dropping it.
		return ir.MemVal(ir.Mem{Form: ir.MemScale, Disp: m.Disp}, width), nil
	}
}

func opWidth(inst x86asm.Inst) ir.Size {
	switch inst.MemBytes {
	case 1:
		return ir.Size8
	case 2:
		return ir.Size16
	case 4:
		return ir.Size32
	case 8:
		return ir.Size64
	case 16:
		return ir.Size128
	case 32:
		return ir.Size256
	}
	// Fall back to the first register operand's width, which covers the
	// overwhelming majority of reg/reg and reg/imm forms where MemBytes is
	// unset.
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if r, ok := a.(x86asm.Reg); ok {
			return regSize(r)
		}
	}
	return ir.Size32
}
