package lift_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/wasmsentry/wasmsentry/internal/ir"
	"github.com/wasmsentry/wasmsentry/internal/lift"
)

// byteImage is a lift.Decoder backed by a flat byte slice starting at
// base, enough to drive Block over small hand-assembled sequences.
type byteImage struct {
	base  ir.Addr
	bytes []byte
}

func (b byteImage) Decode(addr ir.Addr) (x86asm.Inst, error) {
	off := int(addr - b.base)
	return x86asm.Decode(b.bytes[off:], 64)
}

func TestLiftPushPopRoundTrip(t *testing.T) {
	// push rbx; pop rbx; ret
	img := byteImage{base: 0x1000, bytes: []byte{0x53, 0x5B, 0xC3}}
	stmts, err := lift.Block(img, lift.BlockSpan{Addr: 0x1000, End: 0x1003}, lift.Metadata{})
	require.NoError(t, err)
	require.Len(t, stmts, 3)

	assert.Equal(t, ir.StmtUnop, stmts[0].Kind)
	dst := stmts[0].Unop.Dst
	mem, ok := dst.CheckMem()
	require.True(t, ok)
	assert.Equal(t, ir.Rsp, mem.Base)

	assert.Equal(t, ir.StmtUnop, stmts[1].Kind)
	popDst := stmts[1].Unop.Dst
	r, ok := popDst.CheckReg()
	require.True(t, ok)
	assert.Equal(t, ir.Rbx, r)

	assert.Equal(t, ir.StmtRet, stmts[2].Kind)
}

func TestLiftXorSelfIsMovZero(t *testing.T) {
	// xor eax, eax
	img := byteImage{base: 0x2000, bytes: []byte{0x31, 0xC0}}
	stmts, err := lift.Block(img, lift.BlockSpan{Addr: 0x2000, End: 0x2002}, lift.Metadata{})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	require.Equal(t, ir.StmtUnop, stmts[0].Kind)
	assert.Equal(t, ir.OpMov, stmts[0].Unop.Op)
	imm, ok := stmts[0].Unop.Src.CheckImm()
	require.True(t, ok)
	assert.Equal(t, int64(0), imm)
}

func TestLiftMovImmediate(t *testing.T) {
	// mov eax, 0
	img := byteImage{base: 0x3000, bytes: []byte{0xB8, 0x00, 0x00, 0x00, 0x00}}
	stmts, err := lift.Block(img, lift.BlockSpan{Addr: 0x3000, End: 0x3005}, lift.Metadata{})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, ir.OpMov, stmts[0].Unop.Op)
}

func TestLiftDirectCallResolvesTarget(t *testing.T) {
	// call rel32=0 (targets the byte right after the instruction)
	img := byteImage{base: 0x4000, bytes: []byte{0xE8, 0x00, 0x00, 0x00, 0x00}}
	stmts, err := lift.Block(img, lift.BlockSpan{Addr: 0x4000, End: 0x4005}, lift.Metadata{})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	require.Equal(t, ir.StmtCall, stmts[0].Kind)
	require.True(t, stmts[0].Call.HasTarget)
	assert.Equal(t, ir.Addr(0x4005), stmts[0].Call.Target)
}

func TestLiftUnconditionalJmpEndsBlock(t *testing.T) {
	// jmp rel8=0x00 (two-byte form, EB 00); followed by bytes that would
	// otherwise decode as another instruction, which must not be lifted.
	img := byteImage{base: 0x5000, bytes: []byte{0xEB, 0x00, 0x90}}
	stmts, err := lift.Block(img, lift.BlockSpan{Addr: 0x5000, End: 0x5003}, lift.Metadata{})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, ir.StmtBranch, stmts[0].Kind)
	assert.False(t, stmts[0].Branch.Conditional)
}

func TestLiftRetProducesRetStmt(t *testing.T) {
	img := byteImage{base: 0x6000, bytes: []byte{0xC3}}
	stmts, err := lift.Block(img, lift.BlockSpan{Addr: 0x6000, End: 0x6001}, lift.Metadata{})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, ir.StmtRet, stmts[0].Kind)
}

func TestLiftLeaRipComputesAbsoluteAddress(t *testing.T) {
	// lea rax, [rip+0x10]; the absolute target is addr + inst.Len + 0x10.
	img := byteImage{base: 0x7000, bytes: []byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00}}
	stmts, err := lift.Block(img, lift.BlockSpan{Addr: 0x7000, End: 0x7007}, lift.Metadata{})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	require.Equal(t, ir.StmtUnop, stmts[0].Kind)
	assert.Equal(t, ir.OpMov, stmts[0].Unop.Op)
	imm, ok := stmts[0].Unop.Src.CheckImm()
	require.True(t, ok, "LEA of a rip-relative operand must lower to an absolute immediate, not RIPConst")
	assert.Equal(t, int64(0x7007+0x10), imm)
}

func TestLiftProbeStackIdiomRequiresMatchingMetadata(t *testing.T) {
	// mov r11, 0x2000; call probestack; sub rsp, r11
	bytes := []byte{
		0x49, 0xBB, 0x00, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // mov r11, 0x2000
		0xE8, 0x00, 0x00, 0x00, 0x00, // call rel32=0
		0x4C, 0x29, 0xDC, // sub rsp, r11
	}
	img := byteImage{base: 0x8000, bytes: bytes}
	callTarget := ir.Addr(0x8000 + 10 + 5) // call's rel32=0 targets the next instruction

	stmts, err := lift.Block(img, lift.BlockSpan{Addr: 0x8000, End: ir.Addr(0x8000 + len(bytes))},
		lift.Metadata{ProbeStack: callTarget, HasProbeStack: true})
	require.NoError(t, err)
	require.Len(t, stmts, 1, "a call matching the certified probestack address must collapse to one ProbeStack stmt")
	assert.Equal(t, ir.StmtProbeStack, stmts[0].Kind)

	stmtsNoMeta, err := lift.Block(img, lift.BlockSpan{Addr: 0x8000, End: ir.Addr(0x8000 + len(bytes))}, lift.Metadata{})
	require.NoError(t, err)
	assert.Greater(t, len(stmtsNoMeta), 1, "without a certified probestack address the idiom must not match")
}
