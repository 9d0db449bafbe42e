package switchan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmsentry/wasmsentry/internal/analysis/switchan"
	"github.com/wasmsentry/wasmsentry/internal/ir"
)

func TestCmpEstablishesUpperBoundOnIndexRegister(t *testing.T) {
	a := switchan.Analyzer{}
	s := a.InitState()

	stmt := ir.NewBinopCmp(0x10, ir.OpCmp, ir.RegVal(ir.Zf, ir.Size8), ir.RegVal(ir.Rax, ir.Size32), ir.ImmVal(9, ir.Size32))
	out := a.Exec(s, stmt)

	v, ok := out.GetReg(ir.Rax)
	require.True(t, ok)
	atom, isSome := v.Get()
	require.True(t, isSome)
	assert.Equal(t, switchan.UpperBound, atom.Kind)
	assert.Equal(t, uint32(10), atom.Bound)
}

func TestAddOfSwitchBaseAndUpperBoundYieldsJmpTarget(t *testing.T) {
	a := switchan.Analyzer{}
	s := a.InitState()

	s = a.Exec(s, ir.NewUnop(0x10, ir.OpMov, ir.RegVal(ir.Rcx, ir.Size64), ir.ImmVal(0x5000, ir.Size64)))
	s = a.Exec(s, ir.NewBinopCmp(0x1a, ir.OpCmp, ir.RegVal(ir.Zf, ir.Size8), ir.RegVal(ir.Rax, ir.Size32), ir.ImmVal(9, ir.Size32)))
	s = a.Exec(s, ir.NewBinop(0x20, ir.OpAdd, ir.RegVal(ir.Rcx, ir.Size64), ir.RegVal(ir.Rax, ir.Size64)))

	base, bound, ok := switchan.JmpTargetOf(s, ir.RegVal(ir.Rcx, ir.Size64))
	require.True(t, ok)
	assert.Equal(t, ir.Addr(0x5000), base)
	assert.Equal(t, uint32(10), bound)
}

func TestCmpWithoutImmediateOperandHasNoEffect(t *testing.T) {
	a := switchan.Analyzer{}
	s := a.InitState()

	stmt := ir.NewBinopCmp(0x10, ir.OpCmp, ir.RegVal(ir.Zf, ir.Size8), ir.RegVal(ir.Rax, ir.Size32), ir.RegVal(ir.Rbx, ir.Size32))
	out := a.Exec(s, stmt)

	v, ok := out.GetReg(ir.Rax)
	require.False(t, ok, "cmp against a non-immediate bound establishes nothing")
	_ = v
}
