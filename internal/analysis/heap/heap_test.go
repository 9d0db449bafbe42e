package heap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmsentry/wasmsentry/internal/analysis/heap"
	"github.com/wasmsentry/wasmsentry/internal/ir"
)

func TestInitStateClassifiesRdiAsHeapBase(t *testing.T) {
	a := heap.Analyzer{}
	s := a.InitState()
	v, ok := s.GetReg(ir.Rdi)
	require.True(t, ok)
	assert.Equal(t, heap.HeapBase, v.MustGet())
}

func TestAddOfHeapBaseAndBounded4GBYieldsHeapAddr(t *testing.T) {
	a := heap.Analyzer{}
	s := a.InitState()
	s.SetReg(ir.Rsi, ir.Size64, heap.Some(heap.Bounded4GB))

	stmt := ir.NewBinop(0x10, ir.OpAdd, ir.RegVal(ir.Rdi, ir.Size64), ir.RegVal(ir.Rsi, ir.Size64))
	out := a.Exec(s, stmt)

	v, ok := out.GetReg(ir.Rdi)
	require.True(t, ok)
	assert.Equal(t, heap.HeapAddr, v.MustGet())
}

func TestAddOfTwoUnrelatedRegsClearsDst(t *testing.T) {
	a := heap.Analyzer{}
	s := a.InitState()
	s.SetReg(ir.Rsi, ir.Size64, heap.Some(heap.LucetTables))

	stmt := ir.NewBinop(0x10, ir.OpAdd, ir.RegVal(ir.Rdi, ir.Size64), ir.RegVal(ir.Rsi, ir.Size64))
	out := a.Exec(s, stmt)

	v, ok := out.GetReg(ir.Rdi)
	require.True(t, ok)
	assert.True(t, v.IsNone())
}

func TestImmediateWithinBoundClassifiesAsBounded4GB(t *testing.T) {
	a := heap.Analyzer{}
	s := a.InitState()
	stmt := ir.NewUnop(0x20, ir.OpMov, ir.RegVal(ir.Rax, ir.Size32), ir.ImmVal(0xFF, ir.Size32))
	out := a.Exec(s, stmt)
	v, ok := out.GetReg(ir.Rax)
	require.True(t, ok)
	assert.Equal(t, heap.Bounded4GB, v.MustGet())
}

func TestImmediateMatchingLucetTablesBase(t *testing.T) {
	a := heap.Analyzer{Metadata: heap.Metadata{LucetTablesBase: 0x5000}}
	s := a.InitState()
	stmt := ir.NewUnop(0x20, ir.OpMov, ir.RegVal(ir.Rax, ir.Size64), ir.ImmVal(0x5000, ir.Size64))
	out := a.Exec(s, stmt)
	v, ok := out.GetReg(ir.Rax)
	require.True(t, ok)
	assert.Equal(t, heap.LucetTables, v.MustGet())
}

func TestNarrowRegisterReadDegradesToBounded4GB(t *testing.T) {
	a := heap.Analyzer{}
	s := a.InitState()
	s.SetReg(ir.Rdi, ir.Size64, heap.Some(heap.HeapBase))

	// A 32-bit read of a 64-bit-classified register can't carry the high
	// bits' classification forward, so it must degrade.
	stmt := ir.NewUnop(0x10, ir.OpMov, ir.RegVal(ir.Rax, ir.Size32), ir.RegVal(ir.Rdi, ir.Size32))
	out := a.Exec(s, stmt)

	v, ok := out.GetReg(ir.Rax)
	require.True(t, ok)
	assert.Equal(t, heap.Bounded4GB, v.MustGet())
}

func TestFullWidthRegisterReadPreservesClassification(t *testing.T) {
	a := heap.Analyzer{}
	s := a.InitState()
	s.SetReg(ir.Rdi, ir.Size64, heap.Some(heap.HeapBase))

	stmt := ir.NewUnop(0x10, ir.OpMov, ir.RegVal(ir.Rax, ir.Size64), ir.RegVal(ir.Rdi, ir.Size64))
	out := a.Exec(s, stmt)

	v, ok := out.GetReg(ir.Rax)
	require.True(t, ok)
	assert.Equal(t, heap.HeapBase, v.MustGet())
}

func TestCallClearsAllRegisters(t *testing.T) {
	a := heap.Analyzer{}
	s := a.InitState()
	stmt := ir.Stmt{Kind: ir.StmtCall, Call: &ir.CallStmt{HasTarget: true, Target: 0x100}}
	out := a.Exec(s, stmt)
	_, ok := out.GetReg(ir.Rdi)
	assert.False(t, ok)
}
