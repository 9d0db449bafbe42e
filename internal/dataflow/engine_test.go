package dataflow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmsentry/wasmsentry/internal/analysis/reachingdefs"
	"github.com/wasmsentry/wasmsentry/internal/dataflow"
	"github.com/wasmsentry/wasmsentry/internal/ir"
)

// straightLineIRMap builds a two-block CFG: entry defines rax, falls
// through to a second block that reads it unchanged.
func straightLineIRMap() (*dataflow.CFG, *ir.IRMap) {
	const entry, second ir.Addr = 0x1000, 0x1010

	cfg := dataflow.NewCFG(entry)
	cfg.AddEdge(entry, second)

	irMap := ir.NewIRMap()
	irMap.Blocks[entry] = &ir.Block{Addr: entry, Stmts: []ir.Stmt{
		ir.NewUnop(entry, ir.OpMov, ir.RegVal(ir.Rax, ir.Size64), ir.ImmVal(0, ir.Size64)),
	}}
	irMap.Blocks[second] = &ir.Block{Addr: second, Stmts: []ir.Stmt{
		ir.NewUnop(second, ir.OpMov, ir.RegVal(ir.Rbx, ir.Size64), ir.RegVal(ir.Rax, ir.Size64)),
	}}
	return cfg, irMap
}

func TestEngineConvergesOnStraightLine(t *testing.T) {
	cfg, irMap := straightLineIRMap()
	result := dataflow.Run[reachingdefs.State](cfg, irMap, reachingdefs.Analyzer{})

	entryState, ok := result.Entry[0x1010]
	require.True(t, ok)
	addr, ok := reachingdefs.DefiningAddr(entryState, ir.Rax)
	require.True(t, ok)
	assert.Equal(t, ir.Addr(0x1000), addr)
}

func TestEngineTracksBeforeStmtStates(t *testing.T) {
	cfg, irMap := straightLineIRMap()
	result := dataflow.Run[reachingdefs.State](cfg, irMap, reachingdefs.Analyzer{})

	before := result.BeforeStmt[0x1000]
	require.Len(t, before, 1)
	_, ok := reachingdefs.DefiningAddr(before[0], ir.Rax)
	assert.False(t, ok, "rax must be undefined before the first statement executes")
}

func TestEngineJoinsDivergingPathsWithMismatchedDefs(t *testing.T) {
	const a, b, join ir.Addr = 0x2000, 0x2010, 0x2020

	cfg := dataflow.NewCFG(a)
	cfg.AddEdge(a, b)
	cfg.AddEdge(a, join)
	cfg.AddEdge(b, join)

	irMap := ir.NewIRMap()
	irMap.Blocks[a] = &ir.Block{Addr: a, Stmts: []ir.Stmt{
		ir.NewBranchDirect(a, true, b),
	}}
	irMap.Blocks[b] = &ir.Block{Addr: b, Stmts: []ir.Stmt{
		ir.NewUnop(b, ir.OpMov, ir.RegVal(ir.Rax, ir.Size64), ir.ImmVal(1, ir.Size64)),
	}}
	irMap.Blocks[join] = &ir.Block{Addr: join, Stmts: nil}

	result := dataflow.Run[reachingdefs.State](cfg, irMap, reachingdefs.Analyzer{})
	joinState := result.Entry[join]
	_, ok := reachingdefs.DefiningAddr(joinState, ir.Rax)
	assert.False(t, ok, "rax reaches join from only one predecessor so it must not be tracked there")
}
