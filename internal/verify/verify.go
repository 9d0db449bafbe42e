// Package verify orchestrates the full per-function pipeline: lift, run
// reaching-defs and switch analysis, resolve jump tables, re-lift the
// newly-discovered blocks, run the heap/stack/call analyses, and check the
// fixpoints. It dispatches one job per function across a bounded worker
// pool and assembles a Report naming every rejected function.
package verify

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wasmsentry/wasmsentry/internal/analysis/call"
	"github.com/wasmsentry/wasmsentry/internal/analysis/heap"
	"github.com/wasmsentry/wasmsentry/internal/analysis/reachingdefs"
	"github.com/wasmsentry/wasmsentry/internal/analysis/stack"
	"github.com/wasmsentry/wasmsentry/internal/analysis/switchan"
	"github.com/wasmsentry/wasmsentry/internal/check"
	"github.com/wasmsentry/wasmsentry/internal/dataflow"
	"github.com/wasmsentry/wasmsentry/internal/ir"
	"github.com/wasmsentry/wasmsentry/internal/lift"
	"github.com/wasmsentry/wasmsentry/internal/loader"
	"github.com/wasmsentry/wasmsentry/internal/resolver"
)

// FunctionReport is the outcome for one function: accepted, or rejected
// with every violation a checker raised.
type FunctionReport struct {
	Name       string
	Entry      ir.Addr
	Violations []check.Violation
}

func (r FunctionReport) Accepted() bool { return len(r.Violations) == 0 }

// Report is the outcome for the whole module.
type Report struct {
	Functions []FunctionReport
}

func (r Report) Accepted() bool {
	for _, f := range r.Functions {
		if !f.Accepted() {
			return false
		}
	}
	return true
}

// Options configures the verification run.
type Options struct {
	NumJobs int
	Logger  *zap.Logger
}

// Run verifies every function in m.Functions and returns the assembled
// Report. It never stops early on a rejection: every function is checked
// and every rejection is reported, matching the "report everything" policy
// a static verifier needs to be useful. A malformed-input error (a
// decoding failure, an illegal indirect jump through memory, and similar)
// is itself folded into that function's violation list rather than
// aborting the whole run, since one corrupt function must not hide
// findings in the rest of the module.
func Run(ctx context.Context, m *loader.Module, opts Options) (Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	numJobs := opts.NumJobs
	if numJobs < 1 {
		numJobs = 1
	}

	validTargets := make(map[ir.Addr]bool, len(m.Functions))
	for _, fn := range m.Functions {
		validTargets[fn.Entry] = true
	}

	results := make([]FunctionReport, len(m.Functions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(numJobs)

	for i, fn := range m.Functions {
		i, fn := i, fn
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			logger.Debug("verifying function", zap.String("name", fn.Name), zap.Uint64("entry", uint64(fn.Entry)))
			report, err := verifyFunction(m, fn, validTargets)
			if err != nil {
				report = FunctionReport{
					Name:  fn.Name,
					Entry: fn.Entry,
					Violations: []check.Violation{{
						Addr:   fn.Entry,
						Reason: "malformed input: " + err.Error(),
					}},
				}
			}
			results[i] = report
			if report.Accepted() {
				logger.Info("function accepted", zap.String("name", fn.Name))
			} else {
				logger.Warn("function rejected", zap.String("name", fn.Name), zap.Int("violations", len(report.Violations)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	return Report{Functions: results}, nil
}

func verifyFunction(m *loader.Module, fn loader.Function, validTargets map[ir.Addr]bool) (FunctionReport, error) {
	cfg, spans, err := loader.BuildCFG(m, fn)
	if err != nil {
		return FunctionReport{}, errors.Wrapf(err, "building cfg for %s", fn.Name)
	}

	meta := m.LiftMetadata()
	irMap, err := lift.CFG(m, cfg, spans, meta)
	if err != nil {
		return FunctionReport{}, errors.Wrapf(err, "lifting %s", fn.Name)
	}

	switchResult := dataflow.Run[switchan.State](cfg, irMap, switchan.Analyzer{})

	// The resolver needs each block's state just before its final branch,
	// where a jump target formed inside the block is visible.
	branchStates := make(map[ir.Addr]switchan.State)
	for addr, states := range switchResult.BeforeStmt {
		if len(states) > 0 {
			branchStates[addr] = states[len(states)-1]
		}
	}
	if err := resolver.Resolve(m, cfg, irMap, branchStates); err != nil {
		return FunctionReport{}, errors.Wrapf(err, "resolving switch tables in %s", fn.Name)
	}

	// Re-lift: the resolver may have added blocks the first pass never
	// walked (true switch-dispatch successors outside the initial
	// straight-line/branch walk).
	for addr := range cfg.Successors {
		for _, succ := range cfg.Successors[addr] {
			if irMap.Blocks[succ] == nil {
				span, ok := spans[succ]
				if !ok {
					span = lift.BlockSpan{Addr: succ, End: fn.End}
				}
				stmts, err := lift.Block(m, span, meta)
				if err != nil {
					return FunctionReport{}, errors.Wrapf(err, "relifting %s at %#x", fn.Name, uint64(succ))
				}
				irMap.Blocks[succ] = &ir.Block{Addr: succ, Stmts: stmts}
			}
		}
	}

	// Reaching definitions are computed against the final, fully-resolved
	// IRMap (switch successors included) since the call analysis below
	// needs to trace operands through blocks the resolver only just added.
	reachResult := dataflow.Run[reachingdefs.State](cfg, irMap, reachingdefs.Analyzer{})
	reachBefore := make(map[ir.Addr]reachingdefs.State)
	stmtByAddr := make(map[ir.Addr]ir.Stmt)
	for blockAddr, states := range reachResult.BeforeStmt {
		block := irMap.Blocks[blockAddr]
		if block == nil {
			continue
		}
		for i, stmt := range block.Stmts {
			if i < len(states) {
				reachBefore[stmt.Addr] = states[i]
			}
			stmtByAddr[stmt.Addr] = stmt
		}
	}

	heapAnalyzer := heap.Analyzer{Metadata: heap.Metadata{
		LucetTablesBase: m.LucetTablesBase,
		GuestTable0Base: m.GuestTable0Base,
	}}
	heapResult := dataflow.Run[heap.State](cfg, irMap, heapAnalyzer)

	stackResult := dataflow.Run[stack.State](cfg, irMap, stack.Analyzer{})

	callAnalyzer := call.Analyzer{
		Metadata: call.Metadata{
			ValidTargets:    validTargets,
			LucetTablesBase: m.LucetTablesBase,
			GuestTable0Base: m.GuestTable0Base,
		},
		ReachingDefsBefore: reachBefore,
		StmtByAddr:         stmtByAddr,
	}
	callResult := dataflow.Run[call.State](cfg, irMap, callAnalyzer)

	var violations []check.Violation
	violations = append(violations, check.Stack(cfg, irMap, stackResult)...)
	violations = append(violations, check.Heap(cfg, irMap, heapResult)...)
	violations = append(violations, check.Call(cfg, irMap, callResult, func(a ir.Addr) bool {
		return validTargets[a]
	})...)

	return FunctionReport{Name: fn.Name, Entry: fn.Entry, Violations: violations}, nil
}
