package lift

import (
	"github.com/pkg/errors"

	"github.com/wasmsentry/wasmsentry/internal/dataflow"
	"github.com/wasmsentry/wasmsentry/internal/ir"
)

// CFG lifts every block in cfg to its statements and returns the resulting
// IRMap. spans gives each block's instruction byte range, computed by
// internal/loader from the initial (pre-switch-resolution) control flow.
func CFG(dec Decoder, cfg *dataflow.CFG, spans map[ir.Addr]BlockSpan, meta Metadata) (*ir.IRMap, error) {
	irMap := ir.NewIRMap()
	for _, addr := range cfg.Blocks() {
		span, ok := spans[addr]
		if !ok {
			continue
		}
		stmts, err := Block(dec, span, meta)
		if err != nil {
			return nil, errors.Wrapf(err, "lift: block at %#x", uint64(addr))
		}
		irMap.Blocks[addr] = &ir.Block{Addr: addr, Stmts: stmts}
	}
	return irMap, nil
}
