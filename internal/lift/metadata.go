package lift

import "github.com/wasmsentry/wasmsentry/internal/ir"

// Metadata supplies module-specific facts the idiom recognizers need to
// certify a match rather than guess from shape alone.
type Metadata struct {
	// ProbeStack is the address of the runtime's stack-probe routine. The
	// probestack idiom only collapses a mov/call/sub sequence when the call
	// target is provably this address, not any call fitting the shape.
	ProbeStack    ir.Addr
	HasProbeStack bool
}
