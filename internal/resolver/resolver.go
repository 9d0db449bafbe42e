// Package resolver turns a recovered switch-dispatch descriptor into
// concrete successor addresses by reading the jump table out of the image,
// and extends the CFG with the recovered edges so the lifter's second pass
// can lift the newly-discovered blocks.
package resolver

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/wasmsentry/wasmsentry/internal/analysis/switchan"
	"github.com/wasmsentry/wasmsentry/internal/dataflow"
	"github.com/wasmsentry/wasmsentry/internal/ir"
)

// ErrIllegalJump is returned for an indirect jump whose operand is a memory
// reference rather than a register: the lowering compiler never emits a
// jump indirect through memory for a legitimate switch, so this is treated
// as an automatic rejection rather than a resolution attempt.
var ErrIllegalJump = errors.New("resolver: illegal indirect jump through memory operand")

// Image reads raw bytes from the loaded module at an absolute address.
type Image interface {
	ReadAt(addr ir.Addr, n int) ([]byte, error)
}

// loadEntry reads one little-endian 32-bit signed displacement from the
// jump table at base+4*idx and returns the resolved absolute target:
// base + displacement, matching the bit-exact jump-table encoding the
// lowering compiler emits.
func loadEntry(img Image, base ir.Addr, idx uint32) (ir.Addr, error) {
	b, err := img.ReadAt(base+ir.Addr(4*idx), 4)
	if err != nil {
		return 0, errors.Wrapf(err, "resolver: reading jump table entry %d", idx)
	}
	disp := int32(binary.LittleEndian.Uint32(b))
	return ir.Addr(int64(base) + int64(disp)), nil
}

// ExtractTargets enumerates every successor address encoded by a jump
// table of bound entries starting at base.
func ExtractTargets(img Image, base ir.Addr, bound uint32) ([]ir.Addr, error) {
	out := make([]ir.Addr, 0, bound)
	for i := uint32(0); i < bound; i++ {
		target, err := loadEntry(img, base, i)
		if err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, nil
}

// Resolve walks every block's final Branch statement; for an indirect
// branch it consults the switch-analysis state that states holds for that
// block (the state just before the branch) to recover (base, bound) and
// reads the table out of img, adding a CFG edge for each recovered target;
// the IRMap is left untouched, and the caller lifts any new successor
// blocks in a second pass. A direct-operand (memory) indirect jump returns
// ErrIllegalJump rather than attempting resolution, since there is no
// switch-table shape that form could represent.
func Resolve(img Image, cfg *dataflow.CFG, irMap *ir.IRMap, states map[ir.Addr]switchan.State) error {
	for _, addr := range cfg.Blocks() {
		block := irMap.Blocks[addr]
		if block == nil || len(block.Stmts) == 0 {
			continue
		}
		last := block.Stmts[len(block.Stmts)-1]
		if last.Kind != ir.StmtBranch || last.Branch.HasTarget {
			continue
		}
		v := last.Branch.Indirect
		if v.IsMem() {
			return ErrIllegalJump
		}
		state, ok := states[addr]
		if !ok {
			continue
		}
		base, bound, ok := switchan.JmpTargetOf(state, v)
		if !ok {
			continue
		}
		targets, err := ExtractTargets(img, base, bound)
		if err != nil {
			return err
		}
		for _, t := range targets {
			cfg.AddEdge(addr, t)
		}
	}
	return nil
}
