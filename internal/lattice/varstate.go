package lattice

import "github.com/wasmsentry/wasmsentry/internal/ir"

// Slot is a stored value together with the width it was written at. Width
// matters for the stack store/load eviction rule below.
type Slot[T any] struct {
	Size  ir.Size
	Value T
}

// VariableState is the product lattice every analysis instantiates: a
// register file keyed by ir.Reg plus a sparse map of stack slots keyed by
// byte offset, over a caller-supplied per-location domain T. It also holds
// the stack-pointer offset relative to function entry, needed to translate
// a concrete [rsp+disp] memory operand into a stack-slot offset.
//
// Store/load policy, mirrored from the reference stack-slot eviction rule:
// a store of any width evicts (drops) every previously recorded slot whose
// byte range overlaps the new write, whether a wide store aliases several
// narrow slots or a narrow store clips part of a wide one. A load only
// returns a tracked value when the load width exactly matches the slot's
// recorded width; a partial or widening load against a tracked slot yields
// unknown rather than a conjured value.
type VariableState[T Semilattice[T]] struct {
	StackOffset int64
	regs        map[ir.Reg]Slot[T]
	stack       map[int64]Slot[T]
	zero        T
}

func NewVariableState[T Semilattice[T]](zero T) VariableState[T] {
	return VariableState[T]{
		regs:  make(map[ir.Reg]Slot[T]),
		stack: make(map[int64]Slot[T]),
		zero:  zero,
	}
}

func (s VariableState[T]) Clone() VariableState[T] {
	out := VariableState[T]{StackOffset: s.StackOffset, zero: s.zero}
	out.regs = make(map[ir.Reg]Slot[T], len(s.regs))
	for k, v := range s.regs {
		out.regs[k] = v
	}
	out.stack = make(map[int64]Slot[T], len(s.stack))
	for k, v := range s.stack {
		out.stack[k] = v
	}
	return out
}

func (s *VariableState[T]) SetReg(r ir.Reg, sz ir.Size, v T) {
	s.regs[r] = Slot[T]{Size: sz, Value: v}
}

func (s VariableState[T]) GetReg(r ir.Reg) (T, bool) {
	slot, ok := s.regs[r]
	if !ok {
		return s.zero, false
	}
	return slot.Value, true
}

// ClearReg removes any tracked value for r, representing "now unknown".
func (s *VariableState[T]) ClearReg(r ir.Reg) { delete(s.regs, r) }

// ClearCallerSaved drops every caller-saved register, modeling the effect
// of a Call statement. rsi/rdi are treated as caller-saved unconditionally
// (see the calling-convention design note), so this also covers the
// Windows ABI without requiring a descriptor from the caller.
func (s *VariableState[T]) ClearCallerSaved() {
	for _, r := range ir.CallerSaved {
		s.ClearReg(r)
	}
}

// ClearAllRegs drops every tracked register; used by analyses (e.g. the
// heap domain after a Call) that must assume nothing about register
// contents survives an opaque callee.
func (s *VariableState[T]) ClearAllRegs() {
	for r := range s.regs {
		delete(s.regs, r)
	}
}

// UpdateStackOffset adjusts the tracked stack pointer by delta, which must
// be a multiple of 4 bytes; a non-aligned adjustment indicates the lifter
// or a prior analysis stage mis-tracked rsp and is a malformed-input bug
// rather than a rejectable program property, so it panics.
func (s *VariableState[T]) UpdateStackOffset(delta int64) {
	if delta%4 != 0 {
		panic("lattice: stack pointer adjustment not a multiple of 4 bytes")
	}
	s.StackOffset += delta
}

// SetStackSlot writes v of width sz at the given absolute offset, evicting
// any neighboring slot whose byte range it overlaps regardless of the new
// write's own width: a narrow store that clips part of a previously
// recorded wide slot invalidates that slot's single tracked value just as
// surely as a wide store clobbering several narrow ones does.
func (s *VariableState[T]) SetStackSlot(offset int64, sz ir.Size, v T) {
	newLen := slotBytes(sz)
	for o, slot := range s.stack {
		if o == offset {
			continue
		}
		if slotsOverlap(o, slotBytes(slot.Size), offset, newLen) {
			delete(s.stack, o)
		}
	}
	s.stack[offset] = Slot[T]{Size: sz, Value: v}
}

func (s VariableState[T]) GetStackSlot(offset int64, sz ir.Size) (T, bool) {
	slot, ok := s.stack[offset]
	if !ok || slot.Size != sz {
		return s.zero, false
	}
	return slot.Value, true
}

func slotBytes(sz ir.Size) int64 {
	switch sz {
	case ir.Size8:
		return 1
	case ir.Size16:
		return 2
	case ir.Size32:
		return 4
	case ir.Size64:
		return 8
	case ir.Size128:
		return 16
	case ir.Size256:
		return 32
	case ir.Size512:
		return 64
	default:
		return 8
	}
}

func slotsOverlap(aOff, aLen, bOff, bLen int64) bool {
	return aOff < bOff+bLen && bOff < aOff+aLen
}

// Meet combines two states from converging control-flow edges: stack offset
// must agree (both predecessors are on the same function, so a mismatch is
// a malformed-input bug), registers and stack slots meet pointwise, and a
// location tracked on only one side becomes untracked (treated as top) on
// the merged state, since "unknown on one path" dominates.
func (s VariableState[T]) Meet(other VariableState[T]) VariableState[T] {
	if s.StackOffset != other.StackOffset {
		panic("lattice: stack offset mismatch at control-flow merge")
	}
	out := NewVariableState[T](s.zero)
	out.StackOffset = s.StackOffset
	for r, aSlot := range s.regs {
		bSlot, ok := other.regs[r]
		if !ok || aSlot.Size != bSlot.Size {
			continue
		}
		out.regs[r] = Slot[T]{Size: aSlot.Size, Value: aSlot.Value.Meet(bSlot.Value)}
	}
	for off, aSlot := range s.stack {
		bSlot, ok := other.stack[off]
		if !ok || aSlot.Size != bSlot.Size {
			continue
		}
		out.stack[off] = Slot[T]{Size: aSlot.Size, Value: aSlot.Value.Meet(bSlot.Value)}
	}
	return out
}

func (s VariableState[T]) Equal(other VariableState[T]) bool {
	if s.StackOffset != other.StackOffset {
		return false
	}
	if len(s.regs) != len(other.regs) || len(s.stack) != len(other.stack) {
		return false
	}
	for r, aSlot := range s.regs {
		bSlot, ok := other.regs[r]
		if !ok || aSlot.Size != bSlot.Size || !aSlot.Value.Equal(bSlot.Value) {
			return false
		}
	}
	for off, aSlot := range s.stack {
		bSlot, ok := other.stack[off]
		if !ok || aSlot.Size != bSlot.Size || !aSlot.Value.Equal(bSlot.Value) {
			return false
		}
	}
	return true
}
