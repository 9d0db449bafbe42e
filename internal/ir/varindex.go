package ir

import "fmt"

// VarIndex names a location VariableState tracks: either an abstract
// register or a slot at a given byte offset from the function's initial
// stack pointer. Offsets are negative for locals below the return address,
// matching the direction rsp moves after a sub.
type VarIndex struct {
	isStack bool
	reg     Reg
	offset  int64
}

func RegIndex(r Reg) VarIndex { return VarIndex{reg: r} }

func StackIndex(offset int64) VarIndex { return VarIndex{isStack: true, offset: offset} }

func (v VarIndex) IsStack() bool { return v.isStack }

func (v VarIndex) Reg() Reg {
	if v.isStack {
		panic("ir: VarIndex is a stack slot, not a register")
	}
	return v.reg
}

func (v VarIndex) StackOffset() int64 {
	if !v.isStack {
		panic("ir: VarIndex is a register, not a stack slot")
	}
	return v.offset
}

func (v VarIndex) String() string {
	if v.isStack {
		return fmt.Sprintf("stack[%d]", v.offset)
	}
	return v.reg.String()
}
