package op

import "math"

// DwarfRegisters holds the value of stack program registers.
// A nil entry means the register is not available for the frame.
type DwarfRegisters struct {
	regs []*DwarfRegister

	PCRegNum uint64
	SPRegNum uint64
}

type DwarfRegister struct {
	Uint64Val uint64
}

// NewDwarfRegisters returns a new DwarfRegisters object.
func NewDwarfRegisters(regs []*DwarfRegister, pcRegNum, spRegNum uint64) *DwarfRegisters {
	return &DwarfRegisters{
		regs:     regs,
		PCRegNum: pcRegNum,
		SPRegNum: spRegNum,
	}
}

// Uint64Val returns the uint64 value of register idx.
func (regs *DwarfRegisters) Uint64Val(idx uint64) uint64 {
	reg := regs.Reg(idx)
	if reg == nil {
		return 0
	}
	return reg.Uint64Val
}

// Float64Val returns the value of register idx interpreted as an IEEE 754
// double. The bit pattern is preserved.
func (regs *DwarfRegisters) Float64Val(idx uint64) float64 {
	return math.Float64frombits(regs.Uint64Val(idx))
}

// Reg returns register idx or nil if the register is not defined.
func (regs *DwarfRegisters) Reg(idx uint64) *DwarfRegister {
	if idx >= uint64(len(regs.regs)) {
		return nil
	}
	return regs.regs[idx]
}

func (regs *DwarfRegisters) PC() uint64 {
	return regs.Uint64Val(regs.PCRegNum)
}

func (regs *DwarfRegisters) SP() uint64 {
	return regs.Uint64Val(regs.SPRegNum)
}

// AddReg adds register idx to regs.
func (regs *DwarfRegisters) AddReg(idx uint64, reg *DwarfRegister) {
	if idx >= uint64(len(regs.regs)) {
		newRegs := make([]*DwarfRegister, idx+1)
		copy(newRegs, regs.regs)
		regs.regs = newRegs
	}
	regs.regs[idx] = reg
}

// DelReg marks register idx as not available.
func (regs *DwarfRegisters) DelReg(idx uint64) {
	if idx < uint64(len(regs.regs)) {
		regs.regs[idx] = nil
	}
}

func DwarfRegisterFromUint64(v uint64) *DwarfRegister {
	return &DwarfRegister{Uint64Val: v}
}

// DwarfRegisterFromFloat64 stores the bit pattern of v.
func DwarfRegisterFromFloat64(v float64) *DwarfRegister {
	return &DwarfRegister{Uint64Val: math.Float64bits(v)}
}
