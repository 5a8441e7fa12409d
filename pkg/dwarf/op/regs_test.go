package op

import (
	"math"
	"testing"
)

func TestDwarfRegistersAvailability(t *testing.T) {
	regs := NewDwarfRegisters(nil, 32, 15)
	if regs.Reg(3) != nil {
		t.Fatalf("empty register file reports register 3")
	}
	regs.AddReg(15, DwarfRegisterFromUint64(0x7fff0000))
	if regs.SP() != 0x7fff0000 {
		t.Fatalf("SP = %#x", regs.SP())
	}
	if regs.Reg(14) != nil {
		t.Fatalf("register 14 should not be available")
	}
	if regs.Reg(40) != nil {
		t.Fatalf("register past the end of the file reported available")
	}
	regs.AddReg(32, DwarfRegisterFromUint64(0x1000))
	if regs.PC() != 0x1000 {
		t.Fatalf("PC = %#x", regs.PC())
	}
	regs.DelReg(15)
	if regs.Reg(15) != nil {
		t.Fatalf("register 15 still available after DelReg")
	}
	if regs.SP() != 0 {
		t.Fatalf("SP of a deleted register = %#x", regs.SP())
	}
}

func TestDwarfRegisterFloatBits(t *testing.T) {
	nan := math.Float64frombits(0x7ff4000000000001)
	regs := NewDwarfRegisters(nil, 32, 15)
	regs.AddReg(16, DwarfRegisterFromFloat64(nan))
	if got := math.Float64bits(regs.Float64Val(16)); got != 0x7ff4000000000001 {
		t.Fatalf("signalling NaN bits not preserved: %#x", got)
	}
	if regs.Float64Val(17) != 0 {
		t.Fatalf("unavailable register reads as %v", regs.Float64Val(17))
	}
}
