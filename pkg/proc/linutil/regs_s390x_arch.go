package linutil

import (
	"fmt"
	"math"

	"github.com/go-delve/unwresume/pkg/dwarf/regnum"
)

// S390XPSW is psw_t, the program status word: the processor flags in Mask
// and the instruction address in Addr.
type S390XPSW struct {
	Mask uint64
	Addr uint64
}

// S390XRegsCommon is _s390_regs_common from
// arch/s390/include/uapi/asm/sigcontext.h.
type S390XRegsCommon struct {
	PSW  S390XPSW
	Gprs [16]uint64
	Acrs [16]uint32
}

// S390XFPRegs is _s390_fp_regs. It is also the layout of the NT_FPREGSET
// regset returned by ptrace.
type S390XFPRegs struct {
	Fpc  uint32
	_    uint32
	Fprs [16]float64
}

// S390XSigregs is _sigregs, the machine state saved by the kernel on
// signal delivery and the uc_mcontext of an rt signal frame.
type S390XSigregs struct {
	Regs   S390XRegsCommon
	FPRegs S390XFPRegs
}

// S390XPtraceRegs is the struct used by the linux kernel to return the
// general purpose registers (NT_PRSTATUS regset) for s390x CPUs.
type S390XPtraceRegs struct {
	PSW      S390XPSW
	Gprs     [16]uint64
	Acrs     [16]uint32
	OrigGpr2 uint64
}

// Reg returns the value of DWARF register num. Floating point registers are
// returned as their bit pattern.
func (sr *S390XSigregs) Reg(num uint64) (uint64, error) {
	switch {
	case num <= regnum.S390X_R15:
		return sr.Regs.Gprs[num-regnum.S390X_R0], nil
	case regnum.S390XIsFPReg(num):
		return math.Float64bits(sr.FPRegs.Fprs[regnum.S390XFPRNumber(num)]), nil
	case num == regnum.S390X_IP:
		return sr.Regs.PSW.Addr, nil
	}
	return 0, fmt.Errorf("unknown register %d", num)
}

// SetReg changes the value of the specified general purpose register (or
// the PSW address).
func (sr *S390XSigregs) SetReg(num, val uint64) error {
	switch {
	case num <= regnum.S390X_R15:
		sr.Regs.Gprs[num-regnum.S390X_R0] = val
	case num == regnum.S390X_IP:
		sr.Regs.PSW.Addr = val
	default:
		return fmt.Errorf("changing register %s not implemented", regnum.S390XToName(num))
	}
	return nil
}

// FPReg returns the value of floating point DWARF register num.
func (sr *S390XSigregs) FPReg(num uint64) (float64, error) {
	if !regnum.S390XIsFPReg(num) {
		return 0, fmt.Errorf("%s is not a floating point register", regnum.S390XToName(num))
	}
	return sr.FPRegs.Fprs[regnum.S390XFPRNumber(num)], nil
}

// SetFPReg changes the value of floating point DWARF register num.
func (sr *S390XSigregs) SetFPReg(num uint64, val float64) error {
	if !regnum.S390XIsFPReg(num) {
		return fmt.Errorf("%s is not a floating point register", regnum.S390XToName(num))
	}
	sr.FPRegs.Fprs[regnum.S390XFPRNumber(num)] = val
	return nil
}

// PtraceRegs converts the general part of sr to the NT_PRSTATUS layout.
// OrigGpr2 is not part of a signal context and is taken from orig.
func (sr *S390XSigregs) PtraceRegs(origGpr2 uint64) *S390XPtraceRegs {
	return &S390XPtraceRegs{
		PSW:      sr.Regs.PSW,
		Gprs:     sr.Regs.Gprs,
		Acrs:     sr.Regs.Acrs,
		OrigGpr2: origGpr2,
	}
}

// SetPtraceRegs loads the general part of sr from a NT_PRSTATUS regset.
func (sr *S390XSigregs) SetPtraceRegs(regs *S390XPtraceRegs) {
	sr.Regs.PSW = regs.PSW
	sr.Regs.Gprs = regs.Gprs
	sr.Regs.Acrs = regs.Acrs
}

// Slice returns the registers as a list of (name, value) pairs, in the
// order a register dump shows them.
func (sr *S390XSigregs) Slice(floatingPoint bool) []Register {
	out := make([]Register, 0, 2+16+16)
	out = append(out, Register{"pswm", sr.Regs.PSW.Mask}, Register{"pswa", sr.Regs.PSW.Addr})
	for i, v := range sr.Regs.Gprs {
		out = append(out, Register{fmt.Sprintf("r%d", i), v})
	}
	if floatingPoint {
		for i, v := range sr.FPRegs.Fprs {
			out = append(out, Register{fmt.Sprintf("f%d", i), math.Float64bits(v)})
		}
	}
	return out
}

// Register is a named register value.
type Register struct {
	Name  string
	Value uint64
}
