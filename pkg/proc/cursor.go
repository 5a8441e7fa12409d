package proc

import (
	"errors"
	"fmt"

	"github.com/go-delve/unwresume/pkg/dwarf/op"
	"github.com/go-delve/unwresume/pkg/dwarf/regnum"
	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

// SigcontextFormat describes how the frame a cursor points at was entered.
type SigcontextFormat uint8

const (
	// SCFNone is an ordinary call frame.
	SCFNone SigcontextFormat = iota
	// SCFLinuxSigframe is a frame entered through legacy signal delivery,
	// the saved state is reachable from a struct sigcontext.
	SCFLinuxSigframe
	// SCFLinuxRTSigframe is a frame entered through rt signal delivery,
	// the saved state is the uc_mcontext of a struct ucontext.
	SCFLinuxRTSigframe
)

func (f SigcontextFormat) String() string {
	switch f {
	case SCFNone:
		return "none"
	case SCFLinuxSigframe:
		return "sigframe"
	case SCFLinuxRTSigframe:
		return "rt_sigframe"
	default:
		return fmt.Sprintf("SigcontextFormat(%d)", uint8(f))
	}
}

// Valid returns true if f is one of the recognized formats.
func (f SigcontextFormat) Valid() bool {
	return f <= SCFLinuxRTSigframe
}

// ParseSigcontextFormat is the inverse of SigcontextFormat.String.
func ParseSigcontextFormat(s string) (SigcontextFormat, error) {
	switch s {
	case "", "none":
		return SCFNone, nil
	case "sigframe":
		return SCFLinuxSigframe, nil
	case "rt_sigframe", "rt-sigframe":
		return SCFLinuxRTSigframe, nil
	}
	return 0, fmt.Errorf("%w: unknown signal context format %q", ErrInvalidArgument, s)
}

// Cursor is the state of one unwound frame, as produced by a CFI
// interpreter. A cursor is owned by a single goroutine.
type Cursor struct {
	// AS is the address space the frame belongs to. It must outlive the
	// cursor.
	AS AddressSpace

	// Regs holds r0-r15 and f0-f15, registers that could not be recovered
	// for this frame are nil.
	Regs *op.DwarfRegisters

	IP      uint64 // instruction pointer, also the PSW address
	SP      uint64
	PSWMask uint64 // program status flags, zero keeps the target's mask

	// ArgsSize is the number of bytes of outgoing arguments the callee's
	// frame consumed, they are given back to the stack pointer on resume.
	ArgsSize uint64

	SigcontextFormat SigcontextFormat
	// SigcontextAddr is the address of the kernel record, struct sigcontext
	// for SCFLinuxSigframe and struct ucontext for SCFLinuxRTSigframe.
	SigcontextAddr uint64
	// SigcontextSP and SigcontextPC are the stack pointer and signal
	// trampoline address of the signal frame, resuming a signal frame
	// branches there.
	SigcontextSP uint64
	SigcontextPC uint64

	consumed bool
}

// NewCursor returns a cursor for a frame of as with register file regs.
// IP and SP are initialized from regs.
func NewCursor(as AddressSpace, regs *op.DwarfRegisters) *Cursor {
	if regs == nil {
		regs = NewS390XRegisters()
	}
	return &Cursor{
		AS:   as,
		Regs: regs,
		IP:   regs.PC(),
		SP:   regs.SP(),
	}
}

// NewS390XRegisters returns an empty s390x register file.
func NewS390XRegisters() *op.DwarfRegisters {
	return op.NewDwarfRegisters(make([]*op.DwarfRegister, regnum.S390XMaxRegNum()+1), regnum.S390X_IP, regnum.S390X_SP)
}

// CaptureCursor returns a cursor for the frame whose machine state is sr,
// every register available. It is the innermost frame of a stopped thread.
func CaptureCursor(as AddressSpace, sr *linutil.S390XSigregs) *Cursor {
	regs := NewS390XRegisters()
	for num := uint64(0); num <= regnum.S390X_LAST_REG; num++ {
		if regnum.S390XIsFPReg(num) {
			v, _ := sr.FPReg(num)
			regs.AddReg(num, op.DwarfRegisterFromFloat64(v))
		} else {
			v, _ := sr.Reg(num)
			regs.AddReg(num, op.DwarfRegisterFromUint64(v))
		}
	}
	regs.AddReg(regnum.S390X_IP, op.DwarfRegisterFromUint64(sr.Regs.PSW.Addr))
	c := NewCursor(as, regs)
	c.PSWMask = sr.Regs.PSW.Mask
	return c
}

var errRegisterUnavailable = errors.New("register not available")

// ReadReg returns the value of general register num in the frame.
func (c *Cursor) ReadReg(num uint64) (uint64, error) {
	if regnum.S390XIsFPReg(num) {
		return 0, fmt.Errorf("%s is a floating point register", regnum.S390XToName(num))
	}
	if num == regnum.S390X_IP {
		return c.IP, nil
	}
	reg := c.Regs.Reg(num)
	if reg == nil {
		return 0, errRegisterUnavailable
	}
	return reg.Uint64Val, nil
}

// ReadFPReg returns the value of floating point register num in the frame.
func (c *Cursor) ReadFPReg(num uint64) (float64, error) {
	if !regnum.S390XIsFPReg(num) {
		return 0, fmt.Errorf("%s is not a floating point register", regnum.S390XToName(num))
	}
	if c.Regs.Reg(num) == nil {
		return 0, errRegisterUnavailable
	}
	return c.Regs.Float64Val(num), nil
}

// Validate checks the invariants Resume relies on.
func (c *Cursor) Validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil cursor", ErrInvalidArgument)
	case !c.SigcontextFormat.Valid():
		return fmt.Errorf("%w: unknown signal context format %d", ErrInvalidArgument, uint8(c.SigcontextFormat))
	case c.AS == nil:
		return ErrNoAddressSpace
	case c.Regs == nil:
		return ErrNoRegisters
	case c.consumed:
		return ErrCursorConsumed
	}
	return nil
}
