package proc

import (
	"fmt"

	"github.com/go-delve/unwresume/pkg/dwarf/regnum"
	"github.com/go-delve/unwresume/pkg/logflags"
)

// Strictness controls which per-register failures abort the establishment
// of a cursor's state.
type Strictness uint8

const (
	// BestEffort skips every register that can not be read or written.
	BestEffort Strictness = iota
	// StrictGeneral requires every available general register to be
	// established, floating point failures are skipped.
	StrictGeneral
	// StrictAll requires every available register to be established.
	StrictAll
)

func (s Strictness) String() string {
	switch s {
	case BestEffort:
		return "best-effort"
	case StrictGeneral:
		return "general"
	case StrictAll:
		return "all"
	default:
		return fmt.Sprintf("Strictness(%d)", uint8(s))
	}
}

// ParseStrictness is the inverse of Strictness.String.
func ParseStrictness(s string) (Strictness, error) {
	switch s {
	case "", "best-effort":
		return BestEffort, nil
	case "general":
		return StrictGeneral, nil
	case "all":
		return StrictAll, nil
	}
	return 0, fmt.Errorf("unknown strictness %q (want best-effort, general or all)", s)
}

func (s Strictness) required(num uint64) bool {
	switch s {
	case StrictAll:
		return true
	case StrictGeneral:
		return !regnum.S390XIsFPReg(num)
	}
	return false
}

// regValue is a register value read out of a cursor.
type regValue struct {
	num uint64
	val uint64
	fp  float64
}

// EstablishMachineState copies the registers of c into its address space,
// r0 to the last register, skipping registers that are not available. The
// stack pointer gets c.ArgsSize added to it before being written.
//
// With BestEffort strictness per-register failures are ignored and the only
// errors are the ones that prevent establishment from starting at all.
func EstablishMachineState(c *Cursor, strictness Strictness) error {
	if c == nil {
		return fmt.Errorf("%w: nil cursor", ErrInvalidArgument)
	}
	if c.AS == nil {
		return ErrNoAddressSpace
	}
	if c.Regs == nil {
		return ErrNoRegisters
	}
	logger := logflags.ResumeLogger()
	if logflags.Resume() {
		logger.Debugf("copying out cursor state (strictness %s)", strictness)
	}

	// Everything is read before anything is written so that a strict read
	// failure leaves the address space untouched.
	vals := make([]regValue, 0, regnum.S390X_LAST_REG+1)
	for num := uint64(0); num <= regnum.S390X_LAST_REG; num++ {
		rv := regValue{num: num}
		var err error
		if regnum.S390XIsFPReg(num) {
			rv.fp, err = c.ReadFPReg(num)
		} else {
			rv.val, err = c.ReadReg(num)
		}
		if err != nil {
			if strictness.required(num) {
				return &RegisterError{Regnum: num, Err: err}
			}
			continue
		}
		if num == regnum.S390X_SP {
			rv.val += c.ArgsSize
		}
		vals = append(vals, rv)
	}

	for i := range vals {
		rv := &vals[i]
		var err error
		if regnum.S390XIsFPReg(rv.num) {
			if logflags.Resume() {
				logger.Debugf("copying %s %d = %v", regnum.S390XToName(rv.num), rv.num, rv.fp)
			}
			err = c.AS.AccessFPReg(rv.num, &rv.fp, true)
		} else {
			if logflags.Resume() {
				logger.Debugf("copying %s %d = %#x", regnum.S390XToName(rv.num), rv.num, rv.val)
			}
			err = c.AS.AccessReg(rv.num, &rv.val, true)
		}
		if err != nil {
			if strictness.required(rv.num) {
				return &RegisterError{Regnum: rv.num, Write: true, Err: err}
			}
			if logflags.Resume() {
				logger.Debugf("skipping %s: %v", regnum.S390XToName(rv.num), err)
			}
		}
	}
	return nil
}
