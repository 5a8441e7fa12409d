package proc

import (
	"errors"
	"fmt"

	"github.com/go-delve/unwresume/pkg/dwarf/regnum"
)

var (
	// ErrInvalidArgument is returned when a cursor carries a signal context
	// format that is not one of the recognized formats.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnreachable is returned when a context transfer primitive returned
	// to its caller. Transfer primitives never return on success.
	ErrUnreachable = errors.New("unreachable: context transfer returned")

	// ErrNoAddressSpace is returned when a cursor has no address space to
	// establish its state into.
	ErrNoAddressSpace = errors.New("cursor has no address space")

	// ErrNoRegisters is returned when a cursor has no register file.
	ErrNoRegisters = errors.New("cursor has no registers")

	// ErrCursorConsumed is returned by Resume when the cursor was already
	// handed to a previous Resume call.
	ErrCursorConsumed = errors.New("cursor already resumed")
)

// RegisterError is returned by a strict establishment when a register could
// not be read from the cursor or written to the address space.
type RegisterError struct {
	Regnum uint64
	Write  bool
	Err    error
}

func (err *RegisterError) Error() string {
	op := "read"
	if err.Write {
		op = "write"
	}
	return fmt.Sprintf("could not %s register %s: %v", op, regnum.S390XToName(err.Regnum), err.Err)
}

func (err *RegisterError) Unwrap() error {
	return err.Err
}

// TransferError is returned when the context transfer primitive, or the
// preparation of the signal record that precedes it, failed. No transfer
// happened.
type TransferError struct {
	Format SigcontextFormat
	Err    error
}

func (err *TransferError) Error() string {
	return fmt.Sprintf("resume via %s failed: %v", err.Format, err.Err)
}

func (err *TransferError) Unwrap() error {
	return err.Err
}
