package proc

import (
	"fmt"

	"github.com/go-delve/unwresume/pkg/logflags"
	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

// sigRecord is the resume path of one signal context format. Each variant
// carries only what its format needs.
type sigRecord interface {
	resume(t Thread, c *Cursor, uc *linutil.S390XUContext) error
}

// noSigRecord resumes an ordinary call frame with setcontext.
type noSigRecord struct{}

// legacySigRecord resumes a frame of a legacy signal handler, addr is the
// address of the struct sigcontext.
type legacySigRecord struct {
	addr uint64
}

// rtSigRecord resumes a frame of an rt signal handler, addr is the address
// of the struct ucontext.
type rtSigRecord struct {
	addr uint64
}

func sigRecordFor(c *Cursor) (sigRecord, error) {
	switch c.SigcontextFormat {
	case SCFNone:
		return noSigRecord{}, nil
	case SCFLinuxSigframe:
		return legacySigRecord{addr: c.SigcontextAddr}, nil
	case SCFLinuxRTSigframe:
		return rtSigRecord{addr: c.SigcontextAddr}, nil
	}
	return nil, fmt.Errorf("%w: unknown signal context format %d", ErrInvalidArgument, uint8(c.SigcontextFormat))
}

func (noSigRecord) resume(t Thread, c *Cursor, uc *linutil.S390XUContext) error {
	if c.PSWMask != 0 {
		uc.Mcontext.Regs.PSW.Mask = c.PSWMask
	}
	if logflags.Resume() {
		logflags.ResumeLogger().Debugf("resuming at ip=%#x via setcontext", c.IP)
	}
	return t.SetContext(uc)
}

func (r legacySigRecord) resume(t Thread, c *Cursor, uc *linutil.S390XUContext) error {
	if logflags.Resume() {
		logflags.ResumeLogger().Debugf("resuming at ip=%#x via signal trampoline", c.IP)
	}
	var sc linutil.S390XSigcontext
	if err := readRecord(t, r.addr, &sc, linutil.S390XSigcontextSize); err != nil {
		return fmt.Errorf("reading sigcontext at %#x: %w", r.addr, err)
	}
	var sr linutil.S390XSigregs
	if err := readRecord(t, sc.Sregs, &sr, linutil.S390XSigregsSize); err != nil {
		return fmt.Errorf("reading sigregs at %#x: %w", sc.Sregs, err)
	}
	patchSigregs(&sr, uc)
	if err := writeRecord(t, sc.Sregs, &sr); err != nil {
		return fmt.Errorf("writing sigregs at %#x: %w", sc.Sregs, err)
	}
	return t.JumpTo(c.SigcontextSP, c.SigcontextPC)
}

func (r rtSigRecord) resume(t Thread, c *Cursor, uc *linutil.S390XUContext) error {
	if logflags.Resume() {
		logflags.ResumeLogger().Debugf("resuming at ip=%#x via rt signal trampoline", c.IP)
	}
	addr := r.addr + linutil.S390XUContextMcontextOffset
	var sr linutil.S390XSigregs
	if err := readRecord(t, addr, &sr, linutil.S390XSigregsSize); err != nil {
		return fmt.Errorf("reading uc_mcontext at %#x: %w", addr, err)
	}
	patchSigregs(&sr, uc)
	if err := writeRecord(t, addr, &sr); err != nil {
		return fmt.Errorf("writing uc_mcontext at %#x: %w", addr, err)
	}
	return t.JumpTo(c.SigcontextSP, c.SigcontextPC)
}

// patchSigregs overwrites the saved general registers, floating point
// registers and PSW address of a kernel record with the staged state. The
// PSW mask, access registers and fpc are left as the kernel saved them.
func patchSigregs(sr *linutil.S390XSigregs, uc *linutil.S390XUContext) {
	sr.Regs.Gprs = uc.Mcontext.Regs.Gprs
	sr.FPRegs.Fprs = uc.Mcontext.FPRegs.Fprs
	sr.Regs.PSW.Addr = uc.Mcontext.Regs.PSW.Addr
}

// LocalResume patches the signal record of c, if any, and transfers control
// of t to the frame. Address spaces that own their thread implement their
// Resume method with it.
//
// LocalResume only returns on failure. If the transfer primitive returns
// without an error the result is ErrUnreachable.
func LocalResume(t Thread, c *Cursor) error {
	rec, err := sigRecordFor(c)
	if err != nil {
		return err
	}
	uc, err := t.StagedContext()
	if err != nil {
		return &TransferError{Format: c.SigcontextFormat, Err: err}
	}
	uc.Mcontext.Regs.PSW.Addr = c.IP

	err = rec.resume(t, c, uc)
	if err != nil {
		return &TransferError{Format: c.SigcontextFormat, Err: err}
	}
	logflags.ResumeLogger().Errorf("context transfer via %s returned to its caller (ip=%#x)", c.SigcontextFormat, c.IP)
	return fmt.Errorf("%w (%s)", ErrUnreachable, c.SigcontextFormat)
}
