//go:build linux && s390x

package native

import (
	"debug/elf"
	"fmt"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/unwresume/pkg/logflags"
	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

const (
	prstatusSize = 216 // struct s390_regs, with orig_gpr2
	fpregsetSize = 136 // s390_fp_regs
)

// Attach attaches to the thread tid and waits for it to stop.
func Attach(tid int) (*Thread, error) {
	t := newThread(tid)
	var err error
	t.execPtraceFunc(func() { err = ptraceAttach(tid) })
	if err != nil {
		t.postExit()
		return nil, fmt.Errorf("could not attach to %d: %w", tid, err)
	}
	t.execPtraceFunc(func() { err = waitStopped(tid) })
	if err != nil {
		t.postExit()
		return nil, fmt.Errorf("waiting for %d to stop: %w", tid, err)
	}
	logflags.NativeLogger().Debugf("attached to %d", tid)
	return t, nil
}

// Detach detaches from the thread, discarding staged writes.
func (t *Thread) Detach() error {
	if t.detached {
		return nil
	}
	var err error
	t.execPtraceFunc(func() { err = ptraceDetach(t.pid, 0) })
	t.postExit()
	return err
}

func (t *Thread) loadRegisters() (*linutil.S390XUContext, uint64, error) {
	if t.detached {
		return nil, 0, syscall.ESRCH
	}
	gbuf := make([]byte, prstatusSize)
	fbuf := make([]byte, fpregsetSize)
	var err error
	t.execPtraceFunc(func() {
		var n int
		n, err = ptraceGetRegset(t.pid, elf.NT_PRSTATUS, gbuf)
		if err == nil && n != prstatusSize {
			err = fmt.Errorf("short NT_PRSTATUS regset: %d bytes", n)
		}
		if err != nil {
			return
		}
		n, err = ptraceGetRegset(t.pid, elf.NT_FPREGSET, fbuf)
		if err == nil && n != fpregsetSize {
			err = fmt.Errorf("short NT_FPREGSET regset: %d bytes", n)
		}
	})
	if err != nil {
		return nil, 0, err
	}
	var pr linutil.S390XPtraceRegs
	if err := linutil.DecodeS390X(gbuf, &pr); err != nil {
		return nil, 0, err
	}
	uc := &linutil.S390XUContext{}
	uc.Mcontext.SetPtraceRegs(&pr)
	if err := linutil.DecodeS390X(fbuf, &uc.Mcontext.FPRegs); err != nil {
		return nil, 0, err
	}
	return uc, pr.OrigGpr2, nil
}

func (t *Thread) storeRegisters(sr *linutil.S390XSigregs) error {
	gbuf, err := linutil.EncodeS390X(sr.PtraceRegs(t.origGpr2))
	if err != nil {
		return err
	}
	fbuf, err := linutil.EncodeS390X(&sr.FPRegs)
	if err != nil {
		return err
	}
	t.execPtraceFunc(func() {
		err = ptraceSetRegset(t.pid, elf.NT_PRSTATUS, gbuf)
		if err == nil {
			err = ptraceSetRegset(t.pid, elf.NT_FPREGSET, fbuf)
		}
	})
	return err
}

func (t *Thread) cont() error {
	var err error
	t.execPtraceFunc(func() { err = ptraceCont(t.pid, 0) })
	return err
}

// SetContext implements proc.ContextTransfer: the registers of uc are
// loaded in the tracee, which is then continued.
func (t *Thread) SetContext(uc *linutil.S390XUContext) error {
	t.mu.Lock()
	if err := t.transferLocked(&uc.Mcontext); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	logflags.NativeLogger().Debugf("%d continued at pswa=%#x", t.pid, uc.Mcontext.Regs.PSW.Addr)
	handOff()
	return nil
}

// transferLocked stores sr in the tracee and continues it.
func (t *Thread) transferLocked(sr *linutil.S390XSigregs) error {
	if _, err := t.stagedLocked(); err != nil {
		return err
	}
	if err := t.storeRegisters(sr); err != nil {
		return err
	}
	if err := t.cont(); err != nil {
		return err
	}
	t.staged = nil
	return nil
}

// JumpTo implements proc.ContextTransfer: only r15 and the PSW address of
// the live registers change.
func (t *Thread) JumpTo(sp, pc uint64) error {
	t.mu.Lock()
	live, origGpr2, err := t.loadRegisters()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.staged, t.origGpr2 = live, origGpr2
	live.Mcontext.Regs.Gprs[15] = sp
	live.Mcontext.Regs.PSW.Addr = pc
	if err := t.transferLocked(&live.Mcontext); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	logflags.NativeLogger().Debugf("%d continued at %#x with r15=%#x", t.pid, pc, sp)
	handOff()
	return nil
}

// ReadMemory implements proc.MemoryReader.
func (t *Thread) ReadMemory(buf []byte, addr uint64) (int, error) {
	if t.detached {
		return 0, syscall.ESRCH
	}
	if len(buf) == 0 {
		return 0, nil
	}
	var n int
	var err error
	t.execPtraceFunc(func() { n, err = sys.PtracePeekData(t.pid, uintptr(addr), buf) })
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return n, err
}

// WriteMemory implements proc.MemoryReadWriter.
func (t *Thread) WriteMemory(addr uint64, data []byte) (int, error) {
	if t.detached {
		return 0, syscall.ESRCH
	}
	if len(data) == 0 {
		return 0, nil
	}
	var n int
	var err error
	t.execPtraceFunc(func() { n, err = sys.PtracePokeData(t.pid, uintptr(addr), data) })
	return n, err
}
