// Package native implements an address space for a thread of a process
// traced with ptrace(2) on this machine. The thread's memory holds the
// kernel's signal frames, so resuming goes through proc.LocalResume.
package native

import (
	"runtime"
	"sync"

	"github.com/go-delve/unwresume/pkg/proc"
	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

// Thread is a stopped thread of a traced process.
type Thread struct {
	pid int // thread id of the tracee

	mu       sync.Mutex
	staged   *linutil.S390XUContext
	origGpr2 uint64

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	detached       bool
}

var _ proc.AddressSpace = (*Thread)(nil)

// newThread returns an initialized Thread struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newThread(pid int) *Thread {
	t := &Thread{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go t.handlePtraceFuncs()
	return t
}

func (t *Thread) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range t.ptraceChan {
		fn()
		t.ptraceDoneChan <- nil
	}
}

func (t *Thread) execPtraceFunc(fn func()) {
	t.ptraceChan <- fn
	<-t.ptraceDoneChan
}

func (t *Thread) postExit() {
	t.detached = true
	close(t.ptraceChan)
	close(t.ptraceDoneChan)
}

// stagedLocked returns the staged context, loading the live registers of
// the thread the first time.
func (t *Thread) stagedLocked() (*linutil.S390XUContext, error) {
	if t.staged != nil {
		return t.staged, nil
	}
	uc, origGpr2, err := t.loadRegisters()
	if err != nil {
		return nil, err
	}
	t.staged, t.origGpr2 = uc, origGpr2
	return t.staged, nil
}

// AccessReg implements proc.AddressSpace. Writes are staged until the
// thread is resumed.
func (t *Thread) AccessReg(num uint64, val *uint64, write bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	uc, err := t.stagedLocked()
	if err != nil {
		return err
	}
	if write {
		return uc.Mcontext.SetReg(num, *val)
	}
	*val, err = uc.Mcontext.Reg(num)
	return err
}

// AccessFPReg implements proc.AddressSpace.
func (t *Thread) AccessFPReg(num uint64, val *float64, write bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	uc, err := t.stagedLocked()
	if err != nil {
		return err
	}
	if write {
		return uc.Mcontext.SetFPReg(num, *val)
	}
	*val, err = uc.Mcontext.FPReg(num)
	return err
}

// StagedContext implements proc.Thread.
func (t *Thread) StagedContext() (*linutil.S390XUContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	uc, err := t.stagedLocked()
	if err != nil {
		return nil, err
	}
	return uc.Clone(), nil
}

// Resume implements proc.AddressSpace.
func (t *Thread) Resume(c *proc.Cursor) error {
	return proc.LocalResume(t, c)
}

// DiscardStaged implements proc.AddressSpace.
func (t *Thread) DiscardStaged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = nil
}

// handOff is called once the tracee runs with the new state: the calling
// goroutine no longer has a frame to return to.
func handOff() {
	runtime.Goexit()
}
