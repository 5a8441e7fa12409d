// Package emu implements an emulated s390x thread that can be the target of
// a resume. It keeps the machine state and a sparse memory in process, and
// emulates the kernel's sigreturn when control is transferred to a
// registered signal trampoline.
package emu

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/go-delve/unwresume/pkg/logflags"
	"github.com/go-delve/unwresume/pkg/proc"
	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

const pageSize = 0x1000

var (
	// ErrUnmapped is returned when accessing memory that was never mapped.
	ErrUnmapped = errors.New("memory not mapped")
	// ErrNotTrampoline is returned when a sigreturn is emulated at an
	// address that was not registered with AddTrampoline.
	ErrNotTrampoline = errors.New("not a signal trampoline")
)

// Landing describes a completed transfer of control.
type Landing struct {
	Via   string // "setcontext", "jump" or "sigreturn"
	State linutil.S390XSigregs
}

// Thread is an emulated s390x thread. It implements proc.Thread.
// All methods are safe for concurrent use.
type Thread struct {
	mu sync.Mutex

	live   linutil.S390XUContext
	staged *linutil.S390XUContext
	pages  map[uint64][]byte

	trampolines map[uint64]proc.SigcontextFormat

	regWrites int
	memWrites int
	transfers int

	// ReturnFromTransfer makes the transfer primitives return nil instead
	// of terminating the calling goroutine. It emulates a broken
	// primitive.
	ReturnFromTransfer bool

	landed chan Landing
}

var _ proc.Thread = (*Thread)(nil)

// New returns a thread with all registers zeroed and no memory mapped.
func New() *Thread {
	return &Thread{
		pages:       make(map[uint64][]byte),
		trampolines: make(map[uint64]proc.SigcontextFormat),
		landed:      make(chan Landing, 16),
	}
}

// Landed returns a channel receiving one Landing per completed transfer.
func (t *Thread) Landed() <-chan Landing {
	return t.landed
}

// Regs returns a copy of the live machine state.
func (t *Thread) Regs() linutil.S390XSigregs {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live.Mcontext
}

// SetRegs replaces the live machine state and drops staged writes.
func (t *Thread) SetRegs(sr linutil.S390XSigregs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live.Mcontext = sr
	t.staged = nil
}

// RegWrites returns the number of register writes made through AccessReg
// and AccessFPReg.
func (t *Thread) RegWrites() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regWrites
}

// MemWrites returns the number of WriteMemory calls that succeeded.
func (t *Thread) MemWrites() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memWrites
}

// Transfers returns the number of times a transfer primitive was invoked.
func (t *Thread) Transfers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transfers
}

// AddTrampoline registers pc as a signal trampoline: jumping there executes
// the sigreturn of format, restoring the state from the frame at r15.
func (t *Thread) AddTrampoline(pc uint64, format proc.SigcontextFormat) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trampolines[pc] = format
}

// Cursor captures the live state of the thread in a cursor for its
// innermost frame.
func (t *Thread) Cursor() *proc.Cursor {
	t.mu.Lock()
	sr := t.live.Mcontext
	t.mu.Unlock()
	return proc.CaptureCursor(t, &sr)
}

// stagedLocked returns the staged context, creating it from the live state.
func (t *Thread) stagedLocked() *linutil.S390XUContext {
	if t.staged == nil {
		t.staged = t.live.Clone()
	}
	return t.staged
}

// AccessReg implements proc.AddressSpace.
func (t *Thread) AccessReg(num uint64, val *uint64, write bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	uc := t.stagedLocked()
	if !write {
		v, err := uc.Mcontext.Reg(num)
		if err != nil {
			return err
		}
		*val = v
		return nil
	}
	if err := uc.Mcontext.SetReg(num, *val); err != nil {
		return err
	}
	t.regWrites++
	return nil
}

// AccessFPReg implements proc.AddressSpace.
func (t *Thread) AccessFPReg(num uint64, val *float64, write bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	uc := t.stagedLocked()
	if !write {
		v, err := uc.Mcontext.FPReg(num)
		if err != nil {
			return err
		}
		*val = v
		return nil
	}
	if err := uc.Mcontext.SetFPReg(num, *val); err != nil {
		return err
	}
	t.regWrites++
	return nil
}

// Resume implements proc.AddressSpace by resuming through the signal frame
// dispatcher.
func (t *Thread) Resume(c *proc.Cursor) error {
	return proc.LocalResume(t, c)
}

// StagedContext implements proc.Thread.
func (t *Thread) StagedContext() (*linutil.S390XUContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stagedLocked().Clone(), nil
}

// DiscardStaged implements proc.AddressSpace.
func (t *Thread) DiscardStaged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = nil
}

// SetContext implements proc.ContextTransfer.
func (t *Thread) SetContext(uc *linutil.S390XUContext) error {
	t.mu.Lock()
	t.transfers++
	t.live = *uc
	t.staged = nil
	l := Landing{Via: "setcontext", State: t.live.Mcontext}
	t.mu.Unlock()
	return t.land(l)
}

// JumpTo implements proc.ContextTransfer. The live state only changes if
// the transfer completes.
func (t *Thread) JumpTo(sp, pc uint64) error {
	t.mu.Lock()
	t.transfers++
	sr := t.live.Mcontext
	sr.Regs.Gprs[15] = sp
	sr.Regs.PSW.Addr = pc
	via := "jump"
	if _, ok := t.trampolines[pc]; ok {
		if err := t.sigreturnLocked(&sr); err != nil {
			t.mu.Unlock()
			return err
		}
		via = "sigreturn"
	}
	t.live.Mcontext = sr
	t.staged = nil
	l := Landing{Via: via, State: sr}
	t.mu.Unlock()
	return t.land(l)
}

// sigreturnLocked emulates the kernel's sigreturn and rt_sigreturn: the
// whole _sigregs record of the frame sr's r15 points to replaces sr.
func (t *Thread) sigreturnLocked(sr *linutil.S390XSigregs) error {
	sp := sr.Regs.Gprs[15]
	pc := sr.Regs.PSW.Addr
	var addr uint64
	switch t.trampolines[pc] {
	case proc.SCFLinuxSigframe:
		addr = sp + linutil.S390XSigframeSregsOffset
	case proc.SCFLinuxRTSigframe:
		addr = sp + linutil.S390XRTSigframeUContextOffset + linutil.S390XUContextMcontextOffset
	default:
		return fmt.Errorf("%w: %#x", ErrNotTrampoline, pc)
	}
	buf := make([]byte, linutil.S390XSigregsSize)
	if err := t.readLocked(buf, addr); err != nil {
		return err
	}
	var saved linutil.S390XSigregs
	if err := linutil.DecodeS390X(buf, &saved); err != nil {
		return err
	}
	*sr = saved
	return nil
}

// land reports l and hands the calling goroutine over to the target.
func (t *Thread) land(l Landing) error {
	if logflags.Emu() {
		logflags.EmuLogger().Debugf("landed via %s at pswa=%#x r15=%#x", l.Via, l.State.Regs.PSW.Addr, l.State.Regs.Gprs[15])
	}
	select {
	case t.landed <- l:
	default:
	}
	if t.ReturnFromTransfer {
		return nil
	}
	runtime.Goexit()
	panic("unreachable")
}

// Map maps size bytes of zeroed memory at addr, page aligned.
func (t *Thread) Map(addr, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := addr &^ (pageSize - 1); p < addr+size; p += pageSize {
		if _, ok := t.pages[p]; !ok {
			t.pages[p] = make([]byte, pageSize)
		}
	}
}

// Poke maps the memory at addr and copies data into it. It does not count
// as a write made by a resume.
func (t *Thread) Poke(addr uint64, data []byte) {
	t.Map(addr, uint64(len(data)))
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeLocked(addr, data)
}

// Mappings returns the start address of every mapped page, sorted.
func (t *Thread) Mappings() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := make([]uint64, 0, len(t.pages))
	for p := range t.pages {
		r = append(r, p)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

func (t *Thread) checkMappedLocked(addr uint64, size int) error {
	if size == 0 {
		return nil
	}
	if addr+uint64(size) < addr {
		return fmt.Errorf("%w: range %#x+%d wraps", ErrUnmapped, addr, size)
	}
	for p := addr &^ (pageSize - 1); p < addr+uint64(size); p += pageSize {
		if _, ok := t.pages[p]; !ok {
			return fmt.Errorf("%w: %#x", ErrUnmapped, p)
		}
	}
	return nil
}

func (t *Thread) readLocked(buf []byte, addr uint64) error {
	if err := t.checkMappedLocked(addr, len(buf)); err != nil {
		return err
	}
	for n := 0; n < len(buf); {
		a := addr + uint64(n)
		page := t.pages[a&^(pageSize-1)]
		n += copy(buf[n:], page[a&(pageSize-1):])
	}
	return nil
}

func (t *Thread) writeLocked(addr uint64, data []byte) {
	for n := 0; n < len(data); {
		a := addr + uint64(n)
		page := t.pages[a&^(pageSize-1)]
		n += copy(page[a&(pageSize-1):], data[n:])
	}
}

// ReadMemory implements proc.MemoryReader.
func (t *Thread) ReadMemory(buf []byte, addr uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.readLocked(buf, addr); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// WriteMemory implements proc.MemoryReadWriter.
func (t *Thread) WriteMemory(addr uint64, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkMappedLocked(addr, len(data)); err != nil {
		return 0, err
	}
	t.writeLocked(addr, data)
	t.memWrites++
	return len(data), nil
}
