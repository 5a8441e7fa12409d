// Package gdbserial implements an address space for a thread of a remote
// s390x target, using a connection to a debugger stub that understands
// Gdb Remote Serial Protocol (gdbserver, qemu's gdbstub).
//
// The register numbering used is the one of gdb's s390x-linux64 target
// description: pswm, pswa, r0-r15, acr0-acr15, fpc, f0-f15.
// Register writes are staged locally and sent to the stub with 'P'
// packets when control is transferred. Memory is read a page at a time
// and cached until the next write or resume.
package gdbserial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"runtime"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/unwresume/pkg/logflags"
	"github.com/go-delve/unwresume/pkg/proc"
	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

const (
	gdbWireMaxLen = 120

	maxTransmitAttempts    = 3    // number of retransmission attempts on failed checksum
	initialInputBufferSize = 2048 // size of the input buffer for gdbConn
	memoryWriteHeaderSize  = 40   // "$M<addr>,<len>:" and the trailing "#xx"

	defaultCachePages = 64
	cachePageSize     = 0x100
)

// gdb register numbers of the s390x-linux64 target.
const (
	gdbPSWM = 0
	gdbPSWA = 1
	gdbR0   = 2
	gdbACR0 = 18
	gdbFPC  = 34
	gdbF0   = 35
)

// ErrDetached is returned when using a thread after Detach.
var ErrDetached = errors.New("detached from the stub")

// Options configures a connection to a stub.
type Options struct {
	// MaxTransmitAttempts is the number of retransmissions on bad checksums.
	MaxTransmitAttempts int
	// MemoryCachePages is the number of memory pages kept in the cache, zero
	// for the default. A negative value disables the cache.
	MemoryCachePages int
	// ThreadID selects the thread to operate on, empty for the stub's
	// current thread.
	ThreadID string
}

// Thread is the thread of a remote target. It implements proc.Thread.
type Thread struct {
	mu   sync.Mutex
	conn gdbConn

	threadID string
	staged   *linutil.S390XUContext
	acrs     bool // the stub reports access registers

	cache *lru.Cache
}

var _ proc.Thread = (*Thread)(nil)

// Dial connects to the stub listening on addr.
func Dial(addr string, opts Options) (*Thread, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	t, err := New(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// New performs the protocol handshake on conn and returns the thread the
// stub is stopped at.
func New(conn net.Conn, opts Options) (*Thread, error) {
	t := &Thread{
		conn: gdbConn{
			conn:                conn,
			maxTransmitAttempts: opts.MaxTransmitAttempts,
			inbuf:               make([]byte, 0, initialInputBufferSize),
			log:                 logflags.GdbWireLogger(),
		},
		threadID: opts.ThreadID,
	}
	if t.conn.maxTransmitAttempts <= 0 {
		t.conn.maxTransmitAttempts = maxTransmitAttempts
	}
	if opts.MemoryCachePages >= 0 {
		size := opts.MemoryCachePages
		if size == 0 {
			size = defaultCachePages
		}
		var err error
		t.cache, err = lru.New(size)
		if err != nil {
			return nil, err
		}
	}
	if err := t.conn.handshake(); err != nil {
		return nil, err
	}
	return t, nil
}

// Detach detaches from the stub and closes the connection.
func (t *Thread) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = nil
	return t.conn.detach()
}

func (t *Thread) readReg64(num int) (uint64, error) {
	var buf [8]byte
	if err := t.conn.readRegister(t.threadID, num, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (t *Thread) writeReg64(num int, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return t.conn.writeRegister(t.threadID, num, buf[:])
}

// loadLocked reads the registers of the thread from the stub.
func (t *Thread) loadLocked() (*linutil.S390XUContext, error) {
	if t.conn.conn == nil {
		return nil, ErrDetached
	}
	uc := &linutil.S390XUContext{}
	sr := &uc.Mcontext
	var err error
	if sr.Regs.PSW.Mask, err = t.readReg64(gdbPSWM); err != nil {
		return nil, err
	}
	if sr.Regs.PSW.Addr, err = t.readReg64(gdbPSWA); err != nil {
		return nil, err
	}
	for i := range sr.Regs.Gprs {
		if sr.Regs.Gprs[i], err = t.readReg64(gdbR0 + i); err != nil {
			return nil, err
		}
	}
	for i := range sr.FPRegs.Fprs {
		v, err := t.readReg64(gdbF0 + i)
		if err != nil {
			return nil, err
		}
		sr.FPRegs.Fprs[i] = math.Float64frombits(v)
	}

	var buf [4]byte
	t.acrs = true
	for i := range sr.Regs.Acrs {
		if err := t.conn.readRegister(t.threadID, gdbACR0+i, buf[:]); err != nil {
			t.acrs = false
			break
		}
		sr.Regs.Acrs[i] = binary.BigEndian.Uint32(buf[:])
	}
	if err := t.conn.readRegister(t.threadID, gdbFPC, buf[:]); err == nil {
		sr.FPRegs.Fpc = binary.BigEndian.Uint32(buf[:])
	}
	return uc, nil
}

func (t *Thread) stagedLocked() (*linutil.S390XUContext, error) {
	if t.staged != nil {
		return t.staged, nil
	}
	uc, err := t.loadLocked()
	if err != nil {
		return nil, err
	}
	t.staged = uc
	return uc, nil
}

// AccessReg implements proc.AddressSpace.
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

// DiscardStaged implements proc.AddressSpace. The next access reloads the
// registers from the stub.
func (t *Thread) DiscardStaged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = nil
}

// storeLocked writes every register of sr that differs from live.
func (t *Thread) storeLocked(sr, live *linutil.S390XSigregs) error {
	if sr.Regs.PSW.Mask != live.Regs.PSW.Mask {
		if err := t.writeReg64(gdbPSWM, sr.Regs.PSW.Mask); err != nil {
			return err
		}
	}
	for i := range sr.Regs.Gprs {
		if sr.Regs.Gprs[i] == live.Regs.Gprs[i] {
			continue
		}
		if err := t.writeReg64(gdbR0+i, sr.Regs.Gprs[i]); err != nil {
			return err
		}
	}
	for i := range sr.FPRegs.Fprs {
		if math.Float64bits(sr.FPRegs.Fprs[i]) == math.Float64bits(live.FPRegs.Fprs[i]) {
			continue
		}
		if err := t.writeReg64(gdbF0+i, math.Float64bits(sr.FPRegs.Fprs[i])); err != nil {
			return err
		}
	}
	if t.acrs {
		var buf [4]byte
		for i := range sr.Regs.Acrs {
			if sr.Regs.Acrs[i] == live.Regs.Acrs[i] {
				continue
			}
			binary.BigEndian.PutUint32(buf[:], sr.Regs.Acrs[i])
			if err := t.conn.writeRegister(t.threadID, gdbACR0+i, buf[:]); err != nil {
				return err
			}
		}
	}
	// The PSW address goes last, a stub may reject other writes once the
	// thread is about to leave its stop.
	if sr.Regs.PSW.Addr != live.Regs.PSW.Addr {
		return t.writeReg64(gdbPSWA, sr.Regs.PSW.Addr)
	}
	return nil
}

// transferLocked loads sr in the thread and continues the target.
func (t *Thread) transferLocked(sr *linutil.S390XSigregs) error {
	live, err := t.loadLocked()
	if err != nil {
		return err
	}
	if err := t.storeLocked(sr, &live.Mcontext); err != nil {
		return err
	}
	if t.cache != nil {
		t.cache.Purge()
	}
	if err := t.conn.cont(t.threadID); err != nil {
		return err
	}
	t.staged = nil
	return nil
}

// SetContext implements proc.ContextTransfer.
func (t *Thread) SetContext(uc *linutil.S390XUContext) error {
	t.mu.Lock()
	if err := t.transferLocked(&uc.Mcontext); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	logflags.GdbWireLogger().Debugf("continued at pswa=%#x", uc.Mcontext.Regs.PSW.Addr)
	runtime.Goexit()
	return nil
}

// JumpTo implements proc.ContextTransfer.
func (t *Thread) JumpTo(sp, pc uint64) error {
	t.mu.Lock()
	live, err := t.loadLocked()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	sr := live.Mcontext
	sr.Regs.Gprs[15] = sp
	sr.Regs.PSW.Addr = pc
	if err := t.transferLocked(&sr); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	logflags.GdbWireLogger().Debugf("continued at %#x with r15=%#x", pc, sp)
	runtime.Goexit()
	return nil
}

func (t *Thread) readPageLocked(page uint64) ([]byte, error) {
	if v, ok := t.cache.Get(page); ok {
		return v.([]byte), nil
	}
	buf := make([]byte, cachePageSize)
	if err := t.conn.readMemory(buf, page); err != nil {
		return nil, err
	}
	t.cache.Add(page, buf)
	return buf, nil
}

// ReadMemory implements proc.MemoryReader.
func (t *Thread) ReadMemory(data []byte, addr uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn.conn == nil {
		return 0, ErrDetached
	}
	if t.cache == nil {
		if err := t.conn.readMemory(data, addr); err != nil {
			return 0, err
		}
		return len(data), nil
	}
	for n := 0; n < len(data); {
		a := addr + uint64(n)
		page, err := t.readPageLocked(a &^ (cachePageSize - 1))
		if err != nil {
			// the page may be partially mapped, retry without the cache
			if err := t.conn.readMemory(data[n:], a); err != nil {
				return n, err
			}
			return len(data), nil
		}
		n += copy(data[n:], page[a&(cachePageSize-1):])
	}
	return len(data), nil
}

// WriteMemory implements proc.MemoryReadWriter.
func (t *Thread) WriteMemory(addr uint64, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn.conn == nil {
		return 0, ErrDetached
	}
	if t.cache != nil {
		for p := addr &^ (cachePageSize - 1); p < addr+uint64(len(data)); p += cachePageSize {
			t.cache.Remove(p)
		}
	}
	n, err := t.conn.writeMemory(addr, data)
	if err != nil {
		return n, fmt.Errorf("writing %d bytes at %#x: %w", len(data), addr, err)
	}
	return n, nil
}
