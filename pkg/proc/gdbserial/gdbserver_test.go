package gdbserial

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-delve/unwresume/pkg/dwarf/regnum"
	"github.com/go-delve/unwresume/pkg/proc"
	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

// stubPacketSize is the PacketSize the fake stub advertises.
const stubPacketSize = 0x40

// fakeStub is a minimal gdbserver for an s390x thread.
type fakeStub struct {
	conn net.Conn
	rdr  *bufio.Reader

	noAckMode    bool // refuse QStartNoAckMode
	noVCont      bool
	badChecksums int // number of replies sent with a wrong checksum

	mu        sync.Mutex
	ack       bool
	regs      map[int][]byte
	mem       map[uint64]byte
	packets   []string
	lastReply []byte

	continued chan string
}

func newFakeStub(conn net.Conn) *fakeStub {
	s := &fakeStub{
		conn:      conn,
		rdr:       bufio.NewReader(conn),
		ack:       true,
		regs:      make(map[int][]byte),
		mem:       make(map[uint64]byte),
		continued: make(chan string, 1),
	}
	put64 := func(num int, v uint64) {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		s.regs[num] = buf
	}
	put64(gdbPSWM, 0x0705200180000000)
	put64(gdbPSWA, 0x80001000)
	for i := 0; i < 16; i++ {
		put64(gdbR0+i, 0x100+uint64(i))
		put64(gdbF0+i, math.Float64bits(float64(i)+0.5))
		s.regs[gdbACR0+i] = []byte{0, 0, 0, byte(i)}
	}
	s.regs[gdbFPC] = []byte{0, 0, 0, 0}
	return s
}

func (s *fakeStub) reg64(num int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return binary.BigEndian.Uint64(s.regs[num])
}

func (s *fakeStub) poke(addr uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range data {
		s.mem[addr+uint64(i)] = b
	}
}

func (s *fakeStub) peek(addr uint64, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := make([]byte, n)
	for i := range r {
		r[i] = s.mem[addr+uint64(i)]
	}
	return r
}

// count returns the number of packets received starting with prefix.
func (s *fakeStub) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.packets {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

func (s *fakeStub) send(reply string) {
	sum := checksum([]byte("$" + reply + "#"))
	if s.badChecksums > 0 {
		s.badChecksums--
		sum++
	}
	pkt := []byte(fmt.Sprintf("$%s#%02x", reply, sum))
	s.lastReply = []byte(reply)
	s.conn.Write(pkt)
}

func (s *fakeStub) serve() {
	for {
		b, err := s.rdr.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case '-':
			s.send(string(s.lastReply))
			continue
		case '$':
		default:
			continue
		}
		body, err := s.rdr.ReadBytes('#')
		if err != nil {
			return
		}
		var sum [2]byte
		if _, err := io.ReadFull(s.rdr, sum[:]); err != nil {
			return
		}
		if s.ack {
			s.conn.Write([]byte{'+'})
		}
		pkt := string(body[:len(body)-1])
		s.mu.Lock()
		s.packets = append(s.packets, pkt)
		s.mu.Unlock()

		reply, ok := s.handle(pkt)
		if !ok {
			continue
		}
		s.send(reply)
		if pkt == "QStartNoAckMode" && reply == "OK" {
			s.ack = false
		}
	}
}

func (s *fakeStub) handle(pkt string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case pkt == "QStartNoAckMode":
		if s.noAckMode {
			return "", true
		}
		return "OK", true
	case strings.HasPrefix(pkt, "qSupported"):
		return fmt.Sprintf("PacketSize=%x;swbreak+", stubPacketSize), true
	case pkt == "vCont?":
		if s.noVCont {
			return "", true
		}
		return "vCont;c;C;s;S", true
	case strings.HasPrefix(pkt, "vCont;c"), pkt == "c":
		s.continued <- pkt
		return "", false
	case strings.HasPrefix(pkt, "H"), pkt == "D":
		return "OK", true
	case strings.HasPrefix(pkt, "p"):
		num, _ := strconv.ParseUint(pkt[1:], 16, 32)
		v, ok := s.regs[int(num)]
		if !ok {
			return "", true
		}
		return hex.EncodeToString(v), true
	case strings.HasPrefix(pkt, "P"):
		fields := strings.SplitN(pkt[1:], "=", 2)
		num, _ := strconv.ParseUint(fields[0], 16, 32)
		v, _ := hex.DecodeString(fields[1])
		s.regs[int(num)] = v
		return "OK", true
	case strings.HasPrefix(pkt, "m"):
		var addr, n uint64
		fmt.Sscanf(pkt[1:], "%x,%x", &addr, &n)
		out := make([]byte, n)
		for i := range out {
			b, ok := s.mem[addr+uint64(i)]
			if !ok {
				return "E14", true
			}
			out[i] = b
		}
		return hex.EncodeToString(out), true
	case strings.HasPrefix(pkt, "M"):
		if len(pkt)+4 > stubPacketSize {
			return "E16", true
		}
		fields := strings.SplitN(pkt[1:], ":", 2)
		var addr, n uint64
		fmt.Sscanf(fields[0], "%x,%x", &addr, &n)
		data, _ := hex.DecodeString(fields[1])
		for i, b := range data {
			s.mem[addr+uint64(i)] = b
		}
		return "OK", true
	}
	return "", true
}

func connect(t *testing.T, setup func(*fakeStub), opts Options) (*Thread, *fakeStub) {
	t.Helper()
	client, server := net.Pipe()
	stub := newFakeStub(server)
	if setup != nil {
		setup(stub)
	}
	go stub.serve()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	th, err := New(client, opts)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return th, stub
}

func resumeOnGoroutine(c *proc.Cursor) (returned bool, err error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		err = proc.Resume(c)
		returned = true
	}()
	<-done
	return returned, err
}

func waitContinued(t *testing.T, stub *fakeStub) string {
	t.Helper()
	select {
	case pkt := <-stub.continued:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("target was not continued")
		return ""
	}
}

func TestChecksum(t *testing.T) {
	if sum := checksum([]byte("$OK#")); sum != 0x9a {
		t.Fatalf("checksum = %#x", sum)
	}
	if !checksumok([]byte("$OK#"), []byte("9a")) {
		t.Fatal("checksum not accepted")
	}
	if checksumok([]byte("$OK#"), []byte("9b")) {
		t.Fatal("wrong checksum accepted")
	}
}

func TestWiredecode(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"$OK#", "OK"},
		{"$0* #", "0000"},
		{"$a}]b#", "a}b"},
		{"$01:abc#", "abc"},
	}
	for _, tc := range tests {
		_, msg := wiredecode([]byte(tc.in), nil)
		if string(msg) != tc.out {
			t.Errorf("wiredecode(%q) = %q, want %q", tc.in, msg, tc.out)
		}
	}
}

func TestReadRegisters(t *testing.T) {
	th, _ := connect(t, nil, Options{})
	var v uint64
	if err := th.AccessReg(regnum.S390X_R3, &v, false); err != nil {
		t.Fatal(err)
	}
	if v != 0x103 {
		t.Fatalf("r3 = %#x", v)
	}
	if err := th.AccessReg(regnum.S390X_IP, &v, false); err != nil || v != 0x80001000 {
		t.Fatalf("ip = %#x, %v", v, err)
	}
	var f float64
	if err := th.AccessFPReg(regnum.S390X_F1, &f, false); err != nil {
		t.Fatal(err)
	}
	if f != 1.5 {
		t.Fatalf("f1 = %v", f)
	}
	uc, err := th.StagedContext()
	if err != nil {
		t.Fatal(err)
	}
	if uc.Mcontext.Regs.Acrs[7] != 7 {
		t.Fatalf("acr7 = %d", uc.Mcontext.Regs.Acrs[7])
	}
}

func TestRetransmitOnBadChecksum(t *testing.T) {
	th, stub := connect(t, func(s *fakeStub) { s.noAckMode = true }, Options{})
	stub.mu.Lock()
	stub.badChecksums = 2
	stub.mu.Unlock()
	var v uint64
	if err := th.AccessReg(regnum.S390X_R0, &v, false); err != nil {
		t.Fatal(err)
	}
	if v != 0x100 {
		t.Fatalf("r0 = %#x", v)
	}
}

func TestTooManyAttempts(t *testing.T) {
	th, stub := connect(t, func(s *fakeStub) { s.noAckMode = true }, Options{MaxTransmitAttempts: 1})
	stub.mu.Lock()
	stub.badChecksums = 100
	stub.mu.Unlock()
	var v uint64
	if err := th.AccessReg(regnum.S390X_R0, &v, false); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("got %v", err)
	}
}

func TestResumeWritesChangedRegisters(t *testing.T) {
	th, stub := connect(t, nil, Options{})
	uc, err := th.StagedContext()
	if err != nil {
		t.Fatal(err)
	}
	c := proc.CaptureCursor(th, &uc.Mcontext)
	c.Regs.Reg(regnum.S390X_R5).Uint64Val = 0x5555
	c.IP = 0x80002000

	returned, err := resumeOnGoroutine(c)
	if returned {
		t.Fatalf("Resume returned: %v", err)
	}
	if pkt := waitContinued(t, stub); pkt != "vCont;c" {
		t.Fatalf("continued with %q", pkt)
	}
	if stub.reg64(gdbR0+5) != 0x5555 {
		t.Fatalf("r5 = %#x", stub.reg64(gdbR0+5))
	}
	if stub.reg64(gdbPSWA) != 0x80002000 {
		t.Fatalf("pswa = %#x", stub.reg64(gdbPSWA))
	}
	if n := stub.count("P"); n != 2 {
		t.Fatalf("%d register writes, want 2", n)
	}
}

func TestResumeRTSigframe(t *testing.T) {
	const (
		frameSP    = 0x3ffffff0000
		trampoline = 0x3fffdf7e000
	)
	th, stub := connect(t, func(s *fakeStub) { s.noVCont = true }, Options{})
	ucAddr := uint64(frameSP + linutil.S390XRTSigframeUContextOffset)
	saved, err := linutil.EncodeS390X(&linutil.S390XUContext{})
	if err != nil {
		t.Fatal(err)
	}
	stub.poke(ucAddr, saved)

	uc, err := th.StagedContext()
	if err != nil {
		t.Fatal(err)
	}
	c := proc.CaptureCursor(th, &uc.Mcontext)
	c.IP = 0x80003000
	c.SigcontextFormat = proc.SCFLinuxRTSigframe
	c.SigcontextAddr = ucAddr
	c.SigcontextSP = frameSP
	c.SigcontextPC = trampoline

	returned, err := resumeOnGoroutine(c)
	if returned {
		t.Fatalf("Resume returned: %v", err)
	}
	if pkt := waitContinued(t, stub); pkt != "c" {
		t.Fatalf("continued with %q", pkt)
	}
	if stub.reg64(gdbR0+15) != frameSP || stub.reg64(gdbPSWA) != trampoline {
		t.Fatalf("r15 = %#x pswa = %#x", stub.reg64(gdbR0+15), stub.reg64(gdbPSWA))
	}

	var sr linutil.S390XSigregs
	rec := stub.peek(ucAddr+linutil.S390XUContextMcontextOffset, linutil.S390XSigregsSize)
	if err := linutil.DecodeS390X(rec, &sr); err != nil {
		t.Fatal(err)
	}
	if sr.Regs.PSW.Addr != 0x80003000 {
		t.Fatalf("saved psw address %#x", sr.Regs.PSW.Addr)
	}
	for i := 0; i < 16; i++ {
		if sr.Regs.Gprs[i] != 0x100+uint64(i) {
			t.Fatalf("saved r%d = %#x", i, sr.Regs.Gprs[i])
		}
		if sr.FPRegs.Fprs[i] != float64(i)+0.5 {
			t.Fatalf("saved f%d = %v", i, sr.FPRegs.Fprs[i])
		}
	}
}

func TestMemoryCache(t *testing.T) {
	th, stub := connect(t, nil, Options{})
	data := make([]byte, cachePageSize)
	for i := range data {
		data[i] = byte(i)
	}
	stub.poke(0x10000, data)

	buf := make([]byte, 16)
	if _, err := th.ReadMemory(buf, 0x10010); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0x10 || buf[15] != 0x1f {
		t.Fatalf("read %x", buf)
	}
	reads := stub.count("m")
	if _, err := th.ReadMemory(buf, 0x10020); err != nil {
		t.Fatal(err)
	}
	if stub.count("m") != reads {
		t.Fatalf("cached page read again")
	}
	if _, err := th.WriteMemory(0x10020, []byte{0xff}); err != nil {
		t.Fatal(err)
	}
	if _, err := th.ReadMemory(buf, 0x10020); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0xff || stub.count("m") == reads {
		t.Fatalf("stale cache: %x", buf)
	}
}

func TestWriteMemorySplitsPackets(t *testing.T) {
	th, stub := connect(t, nil, Options{})
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i + 1)
	}
	n, err := th.WriteMemory(0x20000, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("wrote %d bytes", n)
	}
	if got := stub.peek(0x20000, len(data)); !bytes.Equal(got, data) {
		t.Fatalf("memory %x", got)
	}
	perPacket := (stubPacketSize - memoryWriteHeaderSize) / 2
	if want := (len(data) + perPacket - 1) / perPacket; stub.count("M") != want {
		t.Fatalf("%d write packets, want %d", stub.count("M"), want)
	}
}

func TestReadUnmappedMemory(t *testing.T) {
	th, _ := connect(t, nil, Options{MemoryCachePages: -1})
	buf := make([]byte, 8)
	var gdberr *GdbProtocolError
	if _, err := th.ReadMemory(buf, 0x2000); !errors.As(err, &gdberr) {
		t.Fatalf("got %v", err)
	}
}
