package linutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Sizes and offsets of the s390x signal delivery records. They are fixed by
// the kernel ABI.
const (
	S390XSigregsSize    = 344
	S390XSigcontextSize = 16
	S390XUContextSize   = 512

	// S390XUContextMcontextOffset is the offset of uc_mcontext inside
	// struct ucontext.
	S390XUContextMcontextOffset = 40

	// S390XSignalFrameSize is __SIGNAL_FRAMESIZE, the callee save area at
	// the start of every signal frame.
	S390XSignalFrameSize = 160

	// S390XSigframeSregsOffset is the offset, from the stack pointer of a
	// legacy signal frame, of the _sigregs the kernel restores on
	// sigreturn (past the callee save area and struct sigcontext).
	S390XSigframeSregsOffset = S390XSignalFrameSize + S390XSigcontextSize

	// S390XRTSigframeUContextOffset is the offset, from the stack pointer of
	// an rt signal frame, of its struct ucontext. struct rt_sigframe puts
	// the svc instruction slot (padded to 8 bytes) and the 128 byte
	// siginfo_t between the callee save area and the ucontext.
	S390XRTSigframeUContextOffset = S390XSignalFrameSize + 8 + 128
)

// S390XSigcontext is struct sigcontext, the record of a legacy (non-rt)
// signal frame. Sregs points to the _sigregs holding the saved state.
type S390XSigcontext struct {
	Oldmask [1]uint64
	Sregs   uint64
}

// S390XStack is stack_t.
type S390XStack struct {
	Sp    uint64
	Flags int32
	_     [4]byte
	Size  uint64
}

// S390XUContext is struct ucontext from arch/s390/include/uapi/asm/ucontext.h
// (without the trailing _sigregs_ext) and glibc's ucontext_t. It is the
// record of an rt signal frame and the argument of setcontext.
type S390XUContext struct {
	Flags    uint64
	Link     uint64
	Stack    S390XStack
	Mcontext S390XSigregs
	Sigmask  uint64
	_        [128 - 8]byte
}

// Clone returns a copy of uc.
func (uc *S390XUContext) Clone() *S390XUContext {
	r := *uc
	return &r
}

// PC returns the address part of the saved PSW.
func (uc *S390XUContext) PC() uint64 {
	return uc.Mcontext.Regs.PSW.Addr
}

// SP returns the saved r15.
func (uc *S390XUContext) SP() uint64 {
	return uc.Mcontext.Regs.Gprs[15]
}

// EncodeS390X serializes one of the s390x records in target (big-endian)
// byte order.
func EncodeS390X(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeS390X deserializes data into one of the s390x records.
func DecodeS390X(data []byte, v interface{}) error {
	if sz := binary.Size(v); sz < 0 || len(data) < sz {
		return fmt.Errorf("short s390x record: %d bytes, need %d", len(data), sz)
	}
	return binary.Read(bytes.NewReader(data), binary.BigEndian, v)
}
