package proc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/unwresume/pkg/dwarf/regnum"
	"github.com/go-delve/unwresume/pkg/proc"
	"github.com/go-delve/unwresume/pkg/proc/emu"
	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

func resume(c *proc.Cursor) (returned bool, err error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		err = proc.Resume(c)
		returned = true
	}()
	<-done
	return returned, err
}

func liveThread() *emu.Thread {
	th := emu.New()
	var sr linutil.S390XSigregs
	sr.Regs.PSW = linutil.S390XPSW{Mask: 0x0705200180000000, Addr: 0x80001000}
	for i := range sr.Regs.Gprs {
		sr.Regs.Gprs[i] = 0xa0a0a0a000000000 | uint64(i)
	}
	sr.Regs.Gprs[15] = 0x3fffffff000
	sr.Regs.Acrs[0] = 0x3ff
	for i := range sr.FPRegs.Fprs {
		sr.FPRegs.Fprs[i] = float64(i) * 1.25
	}
	th.SetRegs(sr)
	return th
}

func TestResumeToSelf(t *testing.T) {
	th := liveThread()
	before := th.Regs()

	returned, err := resume(th.Cursor())
	require.False(t, returned, "Resume returned: %v", err)

	landing := <-th.Landed()
	assert.Equal(t, "setcontext", landing.Via)
	assert.Equal(t, before, landing.State)
	assert.Equal(t, before, th.Regs())
	assert.Equal(t, 1, th.Transfers())
}

func TestResumeRTSigframeThroughSigreturn(t *testing.T) {
	const (
		frameSP    = 0x3ffffff0000
		trampoline = 0x3fffdf7e000
	)
	th := liveThread()
	th.Map(frameSP, 0x1000)
	th.AddTrampoline(trampoline, proc.SCFLinuxRTSigframe)

	ucAddr := uint64(frameSP + linutil.S390XRTSigframeUContextOffset)
	var kernelSaved linutil.S390XUContext
	kernelSaved.Mcontext.Regs.PSW = linutil.S390XPSW{Mask: 0x0705200180000000, Addr: 0x80002000}
	kernelSaved.Mcontext.Regs.Acrs[0] = 0x7
	buf, err := linutil.EncodeS390X(&kernelSaved)
	require.NoError(t, err)
	th.Poke(ucAddr, buf)

	c := th.Cursor()
	for i := uint64(0); i <= regnum.S390X_R15; i++ {
		c.Regs.Reg(i).Uint64Val = 0x5000 + i
	}
	c.IP = 0x80003000
	c.SigcontextFormat = proc.SCFLinuxRTSigframe
	c.SigcontextAddr = ucAddr
	c.SigcontextSP = frameSP
	c.SigcontextPC = trampoline

	returned, err := resume(c)
	require.False(t, returned, "Resume returned: %v", err)

	// The record holds the cursor's state.
	rec := make([]byte, linutil.S390XSigregsSize)
	_, err = th.ReadMemory(rec, ucAddr+linutil.S390XUContextMcontextOffset)
	require.NoError(t, err)
	var sr linutil.S390XSigregs
	require.NoError(t, linutil.DecodeS390X(rec, &sr))
	for i := 0; i < 16; i++ {
		assert.Equal(t, 0x5000+uint64(i), sr.Regs.Gprs[i], "saved r%d", i)
	}
	assert.Equal(t, uint64(0x80003000), sr.Regs.PSW.Addr)
	assert.Equal(t, 1, th.MemWrites())

	// And the emulated sigreturn landed on it.
	landing := <-th.Landed()
	assert.Equal(t, "sigreturn", landing.Via)
	assert.Equal(t, uint64(0x80003000), landing.State.Regs.PSW.Addr)
	assert.Equal(t, uint64(0x500f), landing.State.Regs.Gprs[15])
	assert.Equal(t, uint32(0x7), landing.State.Regs.Acrs[0], "access registers come from the record")
	assert.Equal(t, uint64(0x0705200180000000), landing.State.Regs.PSW.Mask)
}

func TestResumeSigframeThroughSigreturn(t *testing.T) {
	const (
		frameSP    = 0x3ffffff0000
		trampoline = 0x3fffdf7e008
	)
	th := liveThread()
	th.Map(frameSP, 0x1000)
	th.AddTrampoline(trampoline, proc.SCFLinuxSigframe)

	scAddr := uint64(frameSP + linutil.S390XSignalFrameSize)
	sregsAddr := uint64(frameSP + linutil.S390XSigframeSregsOffset)
	sc, _ := linutil.EncodeS390X(&linutil.S390XSigcontext{Sregs: sregsAddr})
	th.Poke(scAddr, sc)

	c := th.Cursor()
	c.IP = 0x80004000
	c.ArgsSize = 16
	c.SigcontextFormat = proc.SCFLinuxSigframe
	c.SigcontextAddr = scAddr
	c.SigcontextSP = frameSP
	c.SigcontextPC = trampoline
	sp := c.Regs.SP()

	returned, err := resume(c)
	require.False(t, returned, "Resume returned: %v", err)

	landing := <-th.Landed()
	assert.Equal(t, "sigreturn", landing.Via)
	assert.Equal(t, uint64(0x80004000), landing.State.Regs.PSW.Addr)
	assert.Equal(t, sp+16, landing.State.Regs.Gprs[15])
	assert.Equal(t, 2.5, landing.State.FPRegs.Fprs[2])
}

func TestResumeInvalidFormatLeavesThreadUntouched(t *testing.T) {
	th := liveThread()
	before := th.Regs()
	c := th.Cursor()
	c.SigcontextFormat = 99

	err := proc.Resume(c)
	assert.ErrorIs(t, err, proc.ErrInvalidArgument)
	assert.Equal(t, 0, th.RegWrites())
	assert.Equal(t, 0, th.MemWrites())
	assert.Equal(t, 0, th.Transfers())
	assert.Equal(t, before, th.Regs())
}

func TestFailedResumeDiscardsStagedRegisters(t *testing.T) {
	th := liveThread()
	before := th.Regs()

	c := th.Cursor()
	c.Regs.Reg(regnum.S390X_R9).Uint64Val = 0xdead
	c.SigcontextFormat = proc.SCFLinuxRTSigframe
	c.SigcontextAddr = 0x3ffffff0128
	c.SigcontextSP = 0x3ffffff0000
	c.SigcontextPC = 0x3fffdf7e000
	err := proc.Resume(c)
	var terr *proc.TransferError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, emu.ErrUnmapped)
	assert.Equal(t, before, th.Regs())

	c = th.Cursor()
	c.Regs.DelReg(regnum.S390X_R9)
	returned, err := resume(c)
	require.False(t, returned, "Resume returned: %v", err)
	landing := <-th.Landed()
	assert.Equal(t, before.Regs.Gprs[9], landing.State.Regs.Gprs[9], "r9 written by the failed resume reached the thread")
}

func TestResumeBrokenPrimitive(t *testing.T) {
	th := liveThread()
	th.ReturnFromTransfer = true
	c := th.Cursor()
	c.IP = 0x1000

	err := proc.Resume(c)
	assert.ErrorIs(t, err, proc.ErrUnreachable)
	assert.Equal(t, 1, th.Transfers())
	assert.Equal(t, uint64(0x1000), (<-th.Landed()).State.Regs.PSW.Addr)
}
