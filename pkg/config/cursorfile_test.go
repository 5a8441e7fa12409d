package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/unwresume/pkg/dwarf/regnum"
	"github.com/go-delve/unwresume/pkg/proc"
	"github.com/go-delve/unwresume/pkg/proc/emu"
)

const rtFrame = `
format: rt_sigframe
ip: 0x80003000
psw-mask: 0x0705200180000000
args-size: 16
regs:
  r2: 0x2
  r15: 0x3ffffff0000
fpregs:
  f1: 1.5
sigcontext:
  addr: 0x3ffffff0128
  sp: 0x3ffffff0000
  pc: 0x3fffdf7e000
memory:
  - addr: 0x3ffffff0000
    size: 0x1000
    bytes: "00010203"
trampolines:
  - pc: 0x3fffdf7e000
    format: rt_sigframe
`

func TestCursorFile(t *testing.T) {
	cf, err := ParseCursorFile([]byte(rtFrame))
	require.NoError(t, err)

	c, err := cf.Cursor(emu.New())
	require.NoError(t, err)
	assert.Equal(t, proc.SCFLinuxRTSigframe, c.SigcontextFormat)
	assert.Equal(t, uint64(0x80003000), c.IP)
	assert.Equal(t, uint64(0x3ffffff0000), c.SP)
	assert.Equal(t, uint64(0x0705200180000000), c.PSWMask)
	assert.Equal(t, uint64(16), c.ArgsSize)
	assert.Equal(t, uint64(0x3ffffff0128), c.SigcontextAddr)
	assert.Equal(t, uint64(0x3ffffff0000), c.SigcontextSP)
	assert.Equal(t, uint64(0x3fffdf7e000), c.SigcontextPC)

	v, err := c.ReadReg(regnum.S390X_R2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	_, err = c.ReadReg(regnum.S390X_R3)
	assert.Error(t, err, "registers not listed are unavailable")
	f, err := c.ReadFPReg(regnum.S390X_F1)
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)
}

func TestCursorFileSeed(t *testing.T) {
	cf, err := ParseCursorFile([]byte(rtFrame))
	require.NoError(t, err)
	th := emu.New()
	require.NoError(t, cf.Seed(th))

	buf := make([]byte, 4)
	_, err = th.ReadMemory(buf, 0x3ffffff0000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, buf)
	assert.Len(t, th.Mappings(), 1)

	sr := th.Regs()
	assert.Equal(t, uint64(0x80003000), sr.Regs.PSW.Addr)
	assert.Equal(t, uint64(2), sr.Regs.Gprs[2])
	assert.Equal(t, 1.5, sr.FPRegs.Fprs[1])
	assert.Equal(t, 0, th.MemWrites())
}

func TestCursorFileRawFormat(t *testing.T) {
	cf, err := ParseCursorFile([]byte("format: 99\n"))
	require.NoError(t, err)
	th := emu.New()
	c, err := cf.Cursor(th)
	require.NoError(t, err)
	assert.Equal(t, proc.SigcontextFormat(99), c.SigcontextFormat)
	assert.True(t, errors.Is(proc.Resume(c), proc.ErrInvalidArgument))
	assert.Equal(t, 0, th.RegWrites())
}

func TestCursorFileErrors(t *testing.T) {
	tests := []struct {
		name, data, want string
	}{
		{"unknown key", "frmat: none\n", "decode"},
		{"unknown register", "regs: {r16: 1}\n", "unknown register"},
		{"fp register in regs", "regs: {f0: 1}\n", "floating point"},
		{"general register in fpregs", "fpregs: {r0: 1}\n", "not a floating point"},
		{"unknown format", "format: ucontext\n", "unknown signal context format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cf, err := ParseCursorFile([]byte(tc.data))
			if err == nil {
				_, err = cf.Cursor(emu.New())
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want an error containing %q", err, tc.want)
			}
		})
	}
}
