package config

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"sort"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/unwresume/pkg/dwarf/op"
	"github.com/go-delve/unwresume/pkg/dwarf/regnum"
	"github.com/go-delve/unwresume/pkg/proc"
	"github.com/go-delve/unwresume/pkg/proc/emu"
	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

// CursorFile is the YAML description of a frame to resume. The memory and
// trampolines sections are only used by emulated targets.
//
//	format: rt_sigframe
//	ip: 0x80003000
//	regs: {r2: 0x1, r15: 0x3ffffff0000}
//	fpregs: {f0: 1.5}
//	sigcontext: {addr: 0x3ffffff0128, sp: 0x3ffffff0000, pc: 0x3fffdf7e000}
type CursorFile struct {
	Format   string             `yaml:"format,omitempty"`
	IP       *uint64            `yaml:"ip,omitempty"`
	PSWMask  uint64             `yaml:"psw-mask,omitempty"`
	ArgsSize uint64             `yaml:"args-size,omitempty"`
	Regs     map[string]uint64  `yaml:"regs,omitempty"`
	FPRegs   map[string]float64 `yaml:"fpregs,omitempty"`

	Sigcontext SigcontextDesc `yaml:"sigcontext,omitempty"`

	Memory      []MemoryRegion `yaml:"memory,omitempty"`
	Trampolines []Trampoline   `yaml:"trampolines,omitempty"`
}

// SigcontextDesc locates the kernel record of a signal frame.
type SigcontextDesc struct {
	Addr uint64 `yaml:"addr"`
	SP   uint64 `yaml:"sp"`
	PC   uint64 `yaml:"pc"`
}

// MemoryRegion is memory mapped in an emulated target. Bytes, hex encoded,
// are copied at the start of the region.
type MemoryRegion struct {
	Addr  uint64 `yaml:"addr"`
	Size  uint64 `yaml:"size,omitempty"`
	Bytes string `yaml:"bytes,omitempty"`
}

// Trampoline is a signal trampoline of an emulated target.
type Trampoline struct {
	PC     uint64 `yaml:"pc"`
	Format string `yaml:"format"`
}

// LoadCursorFile decodes the cursor description at path.
func LoadCursorFile(path string) (*CursorFile, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCursorFile(data)
}

// ParseCursorFile decodes a cursor description, unknown keys are errors.
func ParseCursorFile(data []byte) (*CursorFile, error) {
	var cf CursorFile
	if err := yaml.UnmarshalStrict(data, &cf); err != nil {
		return nil, fmt.Errorf("unable to decode cursor file: %v", err)
	}
	return &cf, nil
}

// parseFormat accepts the names of the formats and raw tag values.
func parseFormat(s string) (proc.SigcontextFormat, error) {
	f, err := proc.ParseSigcontextFormat(s)
	if err == nil {
		return f, nil
	}
	n, nerr := strconv.ParseUint(s, 0, 8)
	if nerr != nil {
		return 0, err
	}
	return proc.SigcontextFormat(n), nil
}

func lookupReg(name string) (uint64, error) {
	num, ok := regnum.S390XNameToDwarf[name]
	if !ok {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return uint64(num), nil
}

// Apply overlays the description on c.
func (cf *CursorFile) Apply(c *proc.Cursor) error {
	format, err := parseFormat(cf.Format)
	if err != nil {
		return err
	}
	c.SigcontextFormat = format
	for _, name := range sortedKeys(cf.Regs) {
		num, err := lookupReg(name)
		if err != nil {
			return err
		}
		if regnum.S390XIsFPReg(num) {
			return fmt.Errorf("%s is a floating point register, list it under fpregs", name)
		}
		if num == regnum.S390X_IP {
			c.IP = cf.Regs[name]
		}
		c.Regs.AddReg(num, op.DwarfRegisterFromUint64(cf.Regs[name]))
	}
	for name, v := range cf.FPRegs {
		num, err := lookupReg(name)
		if err != nil {
			return err
		}
		if !regnum.S390XIsFPReg(num) {
			return fmt.Errorf("%s is not a floating point register", name)
		}
		c.Regs.AddReg(num, op.DwarfRegisterFromFloat64(v))
	}
	if cf.IP != nil {
		c.IP = *cf.IP
		c.Regs.AddReg(regnum.S390X_IP, op.DwarfRegisterFromUint64(c.IP))
	}
	if cf.PSWMask != 0 {
		c.PSWMask = cf.PSWMask
	}
	c.ArgsSize = cf.ArgsSize
	c.SP = c.Regs.SP()
	c.SigcontextAddr = cf.Sigcontext.Addr
	c.SigcontextSP = cf.Sigcontext.SP
	c.SigcontextPC = cf.Sigcontext.PC
	return nil
}

// Cursor returns a cursor of as holding only what the description lists.
func (cf *CursorFile) Cursor(as proc.AddressSpace) (*proc.Cursor, error) {
	c := proc.NewCursor(as, nil)
	if err := cf.Apply(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Seed prepares an emulated thread: memory and trampolines are installed,
// the live registers are the ones of the description.
func (cf *CursorFile) Seed(th *emu.Thread) error {
	for _, m := range cf.Memory {
		data, err := hex.DecodeString(m.Bytes)
		if err != nil {
			return fmt.Errorf("memory at %#x: %v", m.Addr, err)
		}
		size := m.Size
		if size < uint64(len(data)) {
			size = uint64(len(data))
		}
		th.Map(m.Addr, size)
		th.Poke(m.Addr, data)
	}
	for _, tr := range cf.Trampolines {
		format, err := parseFormat(tr.Format)
		if err != nil {
			return err
		}
		th.AddTrampoline(tr.PC, format)
	}

	var sr linutil.S390XSigregs
	c := proc.NewCursor(th, nil)
	if err := cf.Apply(c); err != nil {
		return err
	}
	for num := uint64(0); num <= regnum.S390X_LAST_REG; num++ {
		if regnum.S390XIsFPReg(num) {
			if v, err := c.ReadFPReg(num); err == nil {
				sr.SetFPReg(num, v)
			}
		} else if v, err := c.ReadReg(num); err == nil {
			sr.SetReg(num, v)
		}
	}
	sr.Regs.PSW = linutil.S390XPSW{Mask: c.PSWMask, Addr: c.IP}
	th.SetRegs(sr)
	return nil
}

func sortedKeys(m map[string]uint64) []string {
	r := make([]string, 0, len(m))
	for k := range m {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}
