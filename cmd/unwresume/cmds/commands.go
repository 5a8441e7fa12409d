package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/go-delve/unwresume/pkg/config"
	"github.com/go-delve/unwresume/pkg/dwarf/regnum"
	"github.com/go-delve/unwresume/pkg/logflags"
	"github.com/go-delve/unwresume/pkg/proc"
	"github.com/go-delve/unwresume/pkg/proc/emu"
	"github.com/go-delve/unwresume/pkg/proc/gdbserial"
	"github.com/go-delve/unwresume/pkg/proc/linutil"
	"github.com/go-delve/unwresume/pkg/proc/native"
	"github.com/go-delve/unwresume/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// cursorFile is the path of the cursor description.
	cursorFile string
	// attachPid is the thread to resume with the native backend.
	attachPid int
	// gdbAddr is the address of the gdb stub to resume through.
	gdbAddr string
	// gdbThread selects the thread of the gdb stub.
	gdbThread string
	// emulate resumes an emulated thread.
	emulate bool
	// strict is the establishment strictness.
	strict string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config

	stdout io.Writer = os.Stdout
	// colorize is true when stdout is a terminal.
	colorize bool
)

const unwresumeCommandLongDesc = `unwresume transfers control of a stopped s390x thread to a frame
recovered by an unwinder.

The frame is described by a cursor file: the registers the unwinder could
recover, the instruction address, and for frames entered through a signal
the location of the kernel's signal record. Signal frames are resumed
through the kernel's sigreturn, everything else with setcontext.`

const cursorFileHelp = `Cursor files are YAML documents:

	format: rt_sigframe          # none, sigframe or rt_sigframe
	ip: 0x80003000
	psw-mask: 0x0705200180000000 # optional
	args-size: 0
	regs: {r2: 0x1, r15: 0x3ffffff0000}
	fpregs: {f0: 1.5}
	sigcontext: {addr: 0x3ffffff0128, sp: 0x3ffffff0000, pc: 0x3fffdf7e000}

Registers not listed keep the value the thread has. Emulated targets also
read 'memory' (list of addr/size/bytes) and 'trampolines' (list of
pc/format).`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main unwresume root command.
	rootCommand = &cobra.Command{
		Use:   "unwresume",
		Short: "unwresume resumes s390x threads at unwound frames.",
		Long:  unwresumeCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output: resume, gdbwire, native, emu.`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")

	// 'resume' subcommand.
	resumeCommand := &cobra.Command{
		Use:   "resume",
		Short: "Resumes a thread at the frame described by a cursor file.",
		Long: `Resumes a thread at the frame described by a cursor file.

Exactly one of --pid, --gdb and --emulate selects the target. Without
--cursor the thread is resumed at its own state.

` + cursorFileHelp,
		Run: func(cmd *cobra.Command, args []string) {
			if status := resumeMain(); status != 0 {
				os.Exit(status)
			}
		},
	}
	resumeCommand.Flags().StringVar(&cursorFile, "cursor", "", "Path of the cursor file.")
	resumeCommand.Flags().IntVar(&attachPid, "pid", 0, "Attach to the thread with this id (linux/s390x only).")
	resumeCommand.Flags().StringVar(&gdbAddr, "gdb", "", "Address of a gdb stub to resume through.")
	resumeCommand.Flags().StringVar(&gdbThread, "thread", "", "Thread id of the gdb stub to resume.")
	resumeCommand.Flags().BoolVar(&emulate, "emulate", false, "Resume an emulated thread seeded from the cursor file.")
	resumeCommand.Flags().StringVar(&strict, "strict", conf.Strictness, "Register establishment strictness: best-effort, general or all.")
	rootCommand.AddCommand(resumeCommand)

	// 'regs' subcommand.
	regsCommand := &cobra.Command{
		Use:   "regs",
		Short: "Prints the s390x register numbering.",
		Run: func(cmd *cobra.Command, args []string) {
			printRegisterTable(stdout)
		},
	}
	rootCommand.AddCommand(regsCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "unwresume\n%s\n", version.UnwresumeVersion)
			if log {
				fmt.Fprintln(stdout, version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	if f, ok := stdout.(*os.File); ok && f == os.Stdout {
		colorize = isatty.IsTerminal(os.Stdout.Fd())
		stdout = colorable.NewColorableStdout()
	}

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// target is a thread resume can act on.
type target interface {
	proc.Thread
	Detach() error
}

func openTarget() (target, *emu.Thread, error) {
	n := 0
	for _, set := range []bool{attachPid != 0, gdbAddr != "", emulate} {
		if set {
			n++
		}
	}
	if n != 1 {
		return nil, nil, errors.New("exactly one of --pid, --gdb and --emulate must be specified")
	}
	switch {
	case attachPid != 0:
		th, err := native.Attach(attachPid)
		if err != nil {
			return nil, nil, err
		}
		return th, nil, nil
	case gdbAddr != "":
		th, err := gdbserial.Dial(gdbAddr, gdbserial.Options{
			MaxTransmitAttempts: conf.GdbMaxTransmitAttempts,
			MemoryCachePages:    conf.GdbMemoryCachePages,
			ThreadID:            gdbThread,
		})
		if err != nil {
			return nil, nil, err
		}
		return th, nil, nil
	default:
		th := emu.New()
		return emuTarget{th}, th, nil
	}
}

type emuTarget struct {
	*emu.Thread
}

func (emuTarget) Detach() error { return nil }

func resumeMain() int {
	if log && logOutput == "" {
		logOutput = conf.LogOutput
	}
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	strictness, err := proc.ParseStrictness(strict)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	var cf *config.CursorFile
	if cursorFile != "" {
		cf, err = config.LoadCursorFile(cursorFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	} else if emulate {
		fmt.Fprintln(os.Stderr, "--emulate requires --cursor")
		return 1
	}

	t, emuThread, err := openTarget()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open target: %v\n", err)
		return 1
	}
	if emuThread != nil {
		if err := cf.Seed(emuThread); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	}

	c, err := captureCursor(t, cf)
	if err != nil {
		t.Detach()
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ip := c.IP
	if err := runResume(c, proc.ResumeOptions{Strictness: strictness}); err != nil {
		t.Detach()
		fmt.Fprintf(os.Stderr, "resume failed: %v\n", err)
		return 1
	}

	if emuThread != nil {
		landing := <-emuThread.Landed()
		fmt.Fprintf(stdout, "landed via %s\n", landing.Via)
		printRegisters(stdout, landing.State.Slice(true))
		return 0
	}
	fmt.Fprintf(stdout, "resumed at %#x\n", ip)
	return 0
}

// captureCursor returns a cursor of the thread's current state with the
// cursor file applied.
func captureCursor(t target, cf *config.CursorFile) (*proc.Cursor, error) {
	uc, err := t.StagedContext()
	if err != nil {
		return nil, err
	}
	c := proc.CaptureCursor(t, &uc.Mcontext)
	if cf != nil {
		if err := cf.Apply(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// runResume resumes c on a goroutine of its own: the goroutine does not
// return when control is transferred. A nil error means the transfer
// happened.
func runResume(c *proc.Cursor, opts proc.ResumeOptions) (err error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		err = proc.ResumeWithOptions(c, opts)
		if err == nil {
			err = proc.ErrUnreachable
		}
	}()
	<-done
	return err
}

func printRegisters(w io.Writer, regs []linutil.Register) {
	for _, reg := range regs {
		fmt.Fprintf(w, "%6s = %#016x\n", reg.Name, reg.Value)
	}
}

func printRegisterTable(w io.Writer) {
	header := fmt.Sprintf("%-6s %-8s %s", "dwarf", "name", "kind")
	if colorize {
		header = "\x1b[1m" + header + "\x1b[0m"
	}
	fmt.Fprintln(w, header)
	for num := uint64(0); num <= regnum.S390XMaxRegNum(); num++ {
		kind := "general"
		switch {
		case regnum.S390XIsFPReg(num):
			kind = "floating point"
		case num == regnum.S390X_IP:
			kind = "psw address"
		}
		fmt.Fprintf(w, "%-6d %-8s %s\n", num, regnum.S390XToName(num), kind)
	}
}
