package native

import (
	"debug/elf"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceGetRegset reads the register set regset of tid into buf and returns
// the number of bytes the kernel filled.
func ptraceGetRegset(tid int, regset elf.NType, buf []byte) (int, error) {
	iov := sys.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(regset), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(iov.Len), nil
}

// ptraceSetRegset writes the register set regset of tid from buf.
func ptraceSetRegset(tid int, regset elf.NType, buf []byte) error {
	iov := sys.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(tid), uintptr(regset), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// waitStopped waits for tid to enter a ptrace stop.
func waitStopped(tid int) error {
	var ws sys.WaitStatus
	for {
		_, err := sys.Wait4(tid, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if ws.Exited() || ws.Signaled() {
			return syscall.ESRCH
		}
		if ws.Stopped() {
			return nil
		}
	}
}
