package proc

import "github.com/go-delve/unwresume/pkg/proc/linutil"

// AddressSpace is the target of a resume: the register accessors of a
// thread and the way control is handed to it. It can represent a thread
// traced on this machine or a remote target.
//
// Writes made through AccessReg and AccessFPReg are staged, the live thread
// only changes when Resume transfers control. Implementations shared
// between goroutines must make their accessors safe for concurrent use.
type AddressSpace interface {
	// AccessReg reads (write == false) or writes general register regnum
	// through val.
	AccessReg(regnum uint64, val *uint64, write bool) error
	// AccessFPReg is AccessReg for floating point registers.
	AccessFPReg(regnum uint64, val *float64, write bool) error
	// Resume transfers control to the frame described by c. It is called
	// by the Resume function after the cursor's registers have been
	// established and only returns on failure.
	Resume(c *Cursor) error
	// DiscardStaged drops every register write staged since the last
	// transfer. It is called when a resume fails after establishment
	// started, so that the next resume starts from the live state.
	DiscardStaged()
}

// ContextTransfer is the boundary where the staged machine state becomes
// the live state of the target thread.
//
// Both methods never return on success: the target owns the new state and
// the calling goroutine is terminated with runtime.Goexit, after running its
// deferred calls. Returning nil is a contract violation.
type ContextTransfer interface {
	// SetContext installs uc as the complete machine state of the thread
	// and continues it, like setcontext(3).
	SetContext(uc *linutil.S390XUContext) error
	// JumpTo sets the live stack pointer (r15) to sp and branches to pc,
	// leaving every other live register as it is.
	JumpTo(sp, pc uint64) error
}

// Thread is an address space that can be resumed through LocalResume: its
// memory holds the kernel's signal records and it exposes the transfer
// primitive directly.
type Thread interface {
	AddressSpace
	MemoryReadWriter
	ContextTransfer
	// StagedContext returns the machine state built by the register
	// writes made so far, on top of the thread's current state. The
	// returned value is a copy.
	StagedContext() (*linutil.S390XUContext, error)
}
