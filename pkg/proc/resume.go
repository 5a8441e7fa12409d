package proc

import "github.com/go-delve/unwresume/pkg/logflags"

// ResumeOptions configures ResumeWithOptions.
type ResumeOptions struct {
	Strictness Strictness
}

// Resume establishes the machine state of c in its address space and
// transfers control to it. On success Resume does not return: the target
// continues at the frame of c and the calling goroutine exits, running its
// deferred calls, so Resume is normally called on a goroutine of its own.
//
// An error is returned only if the transfer did not happen, in which case
// the live state of the target was not modified by the orchestration.
// A cursor can be passed to Resume only once.
func Resume(c *Cursor) error {
	return ResumeWithOptions(c, ResumeOptions{})
}

// ResumeWithOptions is like Resume with a configurable establishment
// strictness.
func ResumeWithOptions(c *Cursor, opts ResumeOptions) error {
	if err := c.Validate(); err != nil {
		return err
	}
	logger := logflags.ResumeLogger()
	if logflags.Resume() {
		logger.Debugf("resume cursor ip=%#x sp=%#x format=%s", c.IP, c.SP, c.SigcontextFormat)
	}
	if err := EstablishMachineState(c, opts.Strictness); err != nil {
		c.AS.DiscardStaged()
		return err
	}
	c.consumed = true
	err := c.AS.Resume(c)
	// Only reached when no transfer happened.
	c.consumed = false
	c.AS.DiscardStaged()
	if err == nil {
		logger.Errorf("address space resume returned to its caller (ip=%#x)", c.IP)
		err = ErrUnreachable
	}
	if logflags.Resume() {
		logger.WithError(err).Debug("resume failed")
	}
	return err
}
