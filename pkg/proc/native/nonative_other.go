//go:build !(linux && s390x)

package native

import (
	"errors"

	"github.com/go-delve/unwresume/pkg/proc/linutil"
)

// ErrNativeBackendDisabled is returned when trying to use the native
// backend on a machine that is not linux/s390x.
var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")

// Attach returns ErrNativeBackendDisabled.
func Attach(_ int) (*Thread, error) {
	return nil, ErrNativeBackendDisabled
}

// Detach returns ErrNativeBackendDisabled.
func (t *Thread) Detach() error {
	return ErrNativeBackendDisabled
}

func (t *Thread) loadRegisters() (*linutil.S390XUContext, uint64, error) {
	return nil, 0, ErrNativeBackendDisabled
}

// SetContext returns ErrNativeBackendDisabled.
func (t *Thread) SetContext(_ *linutil.S390XUContext) error {
	return ErrNativeBackendDisabled
}

// JumpTo returns ErrNativeBackendDisabled.
func (t *Thread) JumpTo(_, _ uint64) error {
	return ErrNativeBackendDisabled
}

// ReadMemory returns ErrNativeBackendDisabled.
func (t *Thread) ReadMemory(_ []byte, _ uint64) (int, error) {
	return 0, ErrNativeBackendDisabled
}

// WriteMemory returns ErrNativeBackendDisabled.
func (t *Thread) WriteMemory(_ uint64, _ []byte) (int, error) {
	return 0, ErrNativeBackendDisabled
}
