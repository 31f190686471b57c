package comm

import "github.com/pkg/errors"

// Error kinds reported by a Channel. Operations wrap these with call-site
// context, so match them with errors.Is. OS-level failures (open, close,
// configure) are not listed here; they wrap the underlying syscall error
// directly.
var (
	// ErrConfig reports an invalid configuration value. It is detected
	// eagerly, before any I/O is attempted.
	ErrConfig = errors.New("invalid configuration")

	// ErrNotConnected reports an operation attempted while the channel is
	// closed or not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrInterface reports a descriptor that behaves inconsistently: it
	// signals readiness but transfers nothing, a connect is refused or times
	// out, or a readiness wait reports an impossible state.
	ErrInterface = errors.New("interface failure")

	// ErrRange reports a timeout value outside the dual 32-bit range.
	ErrRange = errors.New("time out of range")
)
