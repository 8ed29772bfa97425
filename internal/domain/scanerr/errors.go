package scanerr

import (
	"errors"
	"fmt"
	"time"
)

// Error classes shared across the engine. Callers classify with errors.Is
// so wrapped errors keep their class through the stack.
var (
	// ErrValidation covers bad targets, rejected flags and malformed input.
	// Rejected before any resource is allocated.
	ErrValidation = errors.New("validation")

	// ErrAuthorization covers quota and role denials. Rejected before any
	// resource is allocated.
	ErrAuthorization = errors.New("authorization")

	// ErrEnvironment means the container runtime or required image is not
	// available. The caller may retry after remediation.
	ErrEnvironment = errors.New("environment unavailable")

	// ErrExecution covers abnormal exits and executor failures. Never
	// retried automatically.
	ErrExecution = errors.New("execution")

	// ErrTransport covers streaming delivery failures. Logged only, never
	// affects scan state.
	ErrTransport = errors.New("transport")

	// ErrInvalidTransition indicates a transition attempt from a terminal
	// state. Defensive: it signals a race, the existing status is kept.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrScanNotFound is returned for unknown scan IDs.
	ErrScanNotFound = errors.New("scan not found")
)

// Validation kinds, all classified under ErrValidation.
var (
	ErrInvalidTarget   = fmt.Errorf("%w: invalid target", ErrValidation)
	ErrRejectedFlag    = fmt.Errorf("%w: flag not allowed", ErrValidation)
	ErrUnsupportedTool = fmt.Errorf("%w: unsupported tool", ErrValidation)
)

// TimeoutError is an execution error raised when the wall-clock limit
// expires and the process group is force-killed.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution: timed out after %s", e.Limit)
}

// Is classifies TimeoutError under ErrExecution.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrExecution
}

// IsTimeout reports whether err carries a TimeoutError anywhere in its chain.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
