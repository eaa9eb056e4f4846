package callback

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

// Error is a callback failure with a guest-visible kind.
type Error struct {
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidArguments = &Error{Kind: types.ErrKindInvalidArguments}
	ErrExecutionFailed  = &Error{Kind: types.ErrKindExecutionFailed}
	ErrNotFound         = &Error{Kind: types.ErrKindNotFound}
	ErrTimeout          = &Error{Kind: types.ErrKindTimeout}
	ErrLimitExceeded    = &Error{Kind: types.ErrKindLimitExceeded}
)

// InvalidArguments reports malformed or rejected arguments.
func InvalidArguments(format string, args ...any) error {
	return &Error{Kind: types.ErrKindInvalidArguments, Message: fmt.Sprintf(format, args...)}
}

// Failed reports a failure while running a callback.
func Failed(format string, args ...any) error {
	return &Error{Kind: types.ErrKindExecutionFailed, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown callback name.
func NotFound(name string) error {
	return &Error{Kind: types.ErrKindNotFound, Message: fmt.Sprintf("Callback '%s' not found", name)}
}

// Timeout reports a callback that outlived its deadline.
func Timeout(name string, after fmt.Stringer) error {
	return &Error{Kind: types.ErrKindTimeout, Message: fmt.Sprintf("Callback '%s' timed out after %s", name, after)}
}

// LimitExceeded reports an exhausted invocation budget.
func LimitExceeded(limit uint32) error {
	return &Error{Kind: types.ErrKindLimitExceeded, Message: fmt.Sprintf("Callback limit exceeded (%d invocations)", limit)}
}

// ToReply converts any error into a guest-visible reply error. Errors that are
// not *Error become execution failures.
func ToReply(err error) *types.ReplyError {
	var cbErr *Error
	if errors.As(err, &cbErr) {
		return &types.ReplyError{Kind: cbErr.Kind, Message: cbErr.Message}
	}
	return &types.ReplyError{Kind: types.ErrKindExecutionFailed, Message: err.Error()}
}
