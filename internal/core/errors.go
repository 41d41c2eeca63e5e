package core

import (
	"errors"
	"fmt"
)

// Exit codes for the bridge binaries.
const (
	ExitOK         = 0
	ExitRuntime    = 1
	ExitUsage      = 2
	ExitConfig     = 3
	ExitConnection = 4
)

// Error kinds. Match with errors.Is.
var (
	ErrConfig          = errors.New("configuration error")
	ErrConnection      = errors.New("connection error")
	ErrValidation      = errors.New("validation error")
	ErrChannel         = errors.New("control channel error")
	ErrChannelNotFound = fmt.Errorf("%w: endpoint not found", ErrChannel)
	ErrProcess         = errors.New("process error")
	ErrUsage           = errors.New("usage error")
)

// Error carries the failing operation and its kind.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// WrapError creates an Error of the given kind.
func WrapError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrConnection):
		return ExitConnection
	case errors.Is(err, ErrUsage), errors.Is(err, ErrValidation):
		return ExitUsage
	default:
		return ExitRuntime
	}
}
