// Package failure defines the error kinds shared by the orchestrator layers.
//
// Kinds are sentinels so callers match them with errors.Is. An *Error carries
// the kind, the operation that failed and the underlying cause; both the kind
// and the cause stay reachable through Unwrap.
package failure

import (
	"errors"
	"strings"
)

var (
	ErrRemoteCreation = errors.New("remote creation failed")
	ErrJob            = errors.New("job failed")
	ErrAlreadyExists  = errors.New("already exists")
	ErrNotFound       = errors.New("not found")
	ErrPolicyMerge    = errors.New("policy merge failed")
	ErrDeletion       = errors.New("deletion failed")
	ErrPollTimeout    = errors.New("poll timeout")
	// ErrInterrupted marks a monitor persisted in an in-progress state by a
	// process that did not finish. Recover resolves it.
	ErrInterrupted  = errors.New("operation interrupted")
	ErrInvalidState = errors.New("invalid state")
	ErrInvalidInput = errors.New("invalid input")
)

var kinds = []error{
	ErrRemoteCreation, ErrJob, ErrAlreadyExists, ErrNotFound, ErrPolicyMerge,
	ErrDeletion, ErrPollTimeout, ErrInterrupted, ErrInvalidState, ErrInvalidInput,
}

// Error is a classified failure.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap classifies err as kind. A nil err still produces an error so call
// sites can report a kind without a cause.
func Wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// New reports kind with a plain message as the cause.
func New(kind error, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// KindOf returns the first known kind err matches, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
