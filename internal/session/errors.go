package session

import (
	"errors"
	"fmt"
)

// Sentinel reasons carried by InvariantError.
var (
	ErrCompleted       = errors.New("session is completed")
	ErrDuplicateAction = errors.New("action already performed")
	ErrAlreadyScored   = errors.New("score already set")
	ErrUnknownState    = errors.New("state is not defined by the case")
	ErrUnknownItem     = errors.New("test is not orderable for this case")
	ErrInvalidValue    = errors.New("invalid value")
)

// ErrNotFound indicates no session exists with the requested id.
var ErrNotFound = errors.New("session not found")

// InvariantError reports a rejected mutation. The session is left exactly as
// it was before the call.
type InvariantError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *InvariantError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

func invariant(op, id string, err error) *InvariantError {
	return &InvariantError{Op: op, SessionID: id, Err: err}
}
