package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"dayroutine/internal/store"
)

var (
	// ErrHalted is returned by every intent after identity acquisition failed.
	ErrHalted = errors.New("engine halted: identity unavailable")

	// ErrStopped is returned when the engine loop is not running.
	ErrStopped = errors.New("engine stopped")

	ErrNotReady          = errors.New("schedule not ready")
	ErrResetDateMismatch = errors.New("reset requested for a date that is not active")
	ErrNoPendingReset    = errors.New("no reset awaiting confirmation")
	ErrResetInProgress   = errors.New("reset already in progress")
)

// Kind classifies failures surfaced to the user.
type Kind string

const (
	AuthFailure           Kind = "auth_failure"
	InitializationFailure Kind = "initialization_failure"
	ReadFailure           Kind = "read_failure"
	WriteFailure          Kind = "write_failure"
)

// Op names the remote operation that failed.
type Op string

const (
	OpIdentity  Op = "identity"
	OpSubscribe Op = "subscribe"
	OpInit      Op = "init"
	OpToggle    Op = "toggle"
	OpReset     Op = "reset"
)

// Error is a failure surfaced through State.Err. None of them are retried.
type Error struct {
	Kind Kind
	Op   Op
	Key  store.Key
	Err  error
}

func (e *Error) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("%s during %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s during %s of %s: %v", e.Kind, e.Op, e.Key.Date, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Op      Op     `json:"op"`
		Date    string `json:"date,omitempty"`
		Message string `json:"message"`
	}{
		Kind:    e.Kind,
		Op:      e.Op,
		Date:    e.Key.Date,
		Message: e.Error(),
	})
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Kind == k
}
