package recovery

import (
	"errors"
	"fmt"
)

var (
	// ErrRanOutOfDiskSpace means a write failed because the device is full.
	// Freeing space and retrying may succeed.
	ErrRanOutOfDiskSpace = errors.New("ran out of disk space")

	// ErrUnrecoverablyCorrupted means recovery cannot produce a usable
	// database.
	ErrUnrecoverablyCorrupted = errors.New("database is unrecoverably corrupted")

	// ErrAlreadyRun is returned when a recovery stage is run a second time.
	ErrAlreadyRun = errors.New("recovery stage has already run")

	// ErrTokenHeld is returned when another writer holds the database.
	ErrTokenHeld = errors.New("database writer token is held elsewhere")

	// ErrTokenNotHeld is returned when an operation needs the writer token
	// but was given a released or missing one.
	ErrTokenNotHeld = errors.New("database writer token not held")
)

// Error describes a recovery failure. It matches its Kind with errors.Is
// and also unwraps to the underlying database error.
type Error struct {
	Kind  error
	Phase Phase
	Table string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Phase != "" {
		msg = fmt.Sprintf("%s during %s", msg, e.Phase)
	}
	if e.Table != "" {
		msg = fmt.Sprintf("%s of table %s", msg, e.Table)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
