package gstate

import (
	"errors"
	"fmt"
)

// ErrNoPending is returned when an operation requires a pending overlay
// and there is none.
var ErrNoPending = errors.New("no pending state")

// ErrPendingExists is returned from [VersionedState.Begin]
// when a pending overlay already exists.
var ErrPendingExists = errors.New("pending state already exists")

// ReservedKeyError is returned when writing a key
// in the namespace reserved for state metadata.
type ReservedKeyError struct {
	Key []byte
}

func (e ReservedKeyError) Error() string {
	return fmt.Sprintf("key %q is in the reserved namespace", e.Key)
}

// HeightError is returned from [VersionedState.Begin]
// when the requested height does not follow the committed height.
type HeightError struct {
	Committed, Got uint64
}

func (e HeightError) Error() string {
	return fmt.Sprintf("cannot begin height %d after committed height %d", e.Got, e.Committed)
}

// RootNotFoundError is returned when a historical root
// was never committed or has been pruned.
type RootNotFoundError struct {
	Height uint64
}

func (e RootNotFoundError) Error() string {
	return fmt.Sprintf("no retained state root for height %d", e.Height)
}
