package gchain

import (
	"errors"
	"fmt"
)

var ErrEmptyValidatorSet = errors.New("validator set must have at least one validator with positive power")

// ErrNonCanonical is returned when decoding bytes that do not match
// the canonical encoding of the decoded value.
// Accepting them would allow two encodings, and two hashes, of one transaction.
var ErrNonCanonical = errors.New("encoding is not canonical")

// ErrInvalidSignature is returned when a transaction's signature
// does not verify against its claimed key.
var ErrInvalidSignature = errors.New("invalid signature")

// NonceMismatchError indicates a user transaction whose nonce
// is not the sender's next expected nonce.
type NonceMismatchError struct {
	Sender string

	Want, Got uint64
}

func (e NonceMismatchError) Error() string {
	return fmt.Sprintf("sender %s: expected nonce %d, got %d", e.Sender, e.Want, e.Got)
}

// UnknownValidatorError indicates a vote or signature from a key
// that is not in the validator set applicable at Height.
type UnknownValidatorError struct {
	PubKey []byte
	Height uint64
}

func (e UnknownValidatorError) Error() string {
	return fmt.Sprintf("key %x is not a validator at height %d", e.PubKey, e.Height)
}

// ObservationRangeError indicates a top-down observation whose parent height range
// is malformed, overlaps, precedes or skips past the last agreed range.
type ObservationRangeError struct {
	Start, End uint64

	// The exclusive end of the last agreed range,
	// i.e. the start every new observation must have.
	NextStart uint64

	Reason string
}

func (e ObservationRangeError) Error() string {
	return fmt.Sprintf(
		"invalid observation range [%d, %d) (next start %d): %s",
		e.Start, e.End, e.NextStart, e.Reason,
	)
}

// MalformedTxError wraps any failure to decode or structurally validate a transaction.
type MalformedTxError struct {
	Err error
}

func (e MalformedTxError) Error() string {
	return fmt.Sprintf("malformed transaction: %v", e.Err)
}

func (e MalformedTxError) Unwrap() error {
	return e.Err
}

// HeightMismatchError indicates an unexpected height.
type HeightMismatchError struct {
	Want, Got uint64
}

func (e HeightMismatchError) Error() string {
	return fmt.Sprintf("expected height %d, got %d", e.Want, e.Got)
}
