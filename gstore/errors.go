package gstore

import (
	"errors"
	"fmt"
)

// ErrStoreUninitialized is returned by methods reading the latest value
// before anything has been saved.
var ErrStoreUninitialized = errors.New("uninitialized")

// HeightUnknownError is returned when loading a value at a height never saved.
type HeightUnknownError struct {
	Want uint64
}

func (e HeightUnknownError) Error() string {
	return fmt.Sprintf("unknown height %d", e.Want)
}

// TxUnknownError is returned when no receipt exists for a transaction hash.
type TxUnknownError struct {
	// Hex-encoded hash, so the error stays comparable.
	Hash string
}

func (e TxUnknownError) Error() string {
	return fmt.Sprintf("unknown transaction %s", e.Hash)
}

// BlockResultOverwriteError is returned from [BlockStore.SaveBlockResult]
// if a different result already exists at the given height.
// This error indicates a serious programming bug.
type BlockResultOverwriteError struct {
	Height uint64
}

func (e BlockResultOverwriteError) Error() string {
	return fmt.Sprintf(
		"attempted to overwrite existing block result with height = %d",
		e.Height,
	)
}

// CheckpointOverwriteError is returned from [CheckpointStore.SaveCheckpoint]
// when a different checkpoint exists for the same height.
// Checkpoints are derived deterministically, so this indicates a serious bug.
type CheckpointOverwriteError struct {
	ToHeight uint64
}

func (e CheckpointOverwriteError) Error() string {
	return fmt.Sprintf(
		"attempted to overwrite existing checkpoint with to_height = %d",
		e.ToHeight,
	)
}
