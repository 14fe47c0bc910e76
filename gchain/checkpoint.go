package gchain

import (
	"encoding/json"
	"fmt"

	"github.com/gordian-engine/gsubnet/gcrypto"
)

// BottomUpCheckpoint summarizes subnet finality for one checkpoint period.
// Every validator derives the identical checkpoint from committed state.
type BottomUpCheckpoint struct {
	SubnetID string `json:"subnet_id"`

	// Index of the checkpoint period.
	Epoch uint64 `json:"epoch"`

	// Inclusive subnet height range covered by the checkpoint.
	FromHeight uint64 `json:"from_height"`
	ToHeight   uint64 `json:"to_height"`

	// Committed state root at ToHeight.
	StateRoot []byte `json:"state_root"`

	// Merkle root of the bottom-up messages emitted in the period,
	// empty when there were none.
	OutboxRoot  []byte `json:"outbox_root"`
	OutboxCount uint64 `json:"outbox_count"`

	// Configuration number of the validator set active at ToHeight.
	ConfigurationNumber uint64 `json:"configuration_number"`
}

// Hash returns the identifier of c.
func (c BottomUpCheckpoint) Hash() []byte {
	if c.OutboxRoot == nil {
		c.OutboxRoot = []byte{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Errorf("BUG: failed to marshal checkpoint: %w", err))
	}
	return domainHash(domainCheckpoint, b)
}

// CheckpointSignBytes returns the bytes a validator signs to endorse
// the checkpoint with the given hash.
func CheckpointSignBytes(checkpointHash []byte) []byte {
	return domainHash(domainCheckpoint+"/sign", checkpointHash)
}

// CheckpointCertificate is a checkpoint together with validator signatures
// representing at least the quorum threshold of power.
type CheckpointCertificate struct {
	Checkpoint BottomUpCheckpoint `json:"checkpoint"`

	// PubKeyHash of the validator set the signatures index into.
	ValidatorSetHash []byte `json:"validator_set_hash"`

	Proof gcrypto.SparseSignatureProof `json:"proof"`

	// Power represented by the signatures, and the threshold it met.
	Power     uint64 `json:"power"`
	Threshold uint64 `json:"threshold"`
}
