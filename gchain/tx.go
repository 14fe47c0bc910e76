package gchain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// TxKind identifies which variant of a [Transaction] is set.
type TxKind uint8

const (
	TxKindInvalid TxKind = iota
	TxKindUser
	TxKindObservationVote
	TxKindCheckpointSignature
)

func (k TxKind) String() string {
	switch k {
	case TxKindUser:
		return "user"
	case TxKindObservationVote:
		return "observation_vote"
	case TxKindCheckpointSignature:
		return "checkpoint_signature"
	default:
		return fmt.Sprintf("TxKind(%d)", uint8(k))
	}
}

// Transaction is the tagged union of everything that flows through admission
// and into proposals. Exactly one field is set.
//
// Top-down votes and bottom-up checkpoint signatures are ordinary transactions,
// so they are ordered, replicated and replayed exactly like user transactions.
type Transaction struct {
	User          *UserTx              `json:"user,omitempty"`
	Vote          *ObservationVote     `json:"vote,omitempty"`
	CheckpointSig *CheckpointSignature `json:"checkpoint_sig,omitempty"`
}

// Kind reports which variant is set,
// or [TxKindInvalid] if not exactly one is.
func (tx Transaction) Kind() TxKind {
	n := 0
	k := TxKindInvalid
	if tx.User != nil {
		n++
		k = TxKindUser
	}
	if tx.Vote != nil {
		n++
		k = TxKindObservationVote
	}
	if tx.CheckpointSig != nil {
		n++
		k = TxKindCheckpointSignature
	}
	if n != 1 {
		return TxKindInvalid
	}
	return k
}

// UserTx is a signed state-transition request from an account.
type UserTx struct {
	// Registry-encoded public key of the sender.
	Sender []byte `json:"sender"`

	Nonce    uint64 `json:"nonce"`
	GasLimit uint64 `json:"gas_limit"`

	// Opaque to the interpreter; interpreted by the execution engine.
	Payload []byte `json:"payload"`

	Signature []byte `json:"signature,omitempty"`
}

// SignBytes returns the bytes the sender signs.
func (tx UserTx) SignBytes() []byte {
	tx.Signature = nil
	b, err := json.Marshal(tx)
	if err != nil {
		panic(fmt.Errorf("BUG: failed to marshal user tx: %w", err))
	}
	return domainHash(domainUserTxSign, b)
}

// ObservationVote is a validator's endorsement of a top-down observation.
type ObservationVote struct {
	// Registry-encoded public key of the voting validator.
	Voter []byte `json:"voter"`

	Observation TopdownObservation `json:"observation"`

	Signature []byte `json:"signature,omitempty"`
}

// SignBytes returns the bytes the voter signs.
func (v ObservationVote) SignBytes() []byte {
	return domainHash(domainVoteSign, v.Observation.Hash())
}

// CheckpointSignature is a validator's signature over a bottom-up checkpoint.
type CheckpointSignature struct {
	// Registry-encoded public key of the signing validator.
	Signer []byte `json:"signer"`

	// The checkpoint's ToHeight, identifying the checkpoint period.
	Height uint64 `json:"height"`

	CheckpointHash []byte `json:"checkpoint_hash"`

	Signature []byte `json:"signature"`
}

// MarshalTx returns the canonical encoding of tx.
func MarshalTx(tx Transaction) ([]byte, error) {
	if tx.Kind() == TxKindInvalid {
		return nil, MalformedTxError{Err: errors.New("exactly one transaction variant must be set")}
	}

	if tx.Vote != nil {
		v := *tx.Vote
		v.Observation = v.Observation.Canonical()
		tx.Vote = &v
	}

	return json.Marshal(tx)
}

// UnmarshalTx decodes a transaction from its canonical encoding.
// Any other encoding of the same value is rejected with [ErrNonCanonical].
// All errors are wrapped in [MalformedTxError].
func UnmarshalTx(b []byte) (Transaction, error) {
	var tx Transaction
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tx); err != nil {
		return Transaction{}, MalformedTxError{Err: err}
	}
	if dec.More() {
		return Transaction{}, MalformedTxError{Err: errors.New("trailing data after transaction")}
	}

	canon, err := MarshalTx(tx)
	if err != nil {
		return Transaction{}, err
	}
	if !bytes.Equal(canon, b) {
		return Transaction{}, MalformedTxError{Err: ErrNonCanonical}
	}

	return tx, nil
}
