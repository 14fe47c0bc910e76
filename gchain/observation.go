package gchain

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// CrossMsg is a message crossing a subnet boundary.
// Top-down messages are delivered in agreed observations;
// bottom-up messages are collected into checkpoint outboxes.
type CrossMsg struct {
	From string `json:"from"`
	To   string `json:"to"`

	// Top-down messages carry strictly sequential nonces assigned by the parent.
	Nonce uint64 `json:"nonce"`

	Value uint64 `json:"value"`

	Payload []byte `json:"payload"`
}

// Hash returns the identifier of m.
func (m CrossMsg) Hash() []byte {
	if m.Payload == nil {
		m.Payload = []byte{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Errorf("BUG: failed to marshal cross message: %w", err))
	}
	return domainHash(domainCrossMsg, b)
}

// TopdownObservation is a claim about parent-chain finality
// covering the parent height range [Start, End).
type TopdownObservation struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`

	// Hash of the parent block at the last non-null height in the range.
	BlockHash []byte `json:"block_hash"`

	Messages []CrossMsg `json:"messages"`

	ValidatorChanges []ValidatorChange `json:"validator_changes"`
}

// Canonical returns a copy of o with its sets in canonical order,
// so that validators observing the same data in a different order
// produce identical hashes.
func (o TopdownObservation) Canonical() TopdownObservation {
	out := TopdownObservation{
		Start:            o.Start,
		End:              o.End,
		BlockHash:        bytes.Clone(o.BlockHash),
		Messages:         slices.Clone(o.Messages),
		ValidatorChanges: slices.Clone(o.ValidatorChanges),
	}
	if out.BlockHash == nil {
		out.BlockHash = []byte{}
	}
	if out.Messages == nil {
		out.Messages = []CrossMsg{}
	}
	if out.ValidatorChanges == nil {
		out.ValidatorChanges = []ValidatorChange{}
	}
	for i := range out.Messages {
		if out.Messages[i].Payload == nil {
			out.Messages[i].Payload = []byte{}
		}
	}

	slices.SortFunc(out.Messages, func(a, b CrossMsg) int {
		if c := cmp.Compare(a.Nonce, b.Nonce); c != 0 {
			return c
		}
		return bytes.Compare(a.Hash(), b.Hash())
	})
	slices.SortStableFunc(out.ValidatorChanges, func(a, b ValidatorChange) int {
		if c := cmp.Compare(a.ConfigurationNumber, b.ConfigurationNumber); c != 0 {
			return c
		}
		return bytes.Compare(a.PubKey, b.PubKey)
	})

	return out
}

// Hash returns the identifier of o, independent of set ordering.
func (o TopdownObservation) Hash() []byte {
	b, err := json.Marshal(o.Canonical())
	if err != nil {
		panic(fmt.Errorf("BUG: failed to marshal observation: %w", err))
	}
	return domainHash(domainObservation, b)
}

// Validate checks the structural well-formedness of o.
// A maxRange of zero disables the range length check.
func (o TopdownObservation) Validate(maxRange uint64) error {
	if o.End <= o.Start {
		return ObservationRangeError{Start: o.Start, End: o.End, NextStart: o.Start, Reason: "empty range"}
	}
	if maxRange > 0 && o.End-o.Start > maxRange {
		return ObservationRangeError{
			Start: o.Start, End: o.End, NextStart: o.Start,
			Reason: fmt.Sprintf("range longer than %d", maxRange),
		}
	}
	if len(o.BlockHash) == 0 {
		return errors.New("observation missing block hash")
	}
	return nil
}
