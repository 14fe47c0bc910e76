package gchain

import (
	"fmt"
	"slices"

	"github.com/gordian-engine/gsubnet/gcrypto"
)

// ValidatorSnapshot is a validator set together with the first height it applies to.
type ValidatorSnapshot struct {
	EffectiveFrom uint64

	// The parent's configuration number of the last change applied,
	// zero for the genesis set.
	// Bottom-up checkpoints carry it so the parent can tell which set signed.
	ConfigurationNumber uint64

	Set ValidatorSet
}

// ValidatorHistory is an ordered, append-only sequence of validator snapshots.
// The zero value has no snapshots.
//
// Quorum for anything tied to a height must be computed from [ValidatorHistory.At]
// for that height, never from the latest set.
type ValidatorHistory struct {
	snaps []ValidatorSnapshot
}

// At returns the snapshot in effect at height h.
func (h ValidatorHistory) At(height uint64) (ValidatorSnapshot, bool) {
	i, found := slices.BinarySearchFunc(h.snaps, height, func(s ValidatorSnapshot, t uint64) int {
		switch {
		case s.EffectiveFrom < t:
			return -1
		case s.EffectiveFrom > t:
			return 1
		default:
			return 0
		}
	})
	if found {
		return h.snaps[i], true
	}
	if i == 0 {
		return ValidatorSnapshot{}, false
	}
	return h.snaps[i-1], true
}

// Latest returns the most recently added snapshot.
func (h ValidatorHistory) Latest() (ValidatorSnapshot, bool) {
	if len(h.snaps) == 0 {
		return ValidatorSnapshot{}, false
	}
	return h.snaps[len(h.snaps)-1], true
}

// With returns a new history with s appended.
// The effective height must be strictly greater than the latest snapshot's.
// h is left unchanged.
func (h ValidatorHistory) With(s ValidatorSnapshot) (ValidatorHistory, error) {
	if last, ok := h.Latest(); ok && s.EffectiveFrom <= last.EffectiveFrom {
		return h, fmt.Errorf(
			"validator snapshot effective from %d does not follow latest effective from %d",
			s.EffectiveFrom, last.EffectiveFrom,
		)
	}

	snaps := make([]ValidatorSnapshot, len(h.snaps), len(h.snaps)+1)
	copy(snaps, h.snaps)
	return ValidatorHistory{snaps: append(snaps, s)}, nil
}

// Snapshots returns a copy of all snapshots, oldest first.
func (h ValidatorHistory) Snapshots() []ValidatorSnapshot {
	return slices.Clone(h.snaps)
}

// Len reports the number of snapshots.
func (h ValidatorHistory) Len() int {
	return len(h.snaps)
}

// EncodedSnapshot is the stable encoding of a [ValidatorSnapshot].
type EncodedSnapshot struct {
	EffectiveFrom       uint64             `json:"effective_from"`
	ConfigurationNumber uint64             `json:"configuration_number"`
	Validators          []EncodedValidator `json:"validators"`
}

// EncodeHistory returns the stable encoding of h.
func EncodeHistory(reg *gcrypto.Registry, h ValidatorHistory) []EncodedSnapshot {
	out := make([]EncodedSnapshot, len(h.snaps))
	for i, s := range h.snaps {
		out[i] = EncodedSnapshot{
			EffectiveFrom:       s.EffectiveFrom,
			ConfigurationNumber: s.ConfigurationNumber,
			Validators:          EncodeValidators(reg, s.Set.Validators),
		}
	}
	return out
}

// DecodeHistory is the inverse of [EncodeHistory].
func DecodeHistory(reg *gcrypto.Registry, es []EncodedSnapshot) (ValidatorHistory, error) {
	var h ValidatorHistory
	for i, e := range es {
		vs, err := DecodeValidators(reg, e.Validators)
		if err != nil {
			return ValidatorHistory{}, fmt.Errorf("snapshot %d: %w", i, err)
		}
		set, err := NewValidatorSet(reg, vs)
		if err != nil {
			return ValidatorHistory{}, fmt.Errorf("snapshot %d: %w", i, err)
		}
		h, err = h.With(ValidatorSnapshot{
			EffectiveFrom:       e.EffectiveFrom,
			ConfigurationNumber: e.ConfigurationNumber,
			Set:                 set,
		})
		if err != nil {
			return ValidatorHistory{}, err
		}
	}
	return h, nil
}

// NextSnapshot applies the changes numbered above latest's configuration number
// and returns the snapshot effective from effectiveFrom.
// Changes at or below latest's number were already applied and are skipped.
// The new snapshot takes the highest configuration number applied.
// ok is false when no change remains.
func NextSnapshot(
	reg *gcrypto.Registry, latest ValidatorSnapshot, effectiveFrom uint64, changes []ValidatorChange,
) (next ValidatorSnapshot, ok bool, err error) {
	var (
		fresh []ValidatorChange
		num   = latest.ConfigurationNumber
	)
	for _, c := range changes {
		if c.ConfigurationNumber <= latest.ConfigurationNumber {
			continue
		}
		fresh = append(fresh, c)
		num = max(num, c.ConfigurationNumber)
	}
	if len(fresh) == 0 {
		return ValidatorSnapshot{}, false, nil
	}

	set, err := ApplyValidatorChanges(reg, latest.Set, fresh)
	if err != nil {
		return ValidatorSnapshot{}, false, err
	}
	return ValidatorSnapshot{
		EffectiveFrom:       effectiveFrom,
		ConfigurationNumber: num,
		Set:                 set,
	}, true, nil
}
