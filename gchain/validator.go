package gchain

import (
	"bytes"
	"fmt"
	"slices"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/gsubnet/gcrypto"
)

// Validator is the simple representation of a validator,
// just a public key and a voting power.
type Validator struct {
	PubKey gcrypto.PubKey
	Power  uint64
}

// ValidatorSet is a fixed, ordered collection of validators.
// A validator's position in Validators is its index in signature bit sets.
//
// ValidatorSet values are immutable snapshots;
// use [ApplyValidatorChanges] to derive a new set.
type ValidatorSet struct {
	Validators []Validator

	PubKeyHash, PowerHash []byte

	TotalPower uint64

	// string(pub key bytes) -> index in Validators.
	idx map[string]int
}

// NewValidatorSet sorts vs with [SortValidators] and returns the resulting set
// with hashes calculated through reg.
//
// NewValidatorSet assumes ownership over vs.
// Validators with zero power are excluded.
func NewValidatorSet(reg *gcrypto.Registry, vs []Validator) (ValidatorSet, error) {
	vs = slices.DeleteFunc(vs, func(v Validator) bool { return v.Power == 0 })
	if len(vs) == 0 {
		return ValidatorSet{}, ErrEmptyValidatorSet
	}

	SortValidators(vs)

	s := ValidatorSet{
		Validators: vs,
		idx:        make(map[string]int, len(vs)),
	}

	for i, v := range vs {
		k := string(v.PubKey.PubKeyBytes())
		if _, dup := s.idx[k]; dup {
			return ValidatorSet{}, fmt.Errorf("duplicate validator key %x", v.PubKey.PubKeyBytes())
		}
		s.idx[k] = i

		next := s.TotalPower + v.Power
		if next < s.TotalPower {
			return ValidatorSet{}, fmt.Errorf("total validator power overflows uint64")
		}
		s.TotalPower = next
	}

	s.PubKeyHash = HashPubKeys(reg, ValidatorsToPubKeys(vs))
	s.PowerHash = HashPowers(ValidatorsToPowers(vs))

	return s, nil
}

// Index returns the position of the validator with the given key,
// or -1 if the key is not in the set.
func (s ValidatorSet) Index(pubKey gcrypto.PubKey) int {
	if i, ok := s.idx[string(pubKey.PubKeyBytes())]; ok {
		return i
	}
	return -1
}

// PowerOfBits sums the power of the validators whose indices are set in bits.
func (s ValidatorSet) PowerOfBits(bits *bitset.BitSet) uint64 {
	var p uint64
	for i, ok := bits.NextSet(0); ok && int(i) < len(s.Validators); i, ok = bits.NextSet(i + 1) {
		p += s.Validators[i].Power
	}
	return p
}

// Equal reports whether the collection of validators and the calculated hashes
// are the same in s and other.
func (s ValidatorSet) Equal(other ValidatorSet) bool {
	return bytes.Equal(s.PubKeyHash, other.PubKeyHash) &&
		bytes.Equal(s.PowerHash, other.PowerHash) &&
		slices.EqualFunc(s.Validators, other.Validators, func(a, b Validator) bool {
			return a.Power == b.Power && a.PubKey.Equal(b.PubKey)
		})
}

// SortValidators sorts vs in-place, by power descending,
// and then by public key ascending.
func SortValidators(vs []Validator) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].Power == vs[j].Power {
			return bytes.Compare(vs[i].PubKey.PubKeyBytes(), vs[j].PubKey.PubKeyBytes()) < 0
		}
		return vs[i].Power > vs[j].Power
	})
}

// ValidatorsToPubKeys returns a slice of just the public keys of vs.
func ValidatorsToPubKeys(vs []Validator) []gcrypto.PubKey {
	out := make([]gcrypto.PubKey, len(vs))
	for i, v := range vs {
		out[i] = v.PubKey
	}
	return out
}

// ValidatorsToPowers returns a slice of just the powers of vs.
func ValidatorsToPowers(vs []Validator) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = v.Power
	}
	return out
}

// ValidatorChange sets the power of one validator.
// A zero power removes the validator.
// Changes are delivered from the parent chain inside agreed observations.
type ValidatorChange struct {
	ConfigurationNumber uint64 `json:"configuration_number"`

	// Registry-encoded public key.
	PubKey []byte `json:"pub_key"`

	Power uint64 `json:"power"`
}

// ApplyValidatorChanges returns a new set derived from s with changes applied in order.
// s is not modified.
func ApplyValidatorChanges(reg *gcrypto.Registry, s ValidatorSet, changes []ValidatorChange) (ValidatorSet, error) {
	vs := slices.Clone(s.Validators)

	for i, c := range changes {
		pk, err := reg.Unmarshal(c.PubKey)
		if err != nil {
			return ValidatorSet{}, fmt.Errorf("change %d: invalid public key: %w", i, err)
		}

		j := slices.IndexFunc(vs, func(v Validator) bool { return v.PubKey.Equal(pk) })
		switch {
		case j < 0 && c.Power > 0:
			vs = append(vs, Validator{PubKey: pk, Power: c.Power})
		case j >= 0:
			vs[j].Power = c.Power
		}
	}

	return NewValidatorSet(reg, vs)
}

// EncodedValidator is the stable encoding of a [Validator].
type EncodedValidator struct {
	PubKey []byte `json:"pub_key"`
	Power  uint64 `json:"power"`
}

// EncodeValidators returns the stable encoding of vs.
func EncodeValidators(reg *gcrypto.Registry, vs []Validator) []EncodedValidator {
	out := make([]EncodedValidator, len(vs))
	for i, v := range vs {
		out[i] = EncodedValidator{PubKey: reg.Marshal(v.PubKey), Power: v.Power}
	}
	return out
}

// DecodeValidators is the inverse of [EncodeValidators].
func DecodeValidators(reg *gcrypto.Registry, evs []EncodedValidator) ([]Validator, error) {
	out := make([]Validator, len(evs))
	for i, ev := range evs {
		pk, err := reg.Unmarshal(ev.PubKey)
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
		out[i] = Validator{PubKey: pk, Power: ev.Power}
	}
	return out, nil
}
