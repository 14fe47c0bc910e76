package gtopdown

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gstate"
)

var (
	stateKey       = []byte("td/state")
	faultKeyPrefix = []byte("td/fault/")
)

// Agreed identifies the last agreed observation.
type Agreed struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Hash  []byte `json:"hash"`

	// Subnet height at which agreement was reached.
	Height uint64 `json:"height"`
}

// Round is an open voting round for the range beginning at Start.
type Round struct {
	Number uint64 `json:"number"`
	Start  uint64 `json:"start"`

	// Subnet height at which the round opened.
	// Voting power is taken from the validator snapshot at this height.
	OpenedAt uint64 `json:"opened_at"`

	// Hex voter key to hex observation hash.
	Votes map[string]string `json:"votes"`

	// Hex observation hash to observation.
	Targets map[string]gchain.TopdownObservation `json:"targets"`
}

// State is the replicated top-down voting state.
// It is loaded from and saved to versioned state within block execution.
type State struct {
	// Every new observation must start here.
	NextStart uint64 `json:"next_start"`

	// Nonce expected on the next top-down message.
	NextNonce uint64 `json:"next_nonce"`

	Last *Agreed `json:"last,omitempty"`

	Round *Round `json:"round,omitempty"`

	// Number assigned to the next round opened.
	NextRound uint64 `json:"next_round"`
}

// Equivocation is a validator voting for two different observations in one round.
type Equivocation struct {
	Height uint64 `json:"height"`
	Round  uint64 `json:"round"`
	Voter  []byte `json:"voter"`

	First  []byte `json:"first"`
	Second []byte `json:"second"`
}

// VoteOutcome is the effect of [*State.AddVote].
type VoteOutcome uint8

const (
	VoteCounted VoteOutcome = iota

	// Already counted, or for the last agreed observation.
	VoteNoop

	// Conflicts with the voter's earlier vote this round; ignored.
	VoteEquivocation
)

// NewState returns the initial state for a subnet whose observations
// begin at parent height start.
func NewState(start uint64) State {
	return State{NextStart: start}
}

// LoadState reads the state from r.
func LoadState(r gstate.Reader) (State, error) {
	b, ok, err := r.Get(stateKey)
	if err != nil {
		return State{}, fmt.Errorf("failed to read top-down state: %w", err)
	}
	if !ok {
		return State{}, fmt.Errorf("top-down state not initialized")
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode top-down state: %w", err)
	}
	return s, nil
}

// Save writes s to rw.
func (s State) Save(rw gstate.ReadWriter) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode top-down state: %w", err)
	}
	return rw.Set(stateKey, b)
}

// IsLastAgreed reports whether obsHash is the last agreed observation.
func (s State) IsLastAgreed(obsHash []byte) bool {
	return s.Last != nil && bytes.Equal(s.Last.Hash, obsHash)
}

// CheckRange verifies that obs may be voted on now.
// A vote for exactly the last agreed observation is permitted.
func (s State) CheckRange(obs gchain.TopdownObservation, maxRange uint64) error {
	if s.IsLastAgreed(obs.Hash()) {
		return nil
	}
	if err := obs.Validate(maxRange); err != nil {
		return err
	}
	if obs.Start != s.NextStart {
		reason := "skips ahead of next range"
		if obs.Start < s.NextStart {
			reason = "overlaps or precedes agreed range"
		}
		return gchain.ObservationRangeError{
			Start: obs.Start, End: obs.End, NextStart: s.NextStart,
			Reason: reason,
		}
	}
	return CheckNonces(obs.Canonical().Messages, s.NextNonce)
}

// RoundSnapshotHeight returns the height whose validator snapshot
// weighs a vote cast at height.
func (s State) RoundSnapshotHeight(height uint64) uint64 {
	if s.Round != nil {
		return s.Round.OpenedAt
	}
	return height
}

// VotedTarget returns the observation hash voter voted for in the open round.
func (s State) VotedTarget(voter []byte) []byte {
	if s.Round == nil {
		return nil
	}
	t, ok := s.Round.Votes[hex.EncodeToString(voter)]
	if !ok {
		return nil
	}
	h, _ := hex.DecodeString(t)
	return h
}

// AddVote records voter's vote for obs at height.
// The caller must have checked the vote with [State.CheckRange]
// and verified voter against the round snapshot.
func (s *State) AddVote(height uint64, voter []byte, obs gchain.TopdownObservation) (VoteOutcome, *Equivocation) {
	obs = obs.Canonical()
	hash := obs.Hash()
	if s.IsLastAgreed(hash) {
		return VoteNoop, nil
	}

	if s.Round == nil {
		s.Round = &Round{
			Number:   s.NextRound,
			Start:    s.NextStart,
			OpenedAt: height,
			Votes:    make(map[string]string),
			Targets:  make(map[string]gchain.TopdownObservation),
		}
		s.NextRound++
	}

	vk, hk := hex.EncodeToString(voter), hex.EncodeToString(hash)
	if prev, ok := s.Round.Votes[vk]; ok {
		if prev == hk {
			return VoteNoop, nil
		}
		first, _ := hex.DecodeString(prev)
		return VoteEquivocation, &Equivocation{
			Height: height,
			Round:  s.Round.Number,
			Voter:  bytes.Clone(voter),
			First:  first,
			Second: hash,
		}
	}

	s.Round.Votes[vk] = hk
	s.Round.Targets[hk] = obs
	return VoteCounted, nil
}

// Resolution is the outcome of [*State.Resolve].
type Resolution struct {
	Agreed *gchain.TopdownObservation

	Tally TallyResult

	// Set when the open round expired without agreement.
	Expired bool
}

// Resolve tallies the open round at the end of height,
// with voter powers from the round's snapshot.
// On agreement the round closes and the next range begins at the agreed end.
// A round without agreement expires once it has been open for roundBlocks blocks.
func (s *State) Resolve(height uint64, powers map[string]uint64, total uint64, q gchain.Fraction, roundBlocks uint64) Resolution {
	if s.Round == nil {
		return Resolution{}
	}

	votes := make(map[string]string, len(s.Round.Votes))
	for vk, hk := range s.Round.Votes {
		k, err := hex.DecodeString(vk)
		if err != nil {
			panic(fmt.Errorf("BUG: corrupt voter key %q in round: %w", vk, err))
		}
		votes[string(k)] = hk
	}

	res := Tally(powers, total, q, votes)
	if res.OK {
		obs := s.Round.Targets[res.Agreed]
		hash, _ := hex.DecodeString(res.Agreed)
		s.Last = &Agreed{Start: obs.Start, End: obs.End, Hash: hash, Height: height}
		s.NextStart = obs.End
		s.NextNonce += uint64(len(obs.Messages))
		s.Round = nil
		return Resolution{Agreed: &obs, Tally: res}
	}

	if height+1-s.Round.OpenedAt >= roundBlocks {
		s.Round = nil
		return Resolution{Tally: res, Expired: true}
	}
	return Resolution{Tally: res}
}

// RecordFault persists e.
func RecordFault(rw gstate.ReadWriter, e Equivocation) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode equivocation: %w", err)
	}
	key := binary.BigEndian.AppendUint64(bytes.Clone(faultKeyPrefix), e.Height)
	key = append(key, e.Voter...)
	return rw.Set(key, b)
}

// Faults returns every recorded equivocation, ordered by height.
func Faults(r gstate.Reader) ([]Equivocation, error) {
	var (
		out  []Equivocation
		derr error
	)
	if err := r.Iterate(faultKeyPrefix, func(_, v []byte) bool {
		var e Equivocation
		if derr = json.Unmarshal(v, &e); derr != nil {
			return false
		}
		out = append(out, e)
		return true
	}); err != nil {
		return nil, err
	}
	if derr != nil {
		return nil, fmt.Errorf("failed to decode equivocation: %w", derr)
	}
	return out, nil
}
