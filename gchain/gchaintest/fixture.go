// Package gchaintest contains fixtures for building signed gsubnet values in tests.
package gchaintest

import (
	"context"
	"fmt"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gcrypto/gcryptotest"
)

// accountOffset separates account keys from validator keys
// within the deterministic signer sequence.
const accountOffset = 64

// Fixture is a set of deterministic validators and accounts.
type Fixture struct {
	Registry *gcrypto.Registry

	Validators []gcrypto.Ed25519Signer
	Powers     []uint64

	Accounts []gcrypto.Ed25519Signer

	ChainID, SubnetID string
}

// NewFixture returns a fixture with one validator per power value
// and four accounts.
func NewFixture(powers ...uint64) *Fixture {
	if len(powers) >= accountOffset {
		panic(fmt.Errorf("BUG: too many validators for fixture (%d)", len(powers)))
	}

	all := gcryptotest.DeterministicEd25519Signers(accountOffset + 4)
	return &Fixture{
		Registry:   gcrypto.NewDefaultRegistry(),
		Validators: all[:len(powers)],
		Powers:     powers,
		Accounts:   all[accountOffset:],
		ChainID:    "gsubnet-test",
		SubnetID:   "/root/t01",
	}
}

// PubKey returns the registry encoding of validator i's key.
func (f *Fixture) PubKey(i int) []byte {
	return f.Registry.Marshal(f.Validators[i].PubKey())
}

// AccountKey returns the registry encoding of account i's key.
func (f *Fixture) AccountKey(i int) []byte {
	return f.Registry.Marshal(f.Accounts[i].PubKey())
}

// ValidatorSet returns the fixture's validator set.
func (f *Fixture) ValidatorSet() gchain.ValidatorSet {
	vs := make([]gchain.Validator, len(f.Validators))
	for i, s := range f.Validators {
		vs[i] = gchain.Validator{PubKey: s.PubKey(), Power: f.Powers[i]}
	}
	set, err := gchain.NewValidatorSet(f.Registry, vs)
	if err != nil {
		panic(err)
	}
	return set
}

// Genesis returns a genesis document for the fixture
// with top-down observations starting at topdownStart.
func (f *Fixture) Genesis(topdownStart uint64) gchain.Genesis {
	evs := make([]gchain.EncodedValidator, len(f.Validators))
	for i := range f.Validators {
		evs[i] = gchain.EncodedValidator{PubKey: f.PubKey(i), Power: f.Powers[i]}
	}
	return gchain.Genesis{
		ChainID:       f.ChainID,
		SubnetID:      f.SubnetID,
		InitialHeight: 1,
		Validators:    evs,
		TopdownStart:  topdownStart,
	}
}

// UserTx returns a signed user transaction from account i.
func (f *Fixture) UserTx(i int, nonce uint64, payload []byte) gchain.Transaction {
	tx := gchain.UserTx{
		Sender:   f.AccountKey(i),
		Nonce:    nonce,
		GasLimit: 1000,
		Payload:  payload,
	}
	sig, err := f.Accounts[i].Sign(context.Background(), tx.SignBytes())
	if err != nil {
		panic(err)
	}
	tx.Signature = sig
	return gchain.Transaction{User: &tx}
}

// Vote returns an observation vote signed by validator i.
func (f *Fixture) Vote(i int, obs gchain.TopdownObservation) gchain.Transaction {
	v := gchain.ObservationVote{
		Voter:       f.PubKey(i),
		Observation: obs.Canonical(),
	}
	sig, err := f.Validators[i].Sign(context.Background(), v.SignBytes())
	if err != nil {
		panic(err)
	}
	v.Signature = sig
	return gchain.Transaction{Vote: &v}
}

// CheckpointSig returns validator i's signature over cp.
func (f *Fixture) CheckpointSig(i int, cp gchain.BottomUpCheckpoint) gchain.Transaction {
	h := cp.Hash()
	sig, err := f.Validators[i].Sign(context.Background(), gchain.CheckpointSignBytes(h))
	if err != nil {
		panic(err)
	}
	return gchain.Transaction{CheckpointSig: &gchain.CheckpointSignature{
		Signer:         f.PubKey(i),
		Height:         cp.ToHeight,
		CheckpointHash: h,
		Signature:      sig,
	}}
}

// Observation returns a simple observation over [start, end)
// with a block hash derived from end.
func Observation(start, end uint64, msgs ...gchain.CrossMsg) gchain.TopdownObservation {
	return gchain.TopdownObservation{
		Start:     start,
		End:       end,
		BlockHash: []byte(fmt.Sprintf("parent-block-%d", end-1)),
		Messages:  msgs,
	}.Canonical()
}

// MustMarshal encodes tx or panics.
func MustMarshal(tx gchain.Transaction) []byte {
	b, err := gchain.MarshalTx(tx)
	if err != nil {
		panic(err)
	}
	return b
}
