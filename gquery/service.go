// Package gquery is the read-only query surface of a subnet node,
// plus transaction submission into the node's mempool.
//
// [Service] answers from committed state and the block result store only;
// it never observes a block that is finalized but not yet committed.
package gquery

import (
	"context"
	"errors"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstore"
	"github.com/gordian-engine/gsubnet/gtopdown"
)

// ErrNotCommitted is returned by [*Service.StateRoot] before genesis is committed.
var ErrNotCommitted = errors.New("no committed state")

// StateSource exposes committed state.
// [*gstate.VersionedState] satisfies it.
type StateSource interface {
	Committed() (gstate.Root, bool)

	// RootAt returns [gstate.RootNotFoundError] for a height
	// that was never committed or is no longer retained.
	RootAt(height uint64) (gstate.Root, error)

	View(fn func(gstate.Reader) error) error
}

// TxSubmitter admits an encoded transaction, returning its hash.
type TxSubmitter interface {
	SubmitRawTx(ctx context.Context, raw []byte) ([]byte, error)
}

type ServiceConfig struct {
	State StateSource

	Store gstore.Store

	// Optional. Without it, [*Service.SubmitTx] fails with [ErrReadOnly].
	Submitter TxSubmitter
}

// ErrReadOnly is returned by [*Service.SubmitTx] on a service without a submitter.
var ErrReadOnly = errors.New("query service does not accept transactions")

type Service struct {
	state StateSource
	store gstore.Store
	sub   TxSubmitter
}

func NewService(cfg ServiceConfig) *Service {
	return &Service{
		state: cfg.State,
		store: cfg.Store,
		sub:   cfg.Submitter,
	}
}

// StateRoot returns the latest committed state root.
func (s *Service) StateRoot() (gstate.Root, error) {
	r, ok := s.state.Committed()
	if !ok {
		return gstate.Root{}, ErrNotCommitted
	}
	return r, nil
}

// StateRootAt returns the committed state root at height.
func (s *Service) StateRootAt(height uint64) (gstate.Root, error) {
	return s.state.RootAt(height)
}

// Faults returns every top-down vote equivocation recorded in committed state.
func (s *Service) Faults() ([]gtopdown.Equivocation, error) {
	var out []gtopdown.Equivocation
	err := s.state.View(func(r gstate.Reader) error {
		var err error
		out, err = gtopdown.Faults(r)
		return err
	})
	return out, err
}

// Receipt returns the receipt of a committed transaction.
// An unknown hash results in [gstore.TxUnknownError].
func (s *Service) Receipt(ctx context.Context, txHash []byte) (gchain.Receipt, error) {
	return s.store.Receipt(ctx, txHash)
}

// LatestCheckpoint returns the most recently created bottom-up checkpoint,
// or [gstore.ErrStoreUninitialized] if none exists yet.
func (s *Service) LatestCheckpoint(ctx context.Context) (gchain.BottomUpCheckpoint, error) {
	return s.store.LatestCheckpoint(ctx)
}

// Certificate returns the certificate for the checkpoint ending at toHeight.
// A height without one results in [gstore.HeightUnknownError].
func (s *Service) Certificate(ctx context.Context, toHeight uint64) (gchain.CheckpointCertificate, error) {
	return s.store.LoadCertificate(ctx, toHeight)
}

// SubmitTx hands raw to the node's mempool.
func (s *Service) SubmitTx(ctx context.Context, raw []byte) ([]byte, error) {
	if s.sub == nil {
		return nil, ErrReadOnly
	}
	return s.sub.SubmitRawTx(ctx, raw)
}
