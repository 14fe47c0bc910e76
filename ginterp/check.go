package ginterp

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gmempool"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gtopdown"
)

// CheckState is the immutable view a transaction is checked against:
// a state reader for the block at Height,
// with the nonces of transactions already admitted on top of it.
//
// Checking a transaction returns a new CheckState;
// the receiver is never modified, so earlier values stay valid.
type CheckState struct {
	r      gstate.Reader
	sys    *System
	td     gtopdown.State
	height uint64

	nonces *nonceEntry
}

// nonceEntry is one link of a persistent list of admitted nonces.
type nonceEntry struct {
	addr   string
	next   uint64
	parent *nonceEntry
}

// NewCheckState returns a CheckState for transactions in the block at height,
// reading the replicated state from r.
func NewCheckState(r gstate.Reader, sys *System, height uint64) (CheckState, error) {
	td, err := gtopdown.LoadState(r)
	if err != nil {
		return CheckState{}, err
	}
	return CheckState{r: r, sys: sys, td: td, height: height}, nil
}

// Height is the height of the block being checked for.
func (cs CheckState) Height() uint64 {
	return cs.height
}

func (cs CheckState) nextNonce(addr string) (uint64, error) {
	for e := cs.nonces; e != nil; e = e.parent {
		if e.addr == addr {
			return e.next, nil
		}
	}
	return NextNonce(cs.r, addr)
}

func (cs CheckState) withNonce(addr string, next uint64) CheckState {
	cs.nonces = &nonceEntry{addr: addr, next: next, parent: cs.nonces}
	return cs
}

// Checker validates transactions without modifying state.
type Checker struct {
	reg *gcrypto.Registry
}

func NewChecker(reg *gcrypto.Registry) Checker {
	return Checker{reg: reg}
}

// CheckTx checks tx against cs.
// Failures of the transaction itself are returned as [RejectError];
// any other error means the state could not be read.
func (c Checker) CheckTx(_ context.Context, cs CheckState, tx gchain.Transaction) (CheckState, error) {
	var err error
	switch tx.Kind() {
	case gchain.TxKindUser:
		var next CheckState
		next, err = c.checkUser(cs, *tx.User)
		if err == nil {
			return next, nil
		}
	case gchain.TxKindObservationVote:
		err = c.checkVote(cs, *tx.Vote)
	case gchain.TxKindCheckpointSignature:
		_, err = gbottomup.CheckSignature(cs.r, c.reg, cs.sys.Validators, *tx.CheckpointSig)
	default:
		err = gchain.MalformedTxError{Err: errors.New("exactly one transaction variant must be set")}
	}

	if err == nil {
		return cs, nil
	}
	if isRejection(err) {
		return cs, RejectError{Kind: tx.Kind(), Err: err}
	}
	return cs, err
}

func (c Checker) checkUser(cs CheckState, tx gchain.UserTx) (CheckState, error) {
	p := cs.sys.Params
	if len(tx.Payload) == 0 {
		return cs, gchain.MalformedTxError{Err: errors.New("empty payload")}
	}
	if len(tx.Payload) > p.MaxTxBytes {
		return cs, BudgetExceededError{Budget: "tx bytes", Max: uint64(p.MaxTxBytes), Got: uint64(len(tx.Payload))}
	}
	if tx.GasLimit == 0 {
		// Block gas budgets count the declared limit.
		return cs, gchain.MalformedTxError{Err: errors.New("gas limit must be positive")}
	}
	if tx.GasLimit > p.MaxBlockGas {
		return cs, BudgetExceededError{Budget: "tx gas", Max: p.MaxBlockGas, Got: tx.GasLimit}
	}

	pk, err := c.reg.Unmarshal(tx.Sender)
	if err != nil {
		return cs, gchain.MalformedTxError{Err: fmt.Errorf("bad sender key: %w", err)}
	}
	if !pk.Verify(tx.SignBytes(), tx.Signature) {
		return cs, gchain.ErrInvalidSignature
	}

	addr := gchain.Address(tx.Sender)
	want, err := cs.nextNonce(addr)
	if err != nil {
		return cs, err
	}
	if tx.Nonce != want {
		return cs, gchain.NonceMismatchError{Sender: addr, Want: want, Got: tx.Nonce}
	}
	return cs.withNonce(addr, want+1), nil
}

func (c Checker) checkVote(cs CheckState, v gchain.ObservationVote) error {
	snapHeight := cs.td.RoundSnapshotHeight(cs.height)
	snap, ok := cs.sys.Validators.At(snapHeight)
	if !ok {
		return gchain.UnknownValidatorError{PubKey: v.Voter, Height: snapHeight}
	}

	pk, err := c.reg.Unmarshal(v.Voter)
	if err != nil {
		return gchain.MalformedTxError{Err: fmt.Errorf("bad voter key: %w", err)}
	}
	if snap.Set.Index(pk) < 0 {
		return gchain.UnknownValidatorError{PubKey: v.Voter, Height: snapHeight}
	}
	if !pk.Verify(v.SignBytes(), v.Signature) {
		return gchain.ErrInvalidSignature
	}

	if err := cs.td.CheckRange(v.Observation, cs.sys.Params.MaxProposalRange); err != nil {
		return rangeRejection{err}
	}
	return nil
}

// rangeRejection marks every observation validation failure as a rejection,
// including the untyped ones.
type rangeRejection struct{ error }

func (e rangeRejection) Unwrap() error { return e.error }

func isRejection(err error) bool {
	switch {
	case errors.As(err, new(gchain.MalformedTxError)),
		errors.As(err, new(gchain.NonceMismatchError)),
		errors.As(err, new(gchain.UnknownValidatorError)),
		errors.As(err, new(BudgetExceededError)),
		errors.As(err, new(rangeRejection)),
		errors.As(err, new(gbottomup.UnknownCheckpointError)),
		errors.As(err, new(gbottomup.CheckpointHashMismatchError)),
		errors.Is(err, gchain.ErrInvalidSignature):
		return true
	}
	return false
}

// isStale reports whether an already checked vote or checkpoint signature
// would change nothing if executed on top of cs.
func isStale(cs CheckState, tx gchain.Transaction) (bool, error) {
	switch {
	case tx.Vote != nil:
		h := tx.Vote.Observation.Hash()
		return cs.td.IsLastAgreed(h) || bytes.Equal(cs.td.VotedTarget(tx.Vote.Voter), h), nil

	case tx.CheckpointSig != nil:
		p, ok, err := gbottomup.LoadPending(cs.r, tx.CheckpointSig.Height)
		if err != nil || !ok {
			// Not pending after a successful check means certified.
			return err == nil, err
		}
		_, signed := p.Signatures[hex.EncodeToString(tx.CheckpointSig.Signer)]
		return signed, nil
	}
	return false, nil
}

// admit is the [gmempool.CheckFunc] of the node's mempool.
// Stale transactions are refused so they do not linger in the pool.
func (c Checker) admit(ctx context.Context, cs CheckState, e gmempool.Entry) (CheckState, error) {
	next, err := c.CheckTx(ctx, cs, e.Tx)
	if err != nil {
		if errors.As(err, new(RejectError)) {
			return cs, gmempool.TxInvalidError{Err: err}
		}
		return cs, err
	}

	stale, err := isStale(cs, e.Tx)
	if err != nil {
		return cs, err
	}
	if stale {
		return cs, gmempool.TxInvalidError{Err: RejectError{Kind: e.Tx.Kind(), Err: ErrStaleTx}}
	}
	return next, nil
}

// NewMempool returns a mempool admitting transactions through c.
// It must be initialized with the committed [CheckState],
// which [NewInterpreter] and [*Interpreter.InitChain] do.
func NewMempool(ctx context.Context, log *slog.Logger, cfg gmempool.Config, c Checker) *gmempool.Pool[CheckState] {
	return gmempool.New(ctx, log, cfg, c.admit)
}
