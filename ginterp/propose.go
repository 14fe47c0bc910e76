package ginterp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/trace"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gmempool"
	"github.com/gordian-engine/gsubnet/gstore"
	"github.com/gordian-engine/gsubnet/internal/glog"
)

// blockBudget tracks the chain limits of a single proposal.
type blockBudget struct {
	p gchain.ChainParams

	txs   int
	bytes int
	gas   uint64
}

// fits reports whether a transaction of n bytes and gas fits the remaining budget.
func (b blockBudget) fits(n int, gas uint64) bool {
	return b.txs+1 <= b.p.MaxBlockTxs &&
		b.bytes+n <= b.p.MaxBlockBytes &&
		b.gas+gas <= b.p.MaxBlockGas
}

func (b *blockBudget) add(n int, gas uint64) error {
	b.txs++
	b.bytes += n
	b.gas += gas
	switch {
	case b.txs > b.p.MaxBlockTxs:
		return BudgetExceededError{Budget: "block txs", Max: uint64(b.p.MaxBlockTxs), Got: uint64(b.txs)}
	case b.bytes > b.p.MaxBlockBytes:
		return BudgetExceededError{Budget: "block bytes", Max: uint64(b.p.MaxBlockBytes), Got: uint64(b.bytes)}
	case b.gas > b.p.MaxBlockGas:
		return BudgetExceededError{Budget: "block gas", Max: b.p.MaxBlockGas, Got: b.gas}
	}
	return nil
}

func gasOf(tx gchain.Transaction) uint64 {
	if tx.User != nil {
		return tx.User.GasLimit
	}
	return 0
}

// Prepare assembles the proposal for req.Height from the engine's candidates
// followed by the mempool's buffered transactions.
//
// Every transaction is re-checked in arrival order and anything failing is dropped.
// User transactions come first, then the votes for the next open range,
// then the signatures for the oldest pending checkpoint,
// all within the block budgets.
func (in *Interpreter) Prepare(ctx context.Context, req PrepareRequest) (PrepareResponse, error) {
	defer trace.StartRegion(ctx, "ginterp.Prepare").End()

	if in.sys == nil {
		return PrepareResponse{}, ErrNotInitialized
	}
	log := glog.H(in.log, req.Height)

	if txs, ok, err := in.interruptedBlock(ctx, req.Height); err != nil {
		return PrepareResponse{}, err
	} else if ok {
		log.Info("Proposing the block of an interrupted commit again", "txs", len(txs))
		return PrepareResponse{Txs: txs}, nil
	}

	cs, err := in.committedCheckState(req.Height)
	if err != nil {
		return PrepareResponse{}, err
	}

	entries := make([]gmempool.Entry, 0, len(req.Candidates))
	for _, raw := range req.Candidates {
		e, err := gmempool.NewEntry(raw)
		if err != nil {
			log.Warn("Dropping undecodable candidate", "hash", glog.Hex(gchain.TxHash(raw)), "err", err)
			continue
		}
		entries = append(entries, e)
	}
	entries = in.pool.Buffered(ctx, entries)

	budget := blockBudget{p: in.sys.Params}
	seen := make(map[string]struct{}, len(entries))
	voters := make(map[string]struct{})
	var users, votes, sigs []gmempool.Entry

	for _, e := range entries {
		if _, ok := seen[string(e.Hash)]; ok {
			continue
		}
		seen[string(e.Hash)] = struct{}{}

		next, err := in.checker.CheckTx(ctx, cs, e.Tx)
		if err != nil {
			if !errors.As(err, new(RejectError)) {
				return PrepareResponse{}, err
			}
			log.Debug("Dropping transaction from proposal", "hash", glog.Hex(e.Hash), "err", err)
			continue
		}
		stale, err := isStale(cs, e.Tx)
		if err != nil {
			return PrepareResponse{}, err
		}
		if stale {
			continue
		}

		switch {
		case e.Tx.User != nil:
			if !budget.fits(len(e.Raw), e.Tx.User.GasLimit) {
				continue
			}
			_ = budget.add(len(e.Raw), e.Tx.User.GasLimit)
			users = append(users, e)
			cs = next

		case e.Tx.Vote != nil:
			// Votes passing the check all start at the next open range.
			// One per voter; a second would only be an equivocation.
			if _, ok := voters[string(e.Tx.Vote.Voter)]; ok {
				continue
			}
			voters[string(e.Tx.Vote.Voter)] = struct{}{}
			votes = append(votes, e)

		case e.Tx.CheckpointSig != nil:
			sigs = append(sigs, e)
		}
	}

	sigs = oldestCheckpointSigs(sigs)

	out := make([][]byte, 0, len(users)+len(votes)+len(sigs))
	for _, e := range users {
		out = append(out, e.Raw)
	}
	for _, group := range [][]gmempool.Entry{votes, sigs} {
		for _, e := range group {
			if !budget.fits(len(e.Raw), 0) {
				break
			}
			_ = budget.add(len(e.Raw), 0)
			out = append(out, e.Raw)
		}
	}

	log.Debug(
		"Prepared proposal",
		"users", len(users), "votes", len(votes), "checkpoint_sigs", len(sigs), "bytes", budget.bytes,
	)
	return PrepareResponse{Txs: out}, nil
}

// interruptedBlock returns the transactions of the block at height
// if its result was stored but the state commit never happened.
func (in *Interpreter) interruptedBlock(ctx context.Context, height uint64) ([][]byte, bool, error) {
	if root, _ := in.state.Committed(); height != root.Height+1 {
		return nil, false, nil
	}

	r, err := in.store.LoadBlockResult(ctx, height)
	if err != nil {
		if errors.As(err, new(gstore.HeightUnknownError)) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to check for interrupted commit: %w", err)
	}

	txs, err := gchain.DecodeBlockData(bytes.NewReader(r.BlockData))
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode stored block data at height %d: %w", height, err)
	}
	return txs, true, nil
}

// oldestCheckpointSigs keeps the signatures for the lowest checkpoint height,
// one per signer.
func oldestCheckpointSigs(sigs []gmempool.Entry) []gmempool.Entry {
	if len(sigs) == 0 {
		return nil
	}
	oldest := sigs[0].Tx.CheckpointSig.Height
	for _, e := range sigs[1:] {
		oldest = min(oldest, e.Tx.CheckpointSig.Height)
	}

	signers := make(map[string]struct{}, len(sigs))
	out := sigs[:0]
	for _, e := range sigs {
		s := e.Tx.CheckpointSig
		if s.Height != oldest {
			continue
		}
		if _, ok := signers[string(s.Signer)]; ok {
			continue
		}
		signers[string(s.Signer)] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Process validates a proposal for req.Height against committed state.
// Any invalid transaction, exceeded budget or misordering rejects the proposal.
// A non-nil error means the proposal could not be evaluated at all.
func (in *Interpreter) Process(ctx context.Context, req ProcessRequest) (ProcessResponse, error) {
	defer trace.StartRegion(ctx, "ginterp.Process").End()

	if in.sys == nil {
		return ProcessResponse{}, ErrNotInitialized
	}

	cs, err := in.committedCheckState(req.Height)
	if err != nil {
		return ProcessResponse{}, err
	}

	reject := func(err error) (ProcessResponse, error) {
		in.log.Info("Rejecting proposal", "height", req.Height, "err", err)
		return ProcessResponse{Reason: err}, nil
	}

	budget := blockBudget{p: in.sys.Params}
	lastKind := gchain.TxKindUser
	var voteStart, sigHeight *uint64

	for i, raw := range req.Txs {
		tx, err := gchain.UnmarshalTx(raw)
		if err != nil {
			return reject(RejectError{Kind: gchain.TxKindInvalid, Err: err})
		}
		if err := budget.add(len(raw), gasOf(tx)); err != nil {
			return reject(err)
		}

		next, err := in.checker.CheckTx(ctx, cs, tx)
		if err != nil {
			if errors.As(err, new(RejectError)) {
				return reject(fmt.Errorf("transaction %d: %w", i, err))
			}
			return ProcessResponse{}, err
		}

		k := tx.Kind()
		if k < lastKind {
			return reject(ProposalOrderError{Index: i, Reason: fmt.Sprintf("%s after %s", k, lastKind)})
		}
		lastKind = k

		switch {
		case tx.Vote != nil:
			s := tx.Vote.Observation.Start
			if voteStart != nil && *voteStart != s {
				return reject(ProposalOrderError{Index: i, Reason: "votes for more than one range"})
			}
			voteStart = &s
		case tx.CheckpointSig != nil:
			h := tx.CheckpointSig.Height
			if sigHeight != nil && *sigHeight != h {
				return reject(ProposalOrderError{Index: i, Reason: "signatures for more than one checkpoint"})
			}
			sigHeight = &h
		}

		cs = next
	}

	return ProcessResponse{Accept: true}, nil
}
