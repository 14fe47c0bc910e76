package ginterp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/trace"

	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gexec"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstore"
	"github.com/gordian-engine/gsubnet/gtopdown"
	"github.com/gordian-engine/gsubnet/internal/glog"
)

// Finalize executes the block at req.Height into a new pending overlay.
//
// Execution order is fixed:
// the checkpoint for the period ending at the previous height, if due;
// then every transaction in block order;
// then top-down resolution with its cross messages and validator changes,
// and at most one checkpoint certification.
//
// Any failure is an [InvariantError] and leaves no pending state.
func (in *Interpreter) Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResponse, error) {
	defer trace.StartRegion(ctx, "ginterp.Finalize").End()

	if in.sys == nil {
		return FinalizeResponse{}, ErrNotInitialized
	}
	if in.pending != nil {
		return FinalizeResponse{}, fmt.Errorf("height %d already finalized and not committed", in.pending.resp.Height)
	}

	ov, err := in.state.Begin(req.Height)
	if err != nil {
		return FinalizeResponse{}, err
	}

	sys := *in.sys
	resp, err := in.execute(ctx, ov, &sys, req)
	if err == nil {
		var root gstate.Root
		root, err = in.state.Seal(ctx)
		resp.Root = root.Hash
	}
	if err != nil {
		in.state.Rollback()
		return FinalizeResponse{}, InvariantError{Height: req.Height, Err: err}
	}

	hashes := make([][]byte, len(resp.Receipts))
	for i, r := range resp.Receipts {
		hashes[i] = r.TxHash
	}
	in.pending = &pendingBlock{
		txs:      req.Txs,
		hashes:   hashes,
		sys:      &sys,
		resp:     resp,
		proposer: req.Proposer,
	}

	glog.H(in.log, req.Height).Debug(
		"Finalized block",
		"txs", len(req.Txs), "root", glog.Hex(resp.Root),
		"agreed", resp.Agreed != nil, "checkpoint", resp.NewCheckpoint != nil, "certificate", resp.Certificate != nil,
	)
	return resp, nil
}

func (in *Interpreter) execute(
	ctx context.Context, ov *gstate.Overlay, sys *System, req FinalizeRequest,
) (FinalizeResponse, error) {
	h := req.Height
	resp := FinalizeResponse{Height: h}

	if gbottomup.IsCheckpointHeight(h, sys.Params.CheckpointPeriod) {
		cp, err := in.beginCheckpoint(ov, sys, h)
		if err != nil {
			return resp, fmt.Errorf("failed to create checkpoint: %w", err)
		}
		resp.NewCheckpoint = &cp
	}

	td, err := gtopdown.LoadState(ov)
	if err != nil {
		return resp, err
	}

	resp.Receipts = make([]gchain.Receipt, len(req.Txs))
	for i, raw := range req.Txs {
		r, err := in.executeTx(ctx, ov, sys, &td, h, raw)
		if err != nil {
			return resp, fmt.Errorf("transaction %d: %w", i, err)
		}
		r.Index = uint32(i)
		resp.Receipts[i] = r
	}

	agreed, err := in.resolveTopdown(ctx, ov, sys, &td, h)
	if err != nil {
		return resp, fmt.Errorf("failed to resolve top-down votes: %w", err)
	}
	resp.Agreed = agreed
	if err := td.Save(ov); err != nil {
		return resp, err
	}

	cert, err := gbottomup.TryCertify(ov, in.reg, sys.Validators, sys.Params.Quorum)
	if err != nil {
		return resp, fmt.Errorf("failed to certify checkpoint: %w", err)
	}
	resp.Certificate = cert

	return resp, nil
}

func (in *Interpreter) beginCheckpoint(ov *gstate.Overlay, sys *System, h uint64) (gchain.BottomUpCheckpoint, error) {
	committed, _ := in.state.Committed()
	snap, ok := sys.Validators.At(h - 1)
	if !ok {
		return gchain.BottomUpCheckpoint{}, fmt.Errorf("no validator snapshot at height %d", h-1)
	}
	return gbottomup.CreateCheckpoint(ov, gbottomup.CheckpointInput{
		SubnetID:            sys.SubnetID,
		Height:              h,
		Period:              sys.Params.CheckpointPeriod,
		InitialHeight:       sys.InitialHeight,
		StateRoot:           committed.Hash,
		ConfigurationNumber: snap.ConfigurationNumber,
	})
}

func (in *Interpreter) executeTx(
	ctx context.Context, ov *gstate.Overlay, sys *System, td *gtopdown.State, h uint64, raw []byte,
) (gchain.Receipt, error) {
	tx, err := gchain.UnmarshalTx(raw)
	if err != nil {
		return gchain.Receipt{}, err
	}

	// Proposals were checked against committed state;
	// a failure against the evolving block state means validators diverged.
	cs := CheckState{r: ov, sys: sys, td: *td, height: h}
	if _, err := in.checker.CheckTx(ctx, cs, tx); err != nil {
		return gchain.Receipt{}, err
	}

	r := gchain.Receipt{TxHash: gchain.TxHash(raw), Height: h, Kind: tx.Kind()}
	switch {
	case tx.User != nil:
		res, err := in.applyUser(ctx, ov, h, *tx.User)
		if err != nil {
			return r, err
		}
		r.Code, r.GasUsed, r.Data, r.Log = res.Code, res.GasUsed, res.Data, res.Log

	case tx.Vote != nil:
		out, eq := td.AddVote(h, tx.Vote.Voter, tx.Vote.Observation)
		switch out {
		case gtopdown.VoteNoop:
			r.Code = gchain.CodeNoop
		case gtopdown.VoteEquivocation:
			if err := gtopdown.RecordFault(ov, *eq); err != nil {
				return r, err
			}
			in.metrics.Equivocation()
			in.log.Warn(
				"Recorded equivocating vote",
				"height", h, "round", eq.Round, "voter", glog.Hex(eq.Voter),
			)
			r.Code = gchain.CodeEquivocation
		}

	case tx.CheckpointSig != nil:
		out, err := gbottomup.AddSignature(ov, *tx.CheckpointSig)
		if err != nil {
			return r, err
		}
		if out != gbottomup.Added {
			r.Code = gchain.CodeNoop
			r.Log = out.String()
		}
	}
	return r, nil
}

// applyUser consumes the sender's nonce and applies the payload in a child overlay,
// keeping the engine's writes only on success.
func (in *Interpreter) applyUser(ctx context.Context, ov *gstate.Overlay, h uint64, tx gchain.UserTx) (gexec.Result, error) {
	addr := gchain.Address(tx.Sender)
	if err := setNextNonce(ov, addr, tx.Nonce+1); err != nil {
		return gexec.Result{}, err
	}

	child := ov.Child()
	res, err := in.engine.Apply(ctx, gstate.Prefixed(child, appPrefix), gexec.Message{
		Height:   h,
		Sender:   addr,
		Nonce:    tx.Nonce,
		GasLimit: tx.GasLimit,
		Payload:  tx.Payload,
	})
	if err != nil {
		return gexec.Result{}, fmt.Errorf("engine failed: %w", err)
	}
	if res.Code != gchain.CodeOK {
		return res, nil
	}

	child.Merge()
	if err := gbottomup.AppendOutbox(ov, h, res.Outbox); err != nil {
		return gexec.Result{}, err
	}
	return res, nil
}

// resolveTopdown tallies the open round.
// On agreement it delivers the observation's cross messages to the engine
// and schedules its validator changes for the next height.
func (in *Interpreter) resolveTopdown(
	ctx context.Context, ov *gstate.Overlay, sys *System, td *gtopdown.State, h uint64,
) (*gchain.TopdownObservation, error) {
	if td.Round == nil {
		return nil, nil
	}

	snapHeight := td.RoundSnapshotHeight(h)
	snap, ok := sys.Validators.At(snapHeight)
	if !ok {
		return nil, fmt.Errorf("no validator snapshot at height %d", snapHeight)
	}

	round := td.Round.Number
	res := td.Resolve(h, gtopdown.PowerByKey(in.reg, snap.Set), snap.Set.TotalPower, sys.Params.Quorum, sys.Params.VoteRoundBlocks)
	if res.Expired {
		in.log.Info("Top-down voting round expired without agreement", "height", h, "round", round)
	}
	if res.Agreed == nil {
		return nil, nil
	}

	obs := *res.Agreed
	log := glog.H(in.log, h)
	for _, m := range obs.Messages {
		child := ov.Child()
		cm := m
		r, err := in.engine.Apply(ctx, gstate.Prefixed(child, appPrefix), gexec.Message{
			Height:   h,
			Sender:   m.From,
			Nonce:    m.Nonce,
			Payload:  m.Payload,
			CrossMsg: &cm,
		})
		if err != nil {
			return nil, fmt.Errorf("engine failed on top-down message %d: %w", m.Nonce, err)
		}
		if r.Code != gchain.CodeOK {
			log.Warn("Top-down message failed", "nonce", m.Nonce, "code", r.Code, "log", r.Log)
			continue
		}
		child.Merge()
	}

	if len(obs.ValidatorChanges) > 0 {
		if err := in.applyValidatorChanges(ov, sys, h, obs.ValidatorChanges); err != nil {
			return nil, err
		}
	}

	log.Info(
		"Agreed top-down observation",
		"start", obs.Start, "end", obs.End, "messages", len(obs.Messages),
		"power", res.Tally.Power[res.Tally.Agreed], "threshold", res.Tally.Threshold,
	)
	return &obs, nil
}

func (in *Interpreter) applyValidatorChanges(ov *gstate.Overlay, sys *System, h uint64, changes []gchain.ValidatorChange) error {
	latest, ok := sys.Validators.Latest()
	if !ok {
		return errors.New("empty validator history")
	}

	snap, ok, err := gchain.NextSnapshot(in.reg, latest, h+1, changes)
	if err != nil {
		// The parent agreed on it, so every validator skips it identically.
		in.log.Warn("Ignoring unusable validator changes", "height", h, "err", err)
		return nil
	}
	if !ok {
		in.log.Info(
			"Validator changes already applied",
			"height", h, "configuration_number", latest.ConfigurationNumber,
		)
		return nil
	}

	hist, err := sys.Validators.With(snap)
	if err != nil {
		return err
	}
	sys.Validators = hist
	return sys.saveValidators(ov, in.reg)
}

// Commit makes the finalized block the committed state,
// persists its result and rebases the mempool onto it.
func (in *Interpreter) Commit(ctx context.Context) (CommitResponse, error) {
	defer trace.StartRegion(ctx, "ginterp.Commit").End()

	p := in.pending
	if p == nil {
		return CommitResponse{}, ErrNotFinalized
	}
	h := p.resp.Height

	// The result is stored first; a crash before the state commit
	// leaves it for [*Interpreter.Prepare] to propose again.
	if err := in.saveResult(ctx, p); err != nil {
		return CommitResponse{}, InvariantError{Height: h, Err: err}
	}

	root, err := in.state.Commit(ctx)
	if err != nil {
		return CommitResponse{}, InvariantError{Height: h, Err: err}
	}
	in.sys = p.sys
	in.pending = nil

	cs, err := in.committedCheckState(h + 1)
	if err != nil {
		return CommitResponse{}, InvariantError{Height: h, Err: err}
	}
	if inv, err := in.pool.Rebase(ctx, cs, p.hashes); err != nil {
		in.log.Error("Failed to rebase mempool", "height", h, "err", err)
	} else if len(inv) > 0 {
		in.log.Debug("Dropped transactions invalidated by commit", "height", h, "n", len(inv))
	}

	in.metrics.Committed(h)
	for _, r := range p.resp.Receipts {
		in.metrics.TxFinalized(r.Kind.String(), r.Code)
	}
	if p.resp.Agreed != nil {
		in.metrics.Agreed(p.resp.Agreed.End)
	}
	if p.resp.NewCheckpoint != nil {
		in.metrics.CheckpointCreated()
	}
	if p.resp.Certificate != nil {
		in.metrics.CertificateCreated()
	}

	var retain uint64
	if in.retainBlocks > 0 && h > in.retainBlocks {
		retain = h - in.retainBlocks + 1
	}
	return CommitResponse{Height: h, Root: root.Hash, RetainHeight: retain}, nil
}

func (in *Interpreter) saveResult(ctx context.Context, p *pendingBlock) error {
	var buf bytes.Buffer
	if _, err := gchain.EncodeBlockData(&buf, p.txs); err != nil {
		return fmt.Errorf("failed to encode block data: %w", err)
	}

	r := p.resp
	if err := in.store.SaveBlockResult(ctx, gstore.BlockResult{
		Height:      r.Height,
		Root:        r.Root,
		BlockData:   buf.Bytes(),
		Receipts:    r.Receipts,
		Agreed:      r.Agreed,
		Checkpoint:  r.NewCheckpoint,
		Certificate: r.Certificate,
	}); err != nil {
		return fmt.Errorf("failed to save block result: %w", err)
	}

	if r.NewCheckpoint != nil {
		if err := in.store.SaveCheckpoint(ctx, *r.NewCheckpoint); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
	}
	if r.Certificate != nil {
		if err := in.store.SaveCertificate(ctx, *r.Certificate); err != nil {
			return fmt.Errorf("failed to save certificate: %w", err)
		}
	}
	return nil
}

// StoredResult returns the persisted outcome of the committed block at height.
func (in *Interpreter) StoredResult(ctx context.Context, height uint64) (FinalizeResponse, error) {
	r, err := in.store.LoadBlockResult(ctx, height)
	if err != nil {
		return FinalizeResponse{}, err
	}
	return FinalizeResponse{
		Height:        r.Height,
		Receipts:      r.Receipts,
		Root:          r.Root,
		Agreed:        r.Agreed,
		NewCheckpoint: r.Checkpoint,
		Certificate:   r.Certificate,
	}, nil
}

// pendingMatches reports whether the pending block is req re-delivered.
func (in *Interpreter) pendingMatches(req FinalizeRequest) bool {
	p := in.pending
	if p == nil || p.resp.Height != req.Height || len(p.txs) != len(req.Txs) {
		return false
	}
	for i := range p.txs {
		if !bytes.Equal(p.txs[i], req.Txs[i]) {
			return false
		}
	}
	return true
}

// rollbackPending discards a finalized block that was never committed.
func (in *Interpreter) rollbackPending() {
	in.pending = nil
	in.state.Rollback()
}
