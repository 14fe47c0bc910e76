package ginterp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/trace"

	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gexec"
	"github.com/gordian-engine/gsubnet/gmempool"
	"github.com/gordian-engine/gsubnet/gmetrics"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstore"
	"github.com/gordian-engine/gsubnet/gtopdown"
	"github.com/gordian-engine/gsubnet/gwatchdog"
	"github.com/gordian-engine/gsubnet/internal/gchan"
	"github.com/gordian-engine/gsubnet/internal/glog"
)

// AppConfig is the set of dependencies for an [App].
type AppConfig struct {
	Config

	Registry *gcrypto.Registry
	Engine   gexec.Engine

	State *gstate.VersionedState
	Store gstore.Store

	Watchdog *gwatchdog.Watchdog
	Metrics  *gmetrics.Metrics
}

// App is the interface a consensus engine drives.
//
// InitChain, PrepareProposal, ProcessProposal, FinalizeBlock and Commit
// are served one at a time by a single kernel goroutine,
// which enforces their order.
// SubmitTx and TopdownStatus may be called concurrently with them.
type App struct {
	log *slog.Logger

	in    *Interpreter
	pool  *gmempool.Pool[CheckState]
	state *gstate.VersionedState
	reg   *gcrypto.Registry
	wd    *gwatchdog.Watchdog

	metrics *gmetrics.Metrics

	checkpoints chan gchain.BottomUpCheckpoint
	certNotify  chan struct{}

	initChainRequests chan initChainRequest
	prepareRequests   chan prepareRequest
	processRequests   chan processRequest
	finalizeRequests  chan finalizeRequest
	commitRequests    chan commitRequest

	done chan struct{}
}

type initChainRequest struct {
	Req  InitChainRequest
	Resp chan initChainResponse
}

type initChainResponse struct {
	Resp InitChainResponse
	Err  error
}

type prepareRequest struct {
	Req  PrepareRequest
	Resp chan prepareResponse
}

type prepareResponse struct {
	Resp PrepareResponse
	Err  error
}

type processRequest struct {
	Req  ProcessRequest
	Resp chan processResponse
}

type processResponse struct {
	Resp ProcessResponse
	Err  error
}

type finalizeRequest struct {
	Req  FinalizeRequest
	Resp chan finalizeResponse
}

type finalizeResponse struct {
	Resp FinalizeResponse
	Err  error
}

type commitRequest struct {
	Resp chan commitResponse
}

type commitResponse struct {
	Resp CommitResponse
	Err  error
}

// NewApp starts an App that runs until ctx is canceled.
// ctx should be the context returned from the watchdog in cfg,
// so that a halt stops the App along with the rest of the node.
func NewApp(ctx context.Context, log *slog.Logger, cfg AppConfig) (*App, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid interpreter config: %w", err)
	}

	pool := NewMempool(ctx, log.With("sys", "mempool"), cfg.Mempool, NewChecker(cfg.Registry))
	in, err := NewInterpreter(ctx, log.With("sys", "interpreter"), InterpreterConfig{
		Registry:     cfg.Registry,
		Engine:       cfg.Engine,
		State:        cfg.State,
		Store:        cfg.Store,
		Pool:         pool,
		Metrics:      cfg.Metrics,
		RetainBlocks: cfg.RetainBlocks,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		log: log,

		in:    in,
		pool:  pool,
		state: cfg.State,
		reg:   cfg.Registry,
		wd:    cfg.Watchdog,

		metrics: cfg.Metrics,

		checkpoints: make(chan gchain.BottomUpCheckpoint, cfg.NotifyBuffer),
		certNotify:  make(chan struct{}, 1),

		initChainRequests: make(chan initChainRequest),
		prepareRequests:   make(chan prepareRequest),
		processRequests:   make(chan processRequest),
		finalizeRequests:  make(chan finalizeRequest),
		commitRequests:    make(chan commitRequest),

		done: make(chan struct{}),
	}

	sigCh := cfg.Watchdog.Monitor(ctx, gwatchdog.MonitorConfig{
		Name:            "ginterp.App",
		Interval:        cfg.WatchdogInterval,
		Jitter:          cfg.WatchdogInterval / 10,
		ResponseTimeout: cfg.WatchdogTimeout,
	})

	if err := a.replayPendingCheckpoints(); err != nil {
		return nil, err
	}

	go a.kernel(ctx, sigCh)
	return a, nil
}

// replayPendingCheckpoints queues every checkpoint still awaiting certification
// in committed state, so that a restarted node signs them again.
// Signatures this validator already got into a block are refused
// by admission as stale.
func (a *App) replayPendingCheckpoints() error {
	if _, ok := a.state.Committed(); !ok {
		return nil
	}

	var pending []gbottomup.Pending
	if err := a.state.View(func(r gstate.Reader) error {
		var err error
		pending, err = gbottomup.PendingCheckpoints(r)
		return err
	}); err != nil {
		return fmt.Errorf("failed to load pending checkpoints: %w", err)
	}

	for _, p := range pending {
		if !gchan.TrySend(a.checkpoints, p.Checkpoint) {
			a.log.Warn(
				"Too many pending checkpoints to replay; remaining ones wait for the next restart",
				"to_height", p.Checkpoint.ToHeight,
			)
			break
		}
		a.log.Info("Replaying pending checkpoint for signing", "to_height", p.Checkpoint.ToHeight)
	}
	return nil
}

// Wait blocks until the App and its mempool have stopped.
func (a *App) Wait() {
	<-a.done
	a.pool.Wait()
}

// Checkpoints delivers each committed bottom-up checkpoint,
// for the local validator to sign.
func (a *App) Checkpoints() <-chan gchain.BottomUpCheckpoint {
	return a.checkpoints
}

// CertificateNotify receives a value after a commit that created a certificate.
// Notifications are coalesced; receivers rescan the store.
func (a *App) CertificateNotify() <-chan struct{} {
	return a.certNotify
}

func (a *App) kernel(ctx context.Context, sigCh <-chan gwatchdog.Signal) {
	defer close(a.done)

	ctx, task := trace.NewTask(ctx, "ginterp.App.kernel")
	defer task.End()

	// A block already being executed or committed runs to completion.
	execCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return

		case sig := <-sigCh:
			close(sig.Alive)

		case req := <-a.initChainRequests:
			resp, err := a.in.InitChain(ctx, req.Req)
			req.Resp <- initChainResponse{Resp: resp, Err: err}

		case req := <-a.prepareRequests:
			resp, err := a.in.Prepare(ctx, req.Req)
			req.Resp <- prepareResponse{Resp: resp, Err: err}

		case req := <-a.processRequests:
			resp, err := a.in.Process(ctx, req.Req)
			req.Resp <- processResponse{Resp: resp, Err: err}

		case req := <-a.finalizeRequests:
			resp, err := a.handleFinalize(execCtx, req.Req)
			req.Resp <- finalizeResponse{Resp: resp, Err: err}

		case req := <-a.commitRequests:
			resp, err := a.handleCommit(execCtx)
			req.Resp <- commitResponse{Resp: resp, Err: err}
		}
	}
}

func (a *App) handleFinalize(ctx context.Context, req FinalizeRequest) (FinalizeResponse, error) {
	committed, ok := a.state.Committed()
	if !ok {
		return FinalizeResponse{}, ErrNotInitialized
	}

	if req.Height <= committed.Height {
		resp, err := a.in.StoredResult(ctx, req.Height)
		if err != nil {
			return FinalizeResponse{}, fmt.Errorf("re-delivered height %d: %w", req.Height, err)
		}
		a.log.Debug("Answered re-delivered block from store", "height", req.Height)
		return resp, nil
	}

	if req.Height != committed.Height+1 {
		return FinalizeResponse{}, gchain.HeightMismatchError{Want: committed.Height + 1, Got: req.Height}
	}

	if a.in.pending != nil {
		if a.in.pendingMatches(req) {
			return a.in.pending.resp, nil
		}
		a.log.Info("Discarding uncommitted block replaced by a different one", "height", req.Height)
		a.in.rollbackPending()
	}

	resp, err := a.in.Finalize(ctx, req)
	if err != nil {
		a.haltOnInvariant(err)
	}
	return resp, err
}

func (a *App) handleCommit(ctx context.Context) (CommitResponse, error) {
	p := a.in.pending

	resp, err := a.in.Commit(ctx)
	if err != nil {
		a.haltOnInvariant(err)
		return resp, err
	}

	if cp := p.resp.NewCheckpoint; cp != nil {
		if !gchan.TrySend(a.checkpoints, *cp) {
			a.log.Warn("Checkpoint notification dropped; signer is not keeping up", "to_height", cp.ToHeight)
		}
	}
	if p.resp.Certificate != nil {
		// Coalesced with any undelivered notification.
		_ = gchan.TrySend(a.certNotify, struct{}{})
	}

	glog.H(a.log, resp.Height).Info("Committed block", "root", glog.Hex(resp.Root), "txs", len(p.txs))
	return resp, nil
}

func (a *App) haltOnInvariant(err error) {
	if errors.As(err, new(InvariantError)) {
		a.wd.Halt(err)
	}
}

func (a *App) InitChain(ctx context.Context, req InitChainRequest) (InitChainResponse, error) {
	r := initChainRequest{Req: req, Resp: make(chan initChainResponse, 1)}
	resp, ok := gchan.ReqResp(ctx, a.log, a.initChainRequests, r, r.Resp, "InitChain")
	if !ok {
		return InitChainResponse{}, context.Cause(ctx)
	}
	return resp.Resp, resp.Err
}

func (a *App) PrepareProposal(ctx context.Context, req PrepareRequest) (PrepareResponse, error) {
	r := prepareRequest{Req: req, Resp: make(chan prepareResponse, 1)}
	resp, ok := gchan.ReqResp(ctx, a.log, a.prepareRequests, r, r.Resp, "PrepareProposal")
	if !ok {
		return PrepareResponse{}, context.Cause(ctx)
	}
	return resp.Resp, resp.Err
}

func (a *App) ProcessProposal(ctx context.Context, req ProcessRequest) (ProcessResponse, error) {
	r := processRequest{Req: req, Resp: make(chan processResponse, 1)}
	resp, ok := gchan.ReqResp(ctx, a.log, a.processRequests, r, r.Resp, "ProcessProposal")
	if !ok {
		return ProcessResponse{}, context.Cause(ctx)
	}
	return resp.Resp, resp.Err
}

// FinalizeBlock executes the block at req.Height.
// A height at or below the committed height returns the stored result.
func (a *App) FinalizeBlock(ctx context.Context, req FinalizeRequest) (FinalizeResponse, error) {
	r := finalizeRequest{Req: req, Resp: make(chan finalizeResponse, 1)}
	resp, ok := gchan.ReqResp(ctx, a.log, a.finalizeRequests, r, r.Resp, "FinalizeBlock")
	if !ok {
		return FinalizeResponse{}, context.Cause(ctx)
	}
	return resp.Resp, resp.Err
}

func (a *App) Commit(ctx context.Context) (CommitResponse, error) {
	r := commitRequest{Resp: make(chan commitResponse, 1)}
	resp, ok := gchan.ReqResp(ctx, a.log, a.commitRequests, r, r.Resp, "Commit")
	if !ok {
		return CommitResponse{}, context.Cause(ctx)
	}
	return resp.Resp, resp.Err
}

// SubmitTx admits tx to the mempool.
// Transactions failing their check return a [RejectError].
func (a *App) SubmitTx(ctx context.Context, tx gchain.Transaction) error {
	raw, err := gchain.MarshalTx(tx)
	if err != nil {
		return RejectError{Kind: tx.Kind(), Err: err}
	}
	_, err = a.SubmitRawTx(ctx, raw)
	return err
}

// SubmitRawTx admits an encoded transaction to the mempool
// and returns its hash.
func (a *App) SubmitRawTx(ctx context.Context, raw []byte) ([]byte, error) {
	e, err := gmempool.NewEntry(raw)
	if err != nil {
		a.metrics.TxRejected(gchain.TxKindInvalid.String())
		return nil, RejectError{Kind: gchain.TxKindInvalid, Err: err}
	}

	if err := a.pool.AddTx(ctx, e); err != nil {
		var tie gmempool.TxInvalidError
		if errors.As(err, &tie) {
			a.metrics.TxRejected(e.Tx.Kind().String())
			return e.Hash, tie.Err
		}
		return e.Hash, err
	}
	return e.Hash, nil
}

// TopdownStatus reports the committed top-down state for voter.
func (a *App) TopdownStatus(_ context.Context, voter []byte) (gtopdown.Status, error) {
	committed, ok := a.state.Committed()
	if !ok {
		return gtopdown.Status{}, ErrNotInitialized
	}

	var st gtopdown.Status
	err := a.state.View(func(r gstate.Reader) error {
		sys, err := LoadSystem(r, a.reg)
		if err != nil {
			return err
		}
		td, err := gtopdown.LoadState(r)
		if err != nil {
			return err
		}

		st = gtopdown.Status{
			NextStart:        td.NextStart,
			NextNonce:        td.NextNonce,
			MaxProposalRange: sys.Params.MaxProposalRange,
			Voted:            td.VotedTarget(voter),
		}
		if snap, ok := sys.Validators.At(td.RoundSnapshotHeight(committed.Height + 1)); ok {
			if pk, err := a.reg.Unmarshal(voter); err == nil {
				st.IsValidator = snap.Set.Index(pk) >= 0
			}
		}
		return nil
	})
	return st, err
}

// VerifyCertificate checks cert against the committed validator set
// that was active when its checkpoint range ended.
func (a *App) VerifyCertificate(cert gchain.CheckpointCertificate) error {
	if _, ok := a.state.Committed(); !ok {
		return ErrNotInitialized
	}
	return a.state.View(func(r gstate.Reader) error {
		sys, err := LoadSystem(r, a.reg)
		if err != nil {
			return err
		}
		snap, ok := sys.Validators.At(cert.Checkpoint.ToHeight)
		if !ok {
			return fmt.Errorf("no validator set at height %d", cert.Checkpoint.ToHeight)
		}
		return gbottomup.VerifyCertificate(snap.Set, sys.Params.Quorum, cert)
	})
}

// Committed returns the committed state root.
func (a *App) Committed() (gstate.Root, bool) {
	return a.state.Committed()
}
