package ginterp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gexec"
	"github.com/gordian-engine/gsubnet/gmempool"
	"github.com/gordian-engine/gsubnet/gmetrics"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstore"
	"github.com/gordian-engine/gsubnet/gtopdown"
)

type InitChainRequest struct {
	Genesis gchain.Genesis
}

type InitChainResponse struct {
	// Height of the genesis state, one before the first block.
	Height uint64

	Root []byte

	Validators gchain.ValidatorSet
}

type PrepareRequest struct {
	Height   uint64
	Proposer []byte

	// Transactions offered by the consensus engine,
	// considered before the mempool's.
	Candidates [][]byte
}

type PrepareResponse struct {
	Txs [][]byte
}

type ProcessRequest struct {
	Height uint64
	Txs    [][]byte
}

type ProcessResponse struct {
	Accept bool

	// Why the proposal was rejected, when Accept is false.
	Reason error
}

type FinalizeRequest struct {
	Height   uint64
	Proposer []byte
	Txs      [][]byte
}

type FinalizeResponse struct {
	Height uint64

	// One per transaction, in block order.
	Receipts []gchain.Receipt

	// State root after the block.
	Root []byte

	Agreed        *gchain.TopdownObservation
	NewCheckpoint *gchain.BottomUpCheckpoint
	Certificate   *gchain.CheckpointCertificate
}

type CommitResponse struct {
	Height uint64
	Root   []byte

	// Blocks below RetainHeight may be pruned by the consensus engine.
	RetainHeight uint64
}

// InterpreterConfig holds the dependencies of an [Interpreter].
type InterpreterConfig struct {
	Registry *gcrypto.Registry
	Engine   gexec.Engine

	State *gstate.VersionedState
	Store gstore.Store

	// Created with [NewMempool] and not yet initialized.
	Pool *gmempool.Pool[CheckState]

	Metrics *gmetrics.Metrics

	RetainBlocks uint64
}

// Interpreter runs the pipeline stages over a [gstate.VersionedState].
//
// Its methods must be called from a single goroutine, in lifecycle order;
// [App] provides that for a consensus engine.
type Interpreter struct {
	log *slog.Logger

	reg     *gcrypto.Registry
	engine  gexec.Engine
	state   *gstate.VersionedState
	store   gstore.Store
	pool    *gmempool.Pool[CheckState]
	metrics *gmetrics.Metrics
	checker Checker

	retainBlocks uint64

	// Committed system state; replaced, never modified, on commit.
	sys *System

	pending *pendingBlock
}

// pendingBlock is a finalized block awaiting commit.
type pendingBlock struct {
	txs      [][]byte
	hashes   [][]byte
	sys      *System
	resp     FinalizeResponse
	proposer []byte
}

// NewInterpreter returns an Interpreter over cfg.State.
// If the state is already initialized, the mempool is initialized from it;
// otherwise [*Interpreter.InitChain] must be called first.
func NewInterpreter(ctx context.Context, log *slog.Logger, cfg InterpreterConfig) (*Interpreter, error) {
	in := &Interpreter{
		log: log,

		reg:     cfg.Registry,
		engine:  cfg.Engine,
		state:   cfg.State,
		store:   cfg.Store,
		pool:    cfg.Pool,
		metrics: cfg.Metrics,
		checker: NewChecker(cfg.Registry),

		retainBlocks: cfg.RetainBlocks,
	}

	root, ok := in.state.Committed()
	if !ok {
		return in, nil
	}

	sys, err := LoadSystem(in.state.CommittedReader(), in.reg)
	if err != nil {
		return nil, fmt.Errorf("failed to load system state: %w", err)
	}
	in.sys = &sys

	if latest, err := in.store.LatestHeight(ctx); err == nil && latest > root.Height {
		log.Info(
			"Block store holds the result of an interrupted commit; its block will be proposed again",
			"store_height", latest, "committed_height", root.Height,
		)
	}

	if err := in.initPool(ctx, root.Height+1); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *Interpreter) initPool(ctx context.Context, nextHeight uint64) error {
	cs, err := in.committedCheckState(nextHeight)
	if err != nil {
		return err
	}
	if !in.pool.Initialize(ctx, cs) {
		return fmt.Errorf("failed to initialize mempool: %w", context.Cause(ctx))
	}
	return nil
}

func (in *Interpreter) committedCheckState(height uint64) (CheckState, error) {
	return NewCheckState(in.state.CommittedReader(), in.sys, height)
}

// Checker returns the checker used by every stage.
func (in *Interpreter) Checker() Checker {
	return in.checker
}

// InitChain writes the genesis state and commits it
// at the height before the first block.
func (in *Interpreter) InitChain(ctx context.Context, req InitChainRequest) (InitChainResponse, error) {
	if _, ok := in.state.Committed(); ok {
		return InitChainResponse{}, ErrAlreadyInitialized
	}

	g := req.Genesis
	if err := g.Validate(in.reg); err != nil {
		return InitChainResponse{}, fmt.Errorf("invalid genesis: %w", err)
	}
	set, err := g.ValidatorSet(in.reg)
	if err != nil {
		return InitChainResponse{}, err
	}

	first := g.FirstHeight()
	hist, err := gchain.ValidatorHistory{}.With(gchain.ValidatorSnapshot{EffectiveFrom: first, Set: set})
	if err != nil {
		return InitChainResponse{}, err
	}
	sys := &System{
		ChainID:       g.ChainID,
		SubnetID:      g.SubnetID,
		InitialHeight: first,
		Params:        g.ChainParams(),
		Validators:    hist,
	}

	ov, err := in.state.Begin(first - 1)
	if err != nil {
		return InitChainResponse{}, err
	}
	if err := in.writeGenesis(ctx, ov, sys, g); err != nil {
		in.state.Rollback()
		return InitChainResponse{}, err
	}

	root, err := in.state.Commit(ctx)
	if err != nil {
		return InitChainResponse{}, fmt.Errorf("failed to commit genesis state: %w", err)
	}
	in.sys = sys

	if err := in.initPool(ctx, first); err != nil {
		return InitChainResponse{}, err
	}

	in.log.Info(
		"Initialized chain",
		"chain_id", g.ChainID, "subnet_id", g.SubnetID,
		"initial_height", first, "validators", len(set.Validators),
	)
	return InitChainResponse{Height: root.Height, Root: root.Hash, Validators: set}, nil
}

func (in *Interpreter) writeGenesis(ctx context.Context, ov *gstate.Overlay, sys *System, g gchain.Genesis) error {
	if err := sys.save(ov, in.reg); err != nil {
		return err
	}
	if err := gtopdown.NewState(g.TopdownStart).Save(ov); err != nil {
		return err
	}

	if len(g.AppState) == 0 {
		return nil
	}
	gi, ok := in.engine.(gexec.GenesisInitializer)
	if !ok {
		return errors.New("genesis app_state set but engine does not accept genesis state")
	}
	return gi.InitGenesis(ctx, gstate.Prefixed(ov, appPrefix), g.AppState)
}

// System returns the committed system state.
func (in *Interpreter) System() (System, bool) {
	if in.sys == nil {
		return System{}, false
	}
	return *in.sys, true
}
