// Package gmempool contains the validator-local admission buffer.
//
// Every transaction entering a proposal passes through the pool first,
// including observation votes and checkpoint signatures
// produced by background tasks.
package gmempool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/trace"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/internal/gchan"
)

// Entry is a buffered transaction.
type Entry struct {
	// Hash of Raw, as computed by [gchain.TxHash].
	Hash []byte

	// Canonical encoding of Tx.
	Raw []byte

	Tx gchain.Transaction
}

// NewEntry decodes raw into an Entry.
func NewEntry(raw []byte) (Entry, error) {
	tx, err := gchain.UnmarshalTx(raw)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Hash: gchain.TxHash(raw), Raw: raw, Tx: tx}, nil
}

// CheckFunc checks e against state and returns the state
// as updated by admitting e.
// It must not modify state in place.
type CheckFunc[S any] func(ctx context.Context, state S, e Entry) (S, error)

// Config bounds the pool.
type Config struct {
	MaxTxs   int `mapstructure:"max-txs"`
	MaxBytes int `mapstructure:"max-bytes"`
}

func DefaultConfig() Config {
	return Config{
		MaxTxs:   5000,
		MaxBytes: 32 << 20,
	}
}

func (c Config) Validate() error {
	if c.MaxTxs <= 0 {
		return errors.New("mempool max-txs must be positive")
	}
	if c.MaxBytes <= 0 {
		return errors.New("mempool max-bytes must be positive")
	}
	return nil
}

// Pool is a validator-local transaction buffer over check state S.
//
// Methods on Pool are safe for concurrent use.
type Pool[S any] struct {
	log *slog.Logger

	// Used for setting the initial state.
	// Cleared after first use.
	initCh chan S

	addTxRequests    chan addTxRequest
	bufferedRequests chan bufferedRequest
	rebaseRequests   chan rebaseRequest[S]

	done chan struct{}
}

type addTxRequest struct {
	Entry Entry
	Resp  chan error
}

type bufferedRequest struct {
	Dst  []Entry
	Resp chan []Entry
}

type rebaseRequest[S any] struct {
	BaseState     S
	AppliedHashes [][]byte
	Resp          chan rebaseResponse
}

type rebaseResponse struct {
	Invalidated []Entry
	Err         error
}

// New returns a new Pool.
// The pool does not accept transactions until [*Pool.Initialize] is called.
func New[S any](
	ctx context.Context,
	log *slog.Logger,
	cfg Config,
	check CheckFunc[S],
) *Pool[S] {
	p := &Pool[S]{
		log: log,

		initCh: make(chan S),

		addTxRequests:    make(chan addTxRequest),
		bufferedRequests: make(chan bufferedRequest),
		rebaseRequests:   make(chan rebaseRequest[S]),

		done: make(chan struct{}),
	}

	go p.kernel(ctx, cfg, check)

	return p
}

func (p *Pool[S]) kernel(ctx context.Context, cfg Config, check CheckFunc[S]) {
	defer close(p.done)

	ctx, task := trace.NewTask(ctx, "gmempool.Pool.kernel")
	defer task.End()

	baseState, ok := gchan.RecvC(
		ctx, p.log,
		p.initCh,
		"waiting for initial state",
	)
	if !ok {
		return
	}
	p.initCh = nil

	w := newWorkingState(baseState, cfg, check)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Shutting down due to context cancellation", "cause", context.Cause(ctx))
			return

		case req := <-p.addTxRequests:
			func() {
				defer trace.StartRegion(ctx, "handleAddTx").End()
				req.Resp <- w.CheckAdd(ctx, req.Entry)
			}()

		case req := <-p.bufferedRequests:
			req.Resp <- w.Buffered(req.Dst)

		case req := <-p.rebaseRequests:
			func() {
				defer trace.StartRegion(ctx, "handleRebase").End()
				inv, err := w.Rebase(ctx, req.BaseState, req.AppliedHashes)
				if len(inv) > 0 {
					p.log.Debug("Rebase invalidated transactions", "n", len(inv))
				}
				req.Resp <- rebaseResponse{Invalidated: inv, Err: err}
			}()
		}
	}
}

// Wait blocks until all background work for p is finished.
// Initiate a clean shutdown by canceling the context passed to [New].
func (p *Pool[S]) Wait() {
	<-p.done
}

// Initialize must be called once, before any other method, to set the base state.
// It panics if called twice.
func (p *Pool[S]) Initialize(ctx context.Context, initialState S) (ok bool) {
	if p.initCh == nil {
		panic(errors.New("BUG: (*gmempool.Pool).Initialize called twice"))
	}

	return gchan.SendC(
		ctx, p.log,
		p.initCh, initialState,
		"sending initial state to mempool",
	)
}

// AddTx checks e against the pool's current state and buffers it on success.
// Check errors are returned directly.
func (p *Pool[S]) AddTx(ctx context.Context, e Entry) error {
	req := addTxRequest{
		Entry: e,
		Resp:  make(chan error, 1),
	}

	err, ok := gchan.ReqResp(
		ctx, p.log,
		p.addTxRequests, req,
		req.Resp,
		"making AddTx request",
	)
	if !ok {
		return context.Cause(ctx)
	}
	return err
}

// Buffered appends the buffered entries, in admission order, to dst.
func (p *Pool[S]) Buffered(ctx context.Context, dst []Entry) []Entry {
	req := bufferedRequest{
		Dst:  dst,
		Resp: make(chan []Entry, 1),
	}

	out, _ := gchan.ReqResp(
		ctx, p.log,
		p.bufferedRequests, req,
		req.Resp,
		"requesting buffered transactions",
	)
	return out
}

// Rebase sets newBase as the pool's base state,
// drops every entry whose hash is in applied,
// and re-checks the remainder in order.
// Entries failing with [TxInvalidError] are dropped and returned;
// any other check error is returned as fatal.
func (p *Pool[S]) Rebase(ctx context.Context, newBase S, applied [][]byte) (invalidated []Entry, err error) {
	req := rebaseRequest[S]{
		BaseState:     newBase,
		AppliedHashes: applied,
		Resp:          make(chan rebaseResponse, 1),
	}

	resp, ok := gchan.ReqResp(
		ctx, p.log,
		p.rebaseRequests, req,
		req.Resp,
		"requesting rebase",
	)
	if !ok {
		return nil, fmt.Errorf("rebase interrupted: %w", context.Cause(ctx))
	}
	return resp.Invalidated, resp.Err
}
