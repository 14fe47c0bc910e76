package gtopdown

import (
	"bytes"
	"context"
	"log/slog"
	"runtime/trace"
	"time"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gmetrics"
	"github.com/gordian-engine/gsubnet/internal/glog"
	"github.com/sethvargo/go-retry"
)

// Status is the committed top-down state relevant to one voter.
type Status struct {
	NextStart, NextNonce uint64

	MaxProposalRange uint64

	// Whether the voter may vote in the current round.
	IsValidator bool

	// Observation hash the voter already voted for in the open round.
	Voted []byte
}

// StatusSource reports committed top-down state.
type StatusSource interface {
	TopdownStatus(ctx context.Context, voter []byte) (Status, error)
}

// TxSubmitter is the transaction admission path.
type TxSubmitter interface {
	SubmitTx(ctx context.Context, tx gchain.Transaction) error
}

// PollerConfig is the set of dependencies for a [Poller].
type PollerConfig struct {
	Config

	Client   ParentClient
	Signer   gcrypto.Signer
	Registry *gcrypto.Registry

	Status    StatusSource
	Submitter TxSubmitter

	Metrics *gmetrics.Metrics
}

// Poller periodically samples the parent chain
// and submits an observation vote when it sees new finality.
//
// A failed or slow poll only means this validator abstains from the round;
// it never blocks block production.
type Poller struct {
	log *slog.Logger
	cfg PollerConfig

	voter []byte
	cache *SequentialCache

	done chan struct{}
}

// NewPoller starts a poller that runs until ctx is canceled.
func NewPoller(ctx context.Context, log *slog.Logger, cfg PollerConfig) *Poller {
	p := &Poller{
		log: log,
		cfg: cfg,

		voter: cfg.Registry.Marshal(cfg.Signer.PubKey()),
		cache: NewSequentialCache(cfg.MaxCacheBlocks),

		done: make(chan struct{}),
	}
	go p.kernel(ctx)
	return p
}

// Wait blocks until p's goroutine has returned.
func (p *Poller) Wait() {
	<-p.done
}

func (p *Poller) kernel(ctx context.Context) {
	defer close(p.done)

	ctx, task := trace.NewTask(ctx, "gtopdown.Poller.kernel")
	defer task.End()

	t := time.NewTicker(p.cfg.PollingInterval)
	defer t.Stop()

	for {
		p.pollOnce(ctx)

		select {
		case <-ctx.Done():
			p.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		case <-t.C:
		}
	}
}

type fetchResult struct {
	Blocks []ParentBlock
	Err    error
}

func (p *Poller) pollOnce(ctx context.Context) {
	defer trace.StartRegion(ctx, "pollOnce").End()

	status, err := p.cfg.Status.TopdownStatus(ctx, p.voter)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("Failed to read top-down status", "err", err)
		}
		return
	}
	if !status.IsValidator {
		p.log.Debug("Not a validator for the current round; skipping poll")
		return
	}

	p.cache.RemoveBelow(status.NextStart)
	from := status.NextStart
	if lower, upper, ok := p.cache.Bounds(); ok {
		if lower != status.NextStart {
			p.cache = NewSequentialCache(p.cfg.MaxCacheBlocks)
		} else {
			from = upper + 1
		}
	}

	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	// One-buffered so an abandoned fetch can still finish and exit.
	resCh := make(chan fetchResult, 1)
	go func() {
		blocks, err := p.fetch(pollCtx, from)
		resCh <- fetchResult{Blocks: blocks, Err: err}
	}()

	var res fetchResult
	select {
	case res = <-resCh:
	case <-pollCtx.Done():
		if ctx.Err() == nil {
			p.log.Warn("Parent poll timed out; abstaining this round", "timeout", p.cfg.RequestTimeout)
			p.cfg.Metrics.PollFailed()
		}
		return
	}
	if res.Err != nil {
		if ctx.Err() == nil {
			p.log.Warn("Parent poll failed; abstaining this round", "err", res.Err)
			p.cfg.Metrics.PollFailed()
		}
		return
	}

	for _, b := range res.Blocks {
		if err := p.cache.Insert(b); err != nil {
			p.log.Warn("Discarding parent cache after out of order block", "height", b.Height, "err", err)
			p.cache = NewSequentialCache(p.cfg.MaxCacheBlocks)
			return
		}
	}

	obs, ok, err := BuildObservation(p.cache, status.NextStart, status.NextNonce, status.MaxProposalRange)
	if err != nil {
		p.log.Warn("Parent data failed validation; abstaining this round", "err", err)
		p.cfg.Metrics.PollFailed()
		p.cache = NewSequentialCache(p.cfg.MaxCacheBlocks)
		return
	}
	if !ok {
		p.log.Debug("No new parent finality to observe", "next_start", status.NextStart)
		return
	}

	hash := obs.Hash()
	if status.Voted != nil {
		if !bytes.Equal(status.Voted, hash) {
			p.log.Debug(
				"Already voted for a different observation this round; waiting for the next round",
				"voted", glog.Hex(status.Voted), "observed", glog.Hex(hash),
			)
		}
		return
	}

	vote := gchain.ObservationVote{Voter: p.voter, Observation: obs}
	sig, err := p.cfg.Signer.Sign(ctx, vote.SignBytes())
	if err != nil {
		p.log.Warn("Failed to sign observation vote", "err", err)
		return
	}
	vote.Signature = sig

	if err := p.cfg.Submitter.SubmitTx(ctx, gchain.Transaction{Vote: &vote}); err != nil {
		p.log.Info("Observation vote not admitted", "start", obs.Start, "end", obs.End, "err", err)
		return
	}

	p.cfg.Metrics.VoteSubmitted()
	p.log.Info(
		"Submitted observation vote",
		"start", obs.Start, "end", obs.End,
		"n_msgs", len(obs.Messages), "hash", glog.Hex(hash),
	)
}

// fetch returns the finalized parent blocks at or above from,
// excluding the ChainHeadDelay most recent heights.
func (p *Poller) fetch(ctx context.Context, from uint64) ([]ParentBlock, error) {
	b := retry.WithMaxRetries(p.cfg.RetryLimit, retry.NewExponential(p.cfg.RetryBase))

	var out []ParentBlock
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		out = nil

		fin, err := p.cfg.Client.FinalizedHeight(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		if fin < p.cfg.ChainHeadDelay || fin-p.cfg.ChainHeadDelay < from {
			return nil
		}
		target := fin - p.cfg.ChainHeadDelay

		blocks, err := p.cfg.Client.MessagesSince(ctx, from)
		if err != nil {
			return retry.RetryableError(err)
		}
		for _, blk := range blocks {
			if blk.Height >= from && blk.Height <= target {
				out = append(out, blk)
			}
		}
		return nil
	})
	return out, err
}
