// Package gsolo is a single-validator driver for development networks.
//
// It stands in for the consensus engine:
// on every tick it runs the full pipeline for the next height,
// with its own validator as the only proposer.
package gsolo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/trace"
	"time"

	"github.com/gordian-engine/gsubnet/ginterp"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/internal/glog"
)

// Pipeline is the part of [*ginterp.App] the driver calls.
type Pipeline interface {
	PrepareProposal(context.Context, ginterp.PrepareRequest) (ginterp.PrepareResponse, error)
	ProcessProposal(context.Context, ginterp.ProcessRequest) (ginterp.ProcessResponse, error)
	FinalizeBlock(context.Context, ginterp.FinalizeRequest) (ginterp.FinalizeResponse, error)
	Commit(context.Context) (ginterp.CommitResponse, error)

	Committed() (gstate.Root, bool)
}

type Config struct {
	Pipeline Pipeline

	// Registry encoding of the proposing validator's key.
	Proposer []byte

	BlockInterval time.Duration

	// Optional. Receives every finalized block after its commit;
	// sends are dropped when the channel is not ready.
	Blocks chan<- ginterp.FinalizeResponse
}

func (c Config) Validate() error {
	var errs error
	if c.Pipeline == nil {
		errs = errors.Join(errs, errors.New("pipeline must be set"))
	}
	if c.BlockInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("block interval must be positive (got %s)", c.BlockInterval))
	}
	return errs
}

// Driver produces one block per interval until its context is canceled
// or the pipeline fails.
type Driver struct {
	log *slog.Logger
	cfg Config

	done chan struct{}
	err  error
}

func NewDriver(ctx context.Context, log *slog.Logger, cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver config: %w", err)
	}

	d := &Driver{
		log: log,
		cfg: cfg,

		done: make(chan struct{}),
	}
	go d.kernel(ctx)
	return d, nil
}

// Wait blocks until the driver stops,
// returning the pipeline error that stopped it, if any.
func (d *Driver) Wait() error {
	<-d.done
	return d.err
}

func (d *Driver) kernel(ctx context.Context) {
	defer close(d.done)

	ctx, task := trace.NewTask(ctx, "gsolo.Driver.kernel")
	defer task.End()

	t := time.NewTicker(d.cfg.BlockInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		case <-t.C:
		}

		if err := d.produceBlock(ctx); err != nil {
			if ctx.Err() != nil {
				d.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
				return
			}
			d.log.Error("Failed to produce block", "err", err)
			d.err = err
			return
		}
	}
}

// produceBlock runs prepare, process, finalize and commit for the next height.
func (d *Driver) produceBlock(ctx context.Context) error {
	defer trace.StartRegion(ctx, "produceBlock").End()

	root, ok := d.cfg.Pipeline.Committed()
	if !ok {
		return ginterp.ErrNotInitialized
	}
	h := root.Height + 1

	prep, err := d.cfg.Pipeline.PrepareProposal(ctx, ginterp.PrepareRequest{Height: h, Proposer: d.cfg.Proposer})
	if err != nil {
		return fmt.Errorf("prepare at height %d: %w", h, err)
	}

	proc, err := d.cfg.Pipeline.ProcessProposal(ctx, ginterp.ProcessRequest{Height: h, Txs: prep.Txs})
	if err != nil {
		return fmt.Errorf("process at height %d: %w", h, err)
	}
	if !proc.Accept {
		// Prepare and Process read the same committed state,
		// so this is a bug in one of them.
		return fmt.Errorf("own proposal at height %d rejected: %w", h, proc.Reason)
	}

	fin, err := d.cfg.Pipeline.FinalizeBlock(ctx, ginterp.FinalizeRequest{
		Height: h, Proposer: d.cfg.Proposer, Txs: prep.Txs,
	})
	if err != nil {
		return fmt.Errorf("finalize at height %d: %w", h, err)
	}

	if _, err := d.cfg.Pipeline.Commit(ctx); err != nil {
		return fmt.Errorf("commit at height %d: %w", h, err)
	}

	if len(prep.Txs) > 0 {
		d.log.Info("Produced block", "height", h, "txs", len(prep.Txs), "root", glog.Hex(fin.Root))
	} else {
		d.log.Debug("Produced empty block", "height", h, "root", glog.Hex(fin.Root))
	}

	if d.cfg.Blocks != nil {
		select {
		case d.cfg.Blocks <- fin:
		default:
		}
	}
	return nil
}
