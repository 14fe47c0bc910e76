package gwatchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Watchdog owns the node context.
// Components halt the node through it,
// and long-running subsystems register with [*Watchdog.Monitor]
// so that a stuck main loop also stops the node.
type Watchdog struct {
	log *slog.Logger

	// Context handed out by the constructor; monitors run under it.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// Set by NewNopWatchdog.
	nop bool

	// Tracks the root-context watcher and every running monitor.
	wg sync.WaitGroup
}

// NewWatchdog returns a Watchdog and the node context derived from ctx.
//
// The node context is canceled when a monitored subsystem
// misses its response deadline,
// or when [*Watchdog.Halt] or [*Watchdog.Terminate] is called.
func NewWatchdog(ctx context.Context, log *slog.Logger) (*Watchdog, context.Context) {
	return newWatchdog(ctx, log, false)
}

// NewNopWatchdog returns a Watchdog whose Monitor method returns nil channels.
// Halt and Terminate still cancel the returned context.
//
// NewNopWatchdog should only be called in test.
func NewNopWatchdog(ctx context.Context, log *slog.Logger) (*Watchdog, context.Context) {
	return newWatchdog(ctx, log, true)
}

func newWatchdog(ctx context.Context, log *slog.Logger, nop bool) (*Watchdog, context.Context) {
	nodeCtx, cancel := context.WithCancelCause(ctx)
	w := &Watchdog{
		log:    log,
		ctx:    nodeCtx,
		cancel: cancel,
		nop:    nop,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		<-ctx.Done()
		w.log.Info("Watchdog stopping", "cause", context.Cause(ctx))
	}()

	return w, nodeCtx
}

// Wait blocks until the parent context passed to the constructor is done
// and every monitor goroutine has returned.
// Halting the node alone does not unblock Wait.
func (w *Watchdog) Wait() {
	w.wg.Wait()
}

// Terminate cancels the node context with a [ForcedTerminationError].
// Only the first termination sets the cause.
func (w *Watchdog) Terminate(reason string) {
	w.cancel(ForcedTerminationError{Reason: reason})
}

// Halt cancels the node context with a [ForcedTerminationError] wrapping err,
// so errors.As on the context cause finds err.
// Only the first termination sets the cause.
func (w *Watchdog) Halt(err error) {
	w.log.Error("Halting node", "err", err)
	w.cancel(ForcedTerminationError{Reason: err.Error(), Err: err})
}

// Monitor starts polling a subsystem.
// The subsystem must receive from the returned channel in its main loop
// and close [Signal.Alive] promptly.
// Signals arrive every cfg.Interval, adjusted by a uniform jitter
// in [-cfg.Jitter, +cfg.Jitter).
//
// Monitor returns nil for a nop watchdog,
// or when ctx or the node context is already done.
// A nil channel is never selected, so callers need no special case.
func (w *Watchdog) Monitor(ctx context.Context, cfg MonitorConfig) <-chan Signal {
	if err := cfg.validate(); err != nil {
		panic(fmt.Errorf("BUG: (*Watchdog).Monitor: invalid MonitorConfig: %w", err))
	}

	if w.nop || ctx.Err() != nil || w.ctx.Err() != nil {
		return nil
	}

	// Unbuffered: a send only completes when the subsystem's loop is live.
	sigCh := make(chan Signal)
	p := &pinger{
		log:    w.log.With("target", cfg.Name),
		cfg:    cfg,
		sigCh:  sigCh,
		cancel: w.cancel,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		p.run(w.ctx)
	}()

	return sigCh
}
