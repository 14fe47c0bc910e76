package gwatchdog

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// MonitorConfig describes how a subsystem is polled.
type MonitorConfig struct {
	// Subsystem name, used in logs and in [FailureToRespondError].
	Name string

	// Poll period, and the half-width of the uniform jitter applied to it.
	// Jitter must not exceed Interval.
	Interval, Jitter time.Duration

	// Deadline for the subsystem to both receive a signal
	// and close its Alive channel.
	ResponseTimeout time.Duration
}

func (c MonitorConfig) validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("Name must not be empty"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("Interval must be positive"))
	}
	if c.Jitter <= 0 {
		errs = append(errs, errors.New("Jitter must be positive"))
	} else if c.Jitter > c.Interval {
		errs = append(errs, errors.New("Jitter must not exceed Interval"))
	}
	if c.ResponseTimeout <= 0 {
		errs = append(errs, errors.New("ResponseTimeout must be positive"))
	}
	return errors.Join(errs...)
}

// Signal is delivered to a monitored subsystem.
// The subsystem closes Alive to acknowledge it.
type Signal struct {
	Alive chan<- struct{}
}

// pinger polls one subsystem until the node context is done
// or the subsystem misses a deadline.
type pinger struct {
	log *slog.Logger
	cfg MonitorConfig

	sigCh  chan<- Signal
	cancel context.CancelCauseFunc
}

func (p *pinger) run(ctx context.Context) {
	// Each pinger has its own RNG.
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	timer := time.NewTimer(p.nextDelay(rng))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !p.ping(ctx) {
			p.log.Error("Subsystem missed watchdog deadline", "timeout", p.cfg.ResponseTimeout)
			p.cancel(FailureToRespondError{SubsystemName: p.cfg.Name})
			return
		}

		timer.Reset(p.nextDelay(rng))
	}
}

func (p *pinger) nextDelay(rng *rand.Rand) time.Duration {
	j := rng.Int64N(int64(2*p.cfg.Jitter)) - int64(p.cfg.Jitter)
	return p.cfg.Interval + time.Duration(j)
}

// ping sends one signal and waits for its acknowledgement.
// It reports false only when the deadline passed;
// a done context counts as success since the node is already stopping.
func (p *pinger) ping(ctx context.Context) bool {
	alive := make(chan struct{})
	deadline := time.NewTimer(p.cfg.ResponseTimeout)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
		return true
	case p.sigCh <- Signal{Alive: alive}:
	case <-deadline.C:
		return false
	}

	select {
	case <-ctx.Done():
		return true
	case <-alive:
		return true
	case <-deadline.C:
		// Both cases may have been ready; prefer the acknowledgement.
		select {
		case <-alive:
			return true
		default:
			return false
		}
	}
}
