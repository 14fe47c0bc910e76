package gbottomup

import (
	"context"
	"errors"
	"log/slog"
	"runtime/trace"
	"time"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gmetrics"
	"github.com/gordian-engine/gsubnet/gstore"
	"github.com/sethvargo/go-retry"
)

// Submitter delivers certificates to the parent chain.
// Implementations should treat a repeated certificate as success,
// since a crash between submission and recording it resubmits.
type Submitter interface {
	SubmitCertificate(ctx context.Context, cert gchain.CheckpointCertificate) error
}

// Verifier checks a stored certificate against the validator set
// that signed its checkpoint.
type Verifier interface {
	VerifyCertificate(cert gchain.CheckpointCertificate) error
}

type RelayerConfig struct {
	Config

	Store     gstore.CheckpointStore
	Submitter Submitter

	// Optional. Certificates it rejects are never submitted.
	Verifier Verifier

	// Receives a value whenever a new certificate has been stored.
	Notify <-chan struct{}

	Metrics *gmetrics.Metrics
}

// Relayer hands every stored certificate to the [Submitter],
// in height order, and records each successful submission in the store.
// On start it resumes any certificates left unsubmitted.
type Relayer struct {
	log *slog.Logger
	cfg RelayerConfig

	done chan struct{}
}

func NewRelayer(ctx context.Context, log *slog.Logger, cfg RelayerConfig) *Relayer {
	r := &Relayer{
		log: log,
		cfg: cfg,

		done: make(chan struct{}),
	}
	go r.kernel(ctx)
	return r
}

// Wait blocks until r's goroutine has returned.
func (r *Relayer) Wait() {
	<-r.done
}

func (r *Relayer) kernel(ctx context.Context) {
	defer close(r.done)

	ctx, task := trace.NewTask(ctx, "gbottomup.Relayer.kernel")
	defer task.End()

	t := time.NewTicker(r.cfg.ScanInterval)
	defer t.Stop()

	for {
		r.relayAll(ctx)

		select {
		case <-ctx.Done():
			r.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		case <-r.cfg.Notify:
		case <-t.C:
		}
	}
}

func (r *Relayer) relayAll(ctx context.Context) {
	defer trace.StartRegion(ctx, "relayAll").End()

	certs, err := r.cfg.Store.UnsubmittedCertificates(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("Failed to load unsubmitted certificates", "err", err)
		}
		return
	}

	for _, cert := range certs {
		if r.cfg.Verifier != nil {
			if err := r.cfg.Verifier.VerifyCertificate(cert); err != nil {
				r.log.Error(
					"Refusing to submit invalid certificate",
					"height", cert.Checkpoint.ToHeight, "err", err,
				)
				continue
			}
		}

		if err := r.submit(ctx, cert); err != nil {
			// Only context cancellation ends the retry loop.
			return
		}

		h := cert.Checkpoint.ToHeight
		if err := r.cfg.Store.MarkCertificateSubmitted(ctx, h); err != nil {
			r.log.Warn("Failed to record certificate submission", "height", h, "err", err)
			return
		}
		r.cfg.Metrics.CertificateSubmitted()
		r.log.Info("Submitted certificate", "height", h, "power", cert.Power)
	}
}

func (r *Relayer) submit(ctx context.Context, cert gchain.CheckpointCertificate) error {
	b := retry.WithCappedDuration(r.cfg.RetryMax, retry.NewExponential(r.cfg.RetryBase))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
		defer cancel()

		err := r.cfg.Submitter.SubmitCertificate(sctx, cert)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.cfg.Metrics.SubmitFailed()
		r.log.Warn(
			"Certificate submission failed; retrying",
			"height", cert.Checkpoint.ToHeight, "err", err,
			"deadline_exceeded", errors.Is(err, context.DeadlineExceeded),
		)
		return retry.RetryableError(err)
	})
}
