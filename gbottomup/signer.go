package gbottomup

import (
	"context"
	"log/slog"
	"runtime/trace"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/internal/glog"
)

// TxSubmitter is the transaction admission path.
type TxSubmitter interface {
	SubmitTx(ctx context.Context, tx gchain.Transaction) error
}

type SignerConfig struct {
	Signer   gcrypto.Signer
	Registry *gcrypto.Registry

	Submitter TxSubmitter

	// Checkpoints created by committed blocks.
	Checkpoints <-chan gchain.BottomUpCheckpoint
}

// Signer signs every committed checkpoint with the local validator key
// and submits the signature through admission.
// Admission rejects signatures from keys outside the checkpoint's validator set,
// so a non-validator node's Signer is harmless.
type Signer struct {
	log *slog.Logger
	cfg SignerConfig

	pubKey []byte

	done chan struct{}
}

func NewSigner(ctx context.Context, log *slog.Logger, cfg SignerConfig) *Signer {
	s := &Signer{
		log: log,
		cfg: cfg,

		pubKey: cfg.Registry.Marshal(cfg.Signer.PubKey()),

		done: make(chan struct{}),
	}
	go s.kernel(ctx)
	return s
}

// Wait blocks until s's goroutine has returned.
func (s *Signer) Wait() {
	<-s.done
}

func (s *Signer) kernel(ctx context.Context) {
	defer close(s.done)

	ctx, task := trace.NewTask(ctx, "gbottomup.Signer.kernel")
	defer task.End()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		case cp := <-s.cfg.Checkpoints:
			s.sign(ctx, cp)
		}
	}
}

func (s *Signer) sign(ctx context.Context, cp gchain.BottomUpCheckpoint) {
	defer trace.StartRegion(ctx, "sign").End()

	hash := cp.Hash()
	sig, err := s.cfg.Signer.Sign(ctx, gchain.CheckpointSignBytes(hash))
	if err != nil {
		s.log.Warn("Failed to sign checkpoint", "height", cp.ToHeight, "err", err)
		return
	}

	tx := gchain.Transaction{CheckpointSig: &gchain.CheckpointSignature{
		Signer:         s.pubKey,
		Height:         cp.ToHeight,
		CheckpointHash: hash,
		Signature:      sig,
	}}
	if err := s.cfg.Submitter.SubmitTx(ctx, tx); err != nil {
		s.log.Info("Checkpoint signature not admitted", "height", cp.ToHeight, "err", err)
		return
	}

	s.log.Debug("Submitted checkpoint signature", "height", cp.ToHeight, "hash", glog.Hex(hash))
}
