package gbottomup_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gchain/gchaintest"
	"github.com/gordian-engine/gsubnet/gstore/gstoretest"
	"github.com/gordian-engine/gsubnet/internal/gtest"
	"github.com/stretchr/testify/require"
)

type chanTxSubmitter chan gchain.Transaction

func (c chanTxSubmitter) SubmitTx(ctx context.Context, tx gchain.Transaction) error {
	select {
	case c <- tx:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func TestSigner(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(1)
	cps := make(chan gchain.BottomUpCheckpoint, 1)
	txs := make(chan gchain.Transaction, 1)

	s := gbottomup.NewSigner(ctx, gtest.NewLogger(t), gbottomup.SignerConfig{
		Signer:      f.Validators[0],
		Registry:    f.Registry,
		Submitter:   chanTxSubmitter(txs),
		Checkpoints: cps,
	})
	defer s.Wait()
	defer cancel()

	cp := gstoretest.Checkpoint(10)
	gtest.SendSoon(t, cps, cp)

	tx := gtest.ReceiveSoon(t, txs)
	require.NotNil(t, tx.CheckpointSig)
	require.Equal(t, *f.CheckpointSig(0, cp).CheckpointSig, *tx.CheckpointSig)
}
