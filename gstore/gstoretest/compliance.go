// Package gstoretest contains a compliance suite for [gstore.Store] implementations.
package gstoretest

import (
	"context"
	"fmt"
	"testing"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gstore"
	"github.com/stretchr/testify/require"
)

type StoreFactory func(cleanup func(func())) (gstore.Store, error)

// BlockResult returns a fully populated block result at height
// with n receipts whose hashes are derived from height.
func BlockResult(height uint64, n int) gstore.BlockResult {
	r := gstore.BlockResult{
		Height:    height,
		Root:      []byte(fmt.Sprintf("root-%d", height)),
		BlockData: []byte{0, 2, '[', ']'},
	}
	for i := 0; i < n; i++ {
		r.Receipts = append(r.Receipts, gchain.Receipt{
			TxHash:  TxHash(height, i),
			Height:  height,
			Index:   uint32(i),
			Kind:    gchain.TxKindUser,
			Code:    uint32(i % 2),
			GasUsed: 10,
			Data:    []byte("data"),
			Log:     "log",
		})
	}
	return r
}

// TxHash is the hash of receipt i in [BlockResult] at height.
func TxHash(height uint64, i int) []byte {
	return []byte(fmt.Sprintf("tx-%d-%d", height, i))
}

// Checkpoint returns a fully populated checkpoint ending at toHeight.
func Checkpoint(toHeight uint64) gchain.BottomUpCheckpoint {
	return gchain.BottomUpCheckpoint{
		SubnetID:            "/root/t01",
		Epoch:               toHeight / 10,
		FromHeight:          toHeight - 9,
		ToHeight:            toHeight,
		StateRoot:           []byte(fmt.Sprintf("state-%d", toHeight)),
		OutboxRoot:          []byte("outbox"),
		OutboxCount:         1,
		ConfigurationNumber: 3,
	}
}

// Certificate returns a fully populated certificate for [Checkpoint] at toHeight.
func Certificate(toHeight uint64) gchain.CheckpointCertificate {
	return gchain.CheckpointCertificate{
		Checkpoint:       Checkpoint(toHeight),
		ValidatorSetHash: []byte("valset"),
		Proof: gcrypto.SparseSignatureProof{
			PubKeyHash: []byte("valset"),
			Signatures: []gcrypto.SparseSignature{
				{KeyID: gcrypto.KeyID(0), Sig: []byte("sig0")},
				{KeyID: gcrypto.KeyID(2), Sig: []byte("sig2")},
			},
		},
		Power:     70,
		Threshold: 67,
	}
}

func TestStoreCompliance(t *testing.T, f StoreFactory) {
	t.Run("block results", func(t *testing.T) {
		t.Run("round trip", func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := f(t.Cleanup)
			require.NoError(t, err)

			_, err = s.LatestHeight(ctx)
			require.ErrorIs(t, err, gstore.ErrStoreUninitialized)

			in := BlockResult(1, 3)
			obs := gchain.TopdownObservation{
				Start: 100, End: 110, BlockHash: []byte("b"),
				Messages:         []gchain.CrossMsg{{From: "/root", To: "a", Nonce: 0, Value: 1, Payload: []byte("p")}},
				ValidatorChanges: []gchain.ValidatorChange{},
			}
			cp := Checkpoint(10)
			cert := Certificate(10)
			in.Agreed = &obs
			in.Checkpoint = &cp
			in.Certificate = &cert
			require.NoError(t, s.SaveBlockResult(ctx, in))

			out, err := s.LoadBlockResult(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, in, out)

			h, err := s.LatestHeight(ctx)
			require.NoError(t, err)
			require.Equal(t, uint64(1), h)

			require.NoError(t, s.SaveBlockResult(ctx, BlockResult(2, 0)))
			h, err = s.LatestHeight(ctx)
			require.NoError(t, err)
			require.Equal(t, uint64(2), h)
		})

		t.Run("unknown height", func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := f(t.Cleanup)
			require.NoError(t, err)

			_, err = s.LoadBlockResult(ctx, 5)
			require.ErrorIs(t, err, gstore.HeightUnknownError{Want: 5})
		})

		t.Run("overwrite", func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := f(t.Cleanup)
			require.NoError(t, err)

			require.NoError(t, s.SaveBlockResult(ctx, BlockResult(1, 1)))
			err = s.SaveBlockResult(ctx, BlockResult(1, 2))
			require.ErrorIs(t, err, gstore.BlockResultOverwriteError{Height: 1})
		})

		t.Run("identical save is a no-op", func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := f(t.Cleanup)
			require.NoError(t, err)

			require.NoError(t, s.SaveBlockResult(ctx, BlockResult(1, 2)))
			require.NoError(t, s.SaveBlockResult(ctx, BlockResult(1, 2)))

			got, err := s.LoadBlockResult(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, BlockResult(1, 2), got)

			rc, err := s.Receipt(ctx, TxHash(1, 1))
			require.NoError(t, err)
			require.Equal(t, BlockResult(1, 2).Receipts[1], rc)
		})

		t.Run("receipts by hash", func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := f(t.Cleanup)
			require.NoError(t, err)

			require.NoError(t, s.SaveBlockResult(ctx, BlockResult(1, 2)))
			require.NoError(t, s.SaveBlockResult(ctx, BlockResult(2, 2)))

			rc, err := s.Receipt(ctx, TxHash(2, 1))
			require.NoError(t, err)
			require.Equal(t, BlockResult(2, 2).Receipts[1], rc)

			_, err = s.Receipt(ctx, []byte("nope"))
			require.ErrorIs(t, err, gstore.TxUnknownError{Hash: "6e6f7065"})
		})

		t.Run("repeated transaction keeps earliest receipt", func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := f(t.Cleanup)
			require.NoError(t, err)

			first := BlockResult(1, 1)
			second := BlockResult(2, 1)
			second.Receipts[0].TxHash = first.Receipts[0].TxHash

			require.NoError(t, s.SaveBlockResult(ctx, first))
			require.NoError(t, s.SaveBlockResult(ctx, second))

			rc, err := s.Receipt(ctx, first.Receipts[0].TxHash)
			require.NoError(t, err)
			require.Equal(t, uint64(1), rc.Height)
		})
	})

	t.Run("checkpoints", func(t *testing.T) {
		t.Run("latest and idempotence", func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := f(t.Cleanup)
			require.NoError(t, err)

			_, err = s.LatestCheckpoint(ctx)
			require.ErrorIs(t, err, gstore.ErrStoreUninitialized)

			require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint(10)))
			require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint(20)))
			require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint(10)))

			cp, err := s.LatestCheckpoint(ctx)
			require.NoError(t, err)
			require.Equal(t, Checkpoint(20), cp)

			changed := Checkpoint(10)
			changed.StateRoot = []byte("different")
			err = s.SaveCheckpoint(ctx, changed)
			require.ErrorIs(t, err, gstore.CheckpointOverwriteError{ToHeight: 10})
		})
	})

	t.Run("certificates", func(t *testing.T) {
		t.Run("submission tracking", func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := f(t.Cleanup)
			require.NoError(t, err)

			_, err = s.LoadCertificate(ctx, 10)
			require.ErrorIs(t, err, gstore.HeightUnknownError{Want: 10})
			require.ErrorIs(t, s.MarkCertificateSubmitted(ctx, 10), gstore.HeightUnknownError{Want: 10})

			unsub, err := s.UnsubmittedCertificates(ctx)
			require.NoError(t, err)
			require.Empty(t, unsub)

			require.NoError(t, s.SaveCertificate(ctx, Certificate(20)))
			require.NoError(t, s.SaveCertificate(ctx, Certificate(10)))

			// Saving again is a no-op.
			again := Certificate(10)
			again.Power = 100
			require.NoError(t, s.SaveCertificate(ctx, again))

			cert, err := s.LoadCertificate(ctx, 10)
			require.NoError(t, err)
			require.Equal(t, Certificate(10), cert)

			unsub, err = s.UnsubmittedCertificates(ctx)
			require.NoError(t, err)
			require.Equal(t, []gchain.CheckpointCertificate{Certificate(10), Certificate(20)}, unsub)

			require.NoError(t, s.MarkCertificateSubmitted(ctx, 10))
			// Marking twice is fine.
			require.NoError(t, s.MarkCertificateSubmitted(ctx, 10))

			unsub, err = s.UnsubmittedCertificates(ctx)
			require.NoError(t, err)
			require.Equal(t, []gchain.CheckpointCertificate{Certificate(20)}, unsub)
		})
	})
}
