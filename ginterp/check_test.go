package ginterp_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gchain/gchaintest"
	"github.com/gordian-engine/gsubnet/gexec/gkvexec"
	"github.com/gordian-engine/gsubnet/ginterp"
	"github.com/stretchr/testify/require"
)

// checkFixture returns a checker and the CheckState for height 1
// of a freshly initialized chain.
func checkFixture(t *testing.T, ctx context.Context, f *gchaintest.Fixture) (ginterp.Checker, ginterp.CheckState) {
	t.Helper()

	fx := newAppFixture(t, ctx, f, gkvexec.Engine{})
	fx.initChain(t, ctx, f.Genesis(100))

	r := fx.State.CommittedReader()
	sys, err := ginterp.LoadSystem(r, f.Registry)
	require.NoError(t, err)

	cs, err := ginterp.NewCheckState(r, &sys, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), cs.Height())

	return ginterp.NewChecker(f.Registry), cs
}

func requireRejected(t *testing.T, err error, kind gchain.TxKind) {
	t.Helper()
	var re ginterp.RejectError
	require.ErrorAs(t, err, &re)
	require.Equal(t, kind, re.Kind)
}

func TestChecker_userTx(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	c, cs := checkFixture(t, ctx, f)

	t.Run("bad signature", func(t *testing.T) {
		tx := f.UserTx(0, 0, setOp("a", "1"))
		tx.User.Signature[0] ^= 0xff
		_, err := c.CheckTx(ctx, cs, tx)
		requireRejected(t, err, gchain.TxKindUser)
		require.ErrorIs(t, err, gchain.ErrInvalidSignature)
	})

	t.Run("empty payload", func(t *testing.T) {
		_, err := c.CheckTx(ctx, cs, f.UserTx(0, 0, nil))
		requireRejected(t, err, gchain.TxKindUser)
		require.ErrorAs(t, err, new(gchain.MalformedTxError))
	})

	t.Run("zero gas limit", func(t *testing.T) {
		tx := f.UserTx(0, 0, setOp("a", "1"))
		tx.User.GasLimit = 0
		_, err := c.CheckTx(ctx, cs, tx)
		requireRejected(t, err, gchain.TxKindUser)
		require.ErrorAs(t, err, new(gchain.MalformedTxError))
	})

	t.Run("oversized payload", func(t *testing.T) {
		big := bytes.Repeat([]byte{'x'}, gchain.DefaultChainParams().MaxTxBytes+1)
		_, err := c.CheckTx(ctx, cs, f.UserTx(0, 0, big))
		var bee ginterp.BudgetExceededError
		require.ErrorAs(t, err, &bee)
		require.Equal(t, "tx bytes", bee.Budget)
	})

	t.Run("nonces chain through returned state", func(t *testing.T) {
		next, err := c.CheckTx(ctx, cs, f.UserTx(1, 0, setOp("a", "1")))
		require.NoError(t, err)

		_, err = c.CheckTx(ctx, next, f.UserTx(1, 0, setOp("a", "1")))
		var nme gchain.NonceMismatchError
		require.ErrorAs(t, err, &nme)
		require.Equal(t, uint64(1), nme.Want)

		_, err = c.CheckTx(ctx, next, f.UserTx(1, 1, setOp("a", "2")))
		require.NoError(t, err)

		// The original state is unaffected.
		_, err = c.CheckTx(ctx, cs, f.UserTx(1, 0, setOp("a", "1")))
		require.NoError(t, err)

		// Other senders are tracked separately.
		_, err = c.CheckTx(ctx, next, f.UserTx(2, 0, setOp("a", "1")))
		require.NoError(t, err)
	})
}

func TestChecker_vote(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	c, cs := checkFixture(t, ctx, f)

	t.Run("valid", func(t *testing.T) {
		_, err := c.CheckTx(ctx, cs, f.Vote(0, gchaintest.Observation(100, 110)))
		require.NoError(t, err)
	})

	t.Run("non-validator", func(t *testing.T) {
		v := gchain.ObservationVote{
			Voter:       f.AccountKey(0),
			Observation: gchaintest.Observation(100, 110),
		}
		sig, err := f.Accounts[0].Sign(ctx, v.SignBytes())
		require.NoError(t, err)
		v.Signature = sig

		_, err = c.CheckTx(ctx, cs, gchain.Transaction{Vote: &v})
		requireRejected(t, err, gchain.TxKindObservationVote)
		require.ErrorAs(t, err, new(gchain.UnknownValidatorError))
	})

	t.Run("precedes next range", func(t *testing.T) {
		_, err := c.CheckTx(ctx, cs, f.Vote(0, gchaintest.Observation(90, 100)))
		requireRejected(t, err, gchain.TxKindObservationVote)
		var re gchain.ObservationRangeError
		require.ErrorAs(t, err, &re)
		require.Equal(t, uint64(100), re.NextStart)
	})

	t.Run("skips ahead", func(t *testing.T) {
		_, err := c.CheckTx(ctx, cs, f.Vote(1, gchaintest.Observation(101, 110)))
		require.ErrorAs(t, err, new(gchain.ObservationRangeError))
	})

	t.Run("range too long", func(t *testing.T) {
		_, err := c.CheckTx(ctx, cs, f.Vote(1, gchaintest.Observation(100, 100+gchain.DefaultChainParams().MaxProposalRange+1)))
		requireRejected(t, err, gchain.TxKindObservationVote)
	})
}

func TestChecker_checkpointSignature(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	c, cs := checkFixture(t, ctx, f)

	cp := gchain.BottomUpCheckpoint{SubnetID: f.SubnetID, FromHeight: 1, ToHeight: 10}
	_, err := c.CheckTx(ctx, cs, f.CheckpointSig(0, cp))
	requireRejected(t, err, gchain.TxKindCheckpointSignature)

	var uce gbottomup.UnknownCheckpointError
	require.ErrorAs(t, err, &uce)
	require.Equal(t, uint64(10), uce.Height)
}

func TestChecker_noVariant(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	c, cs := checkFixture(t, ctx, f)

	_, err := c.CheckTx(ctx, cs, gchain.Transaction{})
	requireRejected(t, err, gchain.TxKindInvalid)
}
