package ginterp_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gchain/gchaintest"
	"github.com/gordian-engine/gsubnet/gexec"
	"github.com/gordian-engine/gsubnet/gexec/gkvexec"
	"github.com/gordian-engine/gsubnet/ginterp"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestApp_endToEnd(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	fx := newAppFixture(t, ctx, f, gkvexec.Engine{})

	init := fx.initChain(t, ctx, f.Genesis(100))
	require.Zero(t, init.Height)
	require.Equal(t, uint64(100), init.Validators.TotalPower)

	// Two transactions from one sender in one proposal.
	a := f.UserTx(0, 0, setOp("a", "1"))
	b := f.UserTx(0, 1, setOp("b", "2"))
	fx.submit(t, ctx, a)
	fx.submit(t, ctx, b)

	txs := fx.prepare(t, ctx, 1)
	require.Equal(t, raws(a, b), txs)

	resp := fx.commitBlock(t, ctx, 1, txs)
	for _, r := range resp.Receipts {
		require.True(t, r.IsOK(), "receipt code %d: %s", r.Code, r.Log)
	}

	addr := gchain.Address(f.AccountKey(0))
	n, err := ginterp.NextNonce(fx.State.CommittedReader(), addr)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)

	stored, err := fx.Store.Receipt(ctx, resp.Receipts[1].TxHash)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stored.Height)
	require.Equal(t, uint32(1), stored.Index)

	// A stale nonce is refused at admission and in a proposal.
	c := f.UserTx(0, 0, setOp("c", "3"))
	err = fx.App.SubmitTx(ctx, c)
	require.Error(t, err)
	var nme gchain.NonceMismatchError
	require.ErrorAs(t, err, &nme)
	require.Equal(t, uint64(2), nme.Want)
	require.Zero(t, nme.Got)
	require.ErrorAs(t, err, new(ginterp.RejectError))

	pr, err := fx.App.ProcessProposal(ctx, ginterp.ProcessRequest{Height: 2, Txs: raws(c)})
	require.NoError(t, err)
	require.False(t, pr.Accept)
	require.ErrorAs(t, pr.Reason, &nme)

	// Three of four validators vote for [100, 110).
	obs := gchaintest.Observation(100, 110)
	for i := 0; i < 3; i++ {
		fx.submit(t, ctx, f.Vote(i, obs))
	}

	st, err := fx.App.TopdownStatus(ctx, f.PubKey(3))
	require.NoError(t, err)
	require.True(t, st.IsValidator)
	require.Equal(t, uint64(100), st.NextStart)
	require.Nil(t, st.Voted)

	txs = fx.prepare(t, ctx, 2)
	require.Len(t, txs, 3)

	resp = fx.commitBlock(t, ctx, 2, txs)
	require.NotNil(t, resp.Agreed)
	require.Equal(t, obs.Hash(), resp.Agreed.Hash())
	for _, r := range resp.Receipts {
		require.Equal(t, gchain.CodeOK, r.Code)
	}

	st, err = fx.App.TopdownStatus(ctx, f.PubKey(3))
	require.NoError(t, err)
	require.Equal(t, uint64(110), st.NextStart)

	// The fourth vote is valid but changes nothing.
	late := f.Vote(3, obs)
	require.ErrorIs(t, fx.App.SubmitTx(ctx, late), ginterp.ErrStaleTx)

	resp = fx.commitBlock(t, ctx, 3, raws(late))
	require.Nil(t, resp.Agreed)
	require.Equal(t, gchain.CodeNoop, resp.Receipts[0].Code)

	st, err = fx.App.TopdownStatus(ctx, f.PubKey(3))
	require.NoError(t, err)
	require.Equal(t, uint64(110), st.NextStart)

	// An overlapping range is refused regardless of weight.
	overlap := f.Vote(0, gchaintest.Observation(105, 115))
	err = fx.App.SubmitTx(ctx, overlap)
	require.ErrorAs(t, err, new(gchain.ObservationRangeError))
}

func TestApp_topdownEffects(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	fx := newAppFixture(t, ctx, f, gkvexec.Engine{})

	g := f.Genesis(100)
	p := gchain.DefaultChainParams()
	p.CheckpointPeriod = 2
	g.Params = &p
	fx.initChain(t, ctx, g)

	// The parent credits "q" and raises validator 3 to 85.
	first := gchaintest.Observation(100, 110, gchain.CrossMsg{From: "p", To: "q", Nonce: 0, Value: 9})
	first.ValidatorChanges = []gchain.ValidatorChange{
		{ConfigurationNumber: 1, PubKey: f.PubKey(3), Power: 85},
	}
	first = first.Canonical()

	for i := 0; i < 3; i++ {
		fx.submit(t, ctx, f.Vote(i, first))
	}
	resp := fx.commitBlock(t, ctx, 1, fx.prepare(t, ctx, 1))
	require.NotNil(t, resp.Agreed)
	require.Equal(t, first.Hash(), resp.Agreed.Hash())

	app := gstate.Prefixed(gstate.NewOverlay(fx.State.CommittedReader()), "app/")
	bal, err := gkvexec.Balance(app, "q")
	require.NoError(t, err)
	require.Equal(t, uint64(9), bal)

	st, err := fx.App.TopdownStatus(ctx, f.PubKey(3))
	require.NoError(t, err)
	require.Equal(t, uint64(110), st.NextStart)
	require.Equal(t, uint64(1), st.NextNonce)

	// The new set applies from the next height only.
	sys, err := ginterp.LoadSystem(fx.State.CommittedReader(), f.Registry)
	require.NoError(t, err)
	before, ok := sys.Validators.At(1)
	require.True(t, ok)
	require.Equal(t, uint64(100), before.Set.TotalPower)
	require.Zero(t, before.ConfigurationNumber)
	after, ok := sys.Validators.At(2)
	require.True(t, ok)
	require.Equal(t, uint64(160), after.Set.TotalPower)
	require.Equal(t, uint64(1), after.ConfigurationNumber)

	// 75 of 160 no longer reaches quorum.
	second := gchaintest.Observation(110, 120)
	for i := 0; i < 3; i++ {
		fx.submit(t, ctx, f.Vote(i, second))
	}
	resp = fx.commitBlock(t, ctx, 2, fx.prepare(t, ctx, 2))
	require.Nil(t, resp.Agreed)
	for _, r := range resp.Receipts {
		require.Equal(t, gchain.CodeOK, r.Code)
	}

	// Validator 3's weight completes it.
	fx.submit(t, ctx, f.Vote(3, second))
	resp = fx.commitBlock(t, ctx, 3, fx.prepare(t, ctx, 3))
	require.NotNil(t, resp.Agreed)
	require.Equal(t, second.Hash(), resp.Agreed.Hash())

	// The checkpoint for [1, 2] was signed off by the reweighted set.
	require.NotNil(t, resp.NewCheckpoint)
	require.Equal(t, uint64(1), resp.NewCheckpoint.ConfigurationNumber)
}

func TestApp_outOfOrderNonces(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	fx := newAppFixture(t, ctx, f, gkvexec.Engine{})
	fx.initChain(t, ctx, f.Genesis(1))

	txs := raws(f.UserTx(0, 1, setOp("b", "2")), f.UserTx(0, 0, setOp("a", "1")))
	pr, err := fx.App.ProcessProposal(ctx, ginterp.ProcessRequest{Height: 1, Txs: txs})
	require.NoError(t, err)
	require.False(t, pr.Accept)

	var nme gchain.NonceMismatchError
	require.ErrorAs(t, pr.Reason, &nme)
	require.Zero(t, nme.Want)
	require.Equal(t, uint64(1), nme.Got)
}

func TestApp_budgets(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	fx := newAppFixture(t, ctx, f, gkvexec.Engine{})

	g := f.Genesis(1)
	p := gchain.DefaultChainParams()
	p.MaxBlockTxs = 2
	g.Params = &p
	fx.initChain(t, ctx, g)

	all := []gchain.Transaction{
		f.UserTx(0, 0, setOp("a", "1")),
		f.UserTx(1, 0, setOp("b", "1")),
		f.UserTx(2, 0, setOp("c", "1")),
	}
	for _, tx := range all {
		fx.submit(t, ctx, tx)
	}

	// Duplicate candidates are included once.
	resp, err := fx.App.PrepareProposal(ctx, ginterp.PrepareRequest{Height: 1, Candidates: raws(all[1])})
	require.NoError(t, err)
	require.Equal(t, raws(all[1], all[0]), resp.Txs)

	pr, err := fx.App.ProcessProposal(ctx, ginterp.ProcessRequest{Height: 1, Txs: raws(all...)})
	require.NoError(t, err)
	require.False(t, pr.Accept)
	var bee ginterp.BudgetExceededError
	require.ErrorAs(t, pr.Reason, &bee)
	require.Equal(t, "block txs", bee.Budget)

	// Undecodable candidates are dropped; in a proposal they reject it.
	resp, err = fx.App.PrepareProposal(ctx, ginterp.PrepareRequest{Height: 1, Candidates: [][]byte{[]byte("junk")}})
	require.NoError(t, err)
	require.Len(t, resp.Txs, 2)

	pr, err = fx.App.ProcessProposal(ctx, ginterp.ProcessRequest{Height: 1, Txs: [][]byte{[]byte("junk")}})
	require.NoError(t, err)
	require.False(t, pr.Accept)
	require.ErrorAs(t, pr.Reason, new(gchain.MalformedTxError))
}

func TestApp_proposalOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	fx := newAppFixture(t, ctx, f, gkvexec.Engine{})
	fx.initChain(t, ctx, f.Genesis(100))

	vote := f.Vote(0, gchaintest.Observation(100, 110))
	user := f.UserTx(0, 0, setOp("a", "1"))

	pr, err := fx.App.ProcessProposal(ctx, ginterp.ProcessRequest{Height: 1, Txs: raws(vote, user)})
	require.NoError(t, err)
	require.False(t, pr.Accept)
	require.ErrorAs(t, pr.Reason, new(ginterp.ProposalOrderError))
}

func TestApp_redelivery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	fx := newAppFixture(t, ctx, f, gkvexec.Engine{})
	fx.initChain(t, ctx, f.Genesis(1))

	_, err := fx.App.Commit(ctx)
	require.ErrorIs(t, err, ginterp.ErrNotFinalized)

	txs := raws(f.UserTx(0, 0, setOp("a", "1")))
	req := ginterp.FinalizeRequest{Height: 1, Txs: txs}

	first, err := fx.App.FinalizeBlock(ctx, req)
	require.NoError(t, err)

	// Before commit, the same block returns the pending result.
	again, err := fx.App.FinalizeBlock(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first, again)

	_, err = fx.App.Commit(ctx)
	require.NoError(t, err)

	// After commit, the stored result is returned without execution.
	again, err = fx.App.FinalizeBlock(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.Root, again.Root)
	require.Equal(t, first.Receipts, again.Receipts)

	root, ok := fx.App.Committed()
	require.True(t, ok)
	require.Equal(t, uint64(1), root.Height)
	require.Equal(t, first.Root, root.Hash)

	_, err = fx.App.FinalizeBlock(ctx, ginterp.FinalizeRequest{Height: 3})
	require.ErrorAs(t, err, new(gchain.HeightMismatchError))

	// A different block at the pending height replaces the pending one.
	_, err = fx.App.FinalizeBlock(ctx, ginterp.FinalizeRequest{Height: 2})
	require.NoError(t, err)
	other, err := fx.App.FinalizeBlock(ctx, ginterp.FinalizeRequest{
		Height: 2, Txs: raws(f.UserTx(0, 1, setOp("b", "2"))),
	})
	require.NoError(t, err)
	cr, err := fx.App.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, other.Root, cr.Root)

	_, err = fx.App.InitChain(ctx, ginterp.InitChainRequest{Genesis: f.Genesis(1)})
	require.ErrorIs(t, err, ginterp.ErrAlreadyInitialized)
}

func TestApp_deterministic(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	g := f.Genesis(100)
	p := gchain.DefaultChainParams()
	p.CheckpointPeriod = 2
	g.Params = &p
	g.AppState = []byte(`{"balances":{"seed":5}}`)

	proposer := newAppFixture(t, ctx, f, gkvexec.Engine{})
	follower := newAppFixture(t, ctx, f, gkvexec.Engine{})

	r1 := proposer.initChain(t, ctx, g)
	r2 := follower.initChain(t, ctx, g)
	require.Equal(t, r1.Root, r2.Root)

	blocks := [][]gchain.Transaction{
		{
			f.UserTx(0, 0, setOp("a", "1")),
			f.UserTx(1, 0, gkvexec.Payload(gkvexec.Op{Op: "send", To: "parent-addr", Amount: 3})),
			f.UserTx(0, 1, gkvexec.Payload(gkvexec.Op{Op: "fail", Reason: "nope"})),
		},
		{
			f.Vote(0, gchaintest.Observation(100, 105, gchain.CrossMsg{From: "p", To: "q", Nonce: 0, Value: 9, Payload: []byte{}})),
			f.Vote(1, gchaintest.Observation(100, 105, gchain.CrossMsg{From: "p", To: "q", Nonce: 0, Value: 9, Payload: []byte{}})),
			f.Vote(2, gchaintest.Observation(100, 105, gchain.CrossMsg{From: "p", To: "q", Nonce: 0, Value: 9, Payload: []byte{}})),
		},
		{
			f.UserTx(2, 0, setOp("z", "26")),
		},
	}

	for i, blk := range blocks {
		h := uint64(i + 1)
		for _, tx := range blk {
			proposer.submit(t, ctx, tx)
		}
		txs := proposer.prepare(t, ctx, h)
		require.Len(t, txs, len(blk))

		a := proposer.commitBlock(t, ctx, h, txs)
		b := follower.commitBlock(t, ctx, h, txs)
		require.Equal(t, a, b, "height %d", h)
	}

	app := gstate.Prefixed(gstate.NewOverlay(proposer.State.CommittedReader()), "app/")
	bal, err := gkvexec.Balance(app, "q")
	require.NoError(t, err)
	require.Equal(t, uint64(9), bal)
}

func TestApp_checkpointCertification(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	fx := newAppFixture(t, ctx, f, gkvexec.Engine{})

	g := f.Genesis(1)
	p := gchain.DefaultChainParams()
	p.CheckpointPeriod = 2
	g.Params = &p
	fx.initChain(t, ctx, g)

	send := f.UserTx(0, 0, gkvexec.Payload(gkvexec.Op{Op: "send", To: "up", Amount: 1}))
	resp := fx.commitBlock(t, ctx, 1, raws(send))
	require.True(t, resp.Receipts[0].IsOK())
	require.Nil(t, resp.NewCheckpoint)

	fx.commitBlock(t, ctx, 2, nil)
	gtest.NotSending(t, fx.App.Checkpoints())

	resp = fx.commitBlock(t, ctx, 3, nil)
	require.NotNil(t, resp.NewCheckpoint)
	cp := *resp.NewCheckpoint
	require.Equal(t, uint64(1), cp.FromHeight)
	require.Equal(t, uint64(2), cp.ToHeight)
	require.Equal(t, uint64(1), cp.OutboxCount)

	require.Equal(t, cp, gtest.ReceiveSoon(t, fx.App.Checkpoints()))

	latest, err := fx.Store.LatestCheckpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, cp, latest)

	for i := 0; i < 3; i++ {
		fx.submit(t, ctx, f.CheckpointSig(i, cp))
	}
	txs := fx.prepare(t, ctx, 4)
	require.Len(t, txs, 3)

	resp = fx.commitBlock(t, ctx, 4, txs)
	require.NotNil(t, resp.Certificate)
	require.Equal(t, uint64(75), resp.Certificate.Power)
	require.Equal(t, uint64(67), resp.Certificate.Threshold)
	require.NoError(t, fx.App.VerifyCertificate(*resp.Certificate))

	// Dropping a signature leaves the certificate below quorum.
	short := *resp.Certificate
	short.Proof.Signatures = short.Proof.Signatures[:1]
	var invalid gbottomup.InvalidCertificateError
	require.ErrorAs(t, fx.App.VerifyCertificate(short), &invalid)

	_ = gtest.ReceiveSoon(t, fx.App.CertificateNotify())

	unsubmitted, err := fx.Store.UnsubmittedCertificates(ctx)
	require.NoError(t, err)
	require.Len(t, unsubmitted, 1)

	// The fourth signature is late: refused by the mempool, a no-op in a block.
	late := f.CheckpointSig(3, cp)
	require.ErrorIs(t, fx.App.SubmitTx(ctx, late), ginterp.ErrStaleTx)

	resp = fx.commitBlock(t, ctx, 5, raws(late))
	require.Nil(t, resp.Certificate)
	require.Equal(t, gchain.CodeNoop, resp.Receipts[0].Code)
	gtest.NotSending(t, fx.App.CertificateNotify())
}
func TestApp_restartReplaysPendingCheckpoints(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)

	firstCtx, stopFirst := context.WithCancel(ctx)
	defer stopFirst()
	fx := newAppFixture(t, firstCtx, f, gkvexec.Engine{})

	g := f.Genesis(1)
	p := gchain.DefaultChainParams()
	p.CheckpointPeriod = 2
	g.Params = &p
	fx.initChain(t, ctx, g)

	fx.commitBlock(t, ctx, 1, nil)
	fx.commitBlock(t, ctx, 2, nil)
	resp := fx.commitBlock(t, ctx, 3, nil)
	require.NotNil(t, resp.NewCheckpoint)
	cp := *resp.NewCheckpoint

	// Validator 0 got its signature into a block before the restart;
	// validator 1's signature was only in the mempool.
	fx.commitBlock(t, ctx, 4, raws(f.CheckpointSig(0, cp)))
	fx.submit(t, ctx, f.CheckpointSig(1, cp))

	stopFirst()
	fx.App.Wait()

	restarted := openAppFixture(t, ctx, f, gkvexec.Engine{}, fx.State, fx.Store)
	require.Equal(t, cp, gtest.ReceiveSoon(t, restarted.App.Checkpoints()))
	gtest.NotSending(t, restarted.App.Checkpoints())

	// The lost mempool signature can be resubmitted; the included one is stale.
	restarted.submit(t, ctx, f.CheckpointSig(1, cp))
	require.ErrorIs(t, restarted.App.SubmitTx(ctx, f.CheckpointSig(0, cp)), ginterp.ErrStaleTx)
	restarted.submit(t, ctx, f.CheckpointSig(2, cp))

	resp = restarted.commitBlock(t, ctx, 5, restarted.prepare(t, ctx, 5))
	require.NotNil(t, resp.Certificate)
	require.Equal(t, uint64(75), resp.Certificate.Power)

	// Height 5 also opened the checkpoint for [3, 4].
	// Only that one is replayed now; the certified one is not.
	require.NotNil(t, resp.NewCheckpoint)
	again := openAppFixture(t, ctx, f, gkvexec.Engine{}, fx.State, fx.Store)
	replayed := gtest.ReceiveSoon(t, again.App.Checkpoints())
	require.Equal(t, *resp.NewCheckpoint, replayed)
	gtest.NotSending(t, again.App.Checkpoints())
}

func TestApp_interruptedCommitIsProposedAgain(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	g := f.Genesis(1)

	ref := newAppFixture(t, ctx, f, gkvexec.Engine{})
	ref.initChain(t, ctx, g)
	ref.submit(t, ctx, f.UserTx(0, 0, setOp("a", "1")))
	txs := ref.prepare(t, ctx, 1)
	require.Len(t, txs, 1)
	want := ref.commitBlock(t, ctx, 1, txs)

	// This node stored the result of height 1, then stopped before committing state.
	crashed := newAppFixture(t, ctx, f, gkvexec.Engine{})
	crashed.initChain(t, ctx, g)
	stored, err := ref.Store.LoadBlockResult(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, crashed.Store.SaveBlockResult(ctx, stored))

	// Its mempool is empty, yet the stored block is proposed again.
	require.Equal(t, txs, crashed.prepare(t, ctx, 1))
	got := crashed.commitBlock(t, ctx, 1, txs)
	require.Equal(t, want.Root, got.Root)
	require.Equal(t, want.Receipts, got.Receipts)

	// Re-delivery of the committed height is answered from the store.
	again, err := crashed.App.FinalizeBlock(ctx, ginterp.FinalizeRequest{Height: 1, Txs: txs})
	require.NoError(t, err)
	require.Equal(t, want.Root, again.Root)

	require.Empty(t, crashed.prepare(t, ctx, 2))
}

// brokenEngine fails outright on the payload "boom".
type brokenEngine struct{ gkvexec.Engine }

func (e brokenEngine) Apply(ctx context.Context, rw gstate.ReadWriter, m gexec.Message) (gexec.Result, error) {
	if string(m.Payload) == "boom" {
		return gexec.Result{}, errors.New("engine exploded")
	}
	return e.Engine.Apply(ctx, rw, m)
}

func TestApp_invariantViolationHalts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	fx := newAppFixture(t, ctx, f, brokenEngine{})
	fx.initChain(t, ctx, f.Genesis(1))

	txs := raws(f.UserTx(0, 0, []byte("boom")))
	pr, err := fx.App.ProcessProposal(ctx, ginterp.ProcessRequest{Height: 1, Txs: txs})
	require.NoError(t, err)
	require.True(t, pr.Accept)

	_, err = fx.App.FinalizeBlock(ctx, ginterp.FinalizeRequest{Height: 1, Txs: txs})
	var ie ginterp.InvariantError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, uint64(1), ie.Height)

	_ = gtest.ReceiveSoon(t, fx.NodeCtx.Done())
	require.ErrorAs(t, context.Cause(fx.NodeCtx), &ie)

	root, ok := fx.State.Committed()
	require.True(t, ok)
	require.Zero(t, root.Height)
}
