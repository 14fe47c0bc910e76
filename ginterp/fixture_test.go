package ginterp_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gchain/gchaintest"
	"github.com/gordian-engine/gsubnet/gexec"
	"github.com/gordian-engine/gsubnet/gexec/gkvexec"
	"github.com/gordian-engine/gsubnet/ginterp"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstate/gmemkv"
	"github.com/gordian-engine/gsubnet/gstore/gmemstore"
	"github.com/gordian-engine/gsubnet/gwatchdog"
	"github.com/gordian-engine/gsubnet/internal/gtest"
	"github.com/stretchr/testify/require"
)

type appFixture struct {
	F *gchaintest.Fixture

	App   *ginterp.App
	State *gstate.VersionedState
	Store *gmemstore.Store

	// Canceled when the app halts the node.
	NodeCtx context.Context
}

func newAppFixture(t *testing.T, ctx context.Context, f *gchaintest.Fixture, engine gexec.Engine) appFixture {
	t.Helper()

	vs, err := gstate.Open(gtest.NewLogger(t).With("sys", "state"), gmemkv.New(), gstate.DefaultConfig())
	require.NoError(t, err)

	return openAppFixture(t, ctx, f, engine, vs, gmemstore.New())
}

// openAppFixture starts an App over existing state and store,
// as a node restarting on its data directory would.
func openAppFixture(
	t *testing.T, ctx context.Context, f *gchaintest.Fixture, engine gexec.Engine,
	vs *gstate.VersionedState, store *gmemstore.Store,
) appFixture {
	t.Helper()

	log := gtest.NewLogger(t)
	wd, nodeCtx := gwatchdog.NewNopWatchdog(ctx, log.With("sys", "watchdog"))
	t.Cleanup(wd.Wait)

	app, err := ginterp.NewApp(nodeCtx, log.With("sys", "app"), ginterp.AppConfig{
		Config:   ginterp.DefaultConfig(),
		Registry: f.Registry,
		Engine:   engine,
		State:    vs,
		Store:    store,
		Watchdog: wd,
	})
	require.NoError(t, err)
	t.Cleanup(app.Wait)

	return appFixture{F: f, App: app, State: vs, Store: store, NodeCtx: nodeCtx}
}

func (fx appFixture) initChain(t *testing.T, ctx context.Context, g gchain.Genesis) ginterp.InitChainResponse {
	t.Helper()
	resp, err := fx.App.InitChain(ctx, ginterp.InitChainRequest{Genesis: g})
	require.NoError(t, err)
	return resp
}

// prepare returns the proposal the app assembles from its mempool.
func (fx appFixture) prepare(t *testing.T, ctx context.Context, h uint64) [][]byte {
	t.Helper()
	resp, err := fx.App.PrepareProposal(ctx, ginterp.PrepareRequest{Height: h})
	require.NoError(t, err)
	return resp.Txs
}

// commitBlock validates, finalizes and commits txs at height h.
func (fx appFixture) commitBlock(t *testing.T, ctx context.Context, h uint64, txs [][]byte) ginterp.FinalizeResponse {
	t.Helper()

	pr, err := fx.App.ProcessProposal(ctx, ginterp.ProcessRequest{Height: h, Txs: txs})
	require.NoError(t, err)
	require.True(t, pr.Accept, "proposal rejected: %v", pr.Reason)

	fr, err := fx.App.FinalizeBlock(ctx, ginterp.FinalizeRequest{Height: h, Txs: txs})
	require.NoError(t, err)
	require.Len(t, fr.Receipts, len(txs))

	cr, err := fx.App.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, h, cr.Height)
	require.Equal(t, fr.Root, cr.Root)

	return fr
}

func (fx appFixture) submit(t *testing.T, ctx context.Context, tx gchain.Transaction) {
	t.Helper()
	require.NoError(t, fx.App.SubmitTx(ctx, tx))
}

func setOp(k, v string) []byte {
	return gkvexec.Payload(gkvexec.Op{Op: "set", Key: k, Value: v})
}

func raws(txs ...gchain.Transaction) [][]byte {
	out := make([][]byte, len(txs))
	for i, tx := range txs {
		out[i] = gchaintest.MustMarshal(tx)
	}
	return out
}
