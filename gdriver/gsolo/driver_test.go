package gsolo_test

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gchain/gchaintest"
	"github.com/gordian-engine/gsubnet/gdriver/gsolo"
	"github.com/gordian-engine/gsubnet/gexec/gkvexec"
	"github.com/gordian-engine/gsubnet/ginterp"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstate/gmemkv"
	"github.com/gordian-engine/gsubnet/gstore/gmemstore"
	"github.com/gordian-engine/gsubnet/gwatchdog"
	"github.com/gordian-engine/gsubnet/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestDriver_producesBlocks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := gtest.NewLogger(t)
	f := gchaintest.NewFixture(100)

	wd, nodeCtx := gwatchdog.NewNopWatchdog(ctx, log.With("sys", "watchdog"))
	defer wd.Wait()

	vs, err := gstate.Open(log.With("sys", "state"), gmemkv.New(), gstate.DefaultConfig())
	require.NoError(t, err)
	store := gmemstore.New()

	app, err := ginterp.NewApp(nodeCtx, log.With("sys", "app"), ginterp.AppConfig{
		Config:   ginterp.DefaultConfig(),
		Registry: f.Registry,
		Engine:   gkvexec.Engine{},
		State:    vs,
		Store:    store,
		Watchdog: wd,
	})
	require.NoError(t, err)
	defer app.Wait()

	_, err = app.InitChain(ctx, ginterp.InitChainRequest{Genesis: f.Genesis(1)})
	require.NoError(t, err)

	tx := f.UserTx(0, 0, gkvexec.Payload(gkvexec.Op{Op: "set", Key: "k", Value: "v"}))
	require.NoError(t, app.SubmitTx(ctx, tx))

	blocks := make(chan ginterp.FinalizeResponse, 1)
	d, err := gsolo.NewDriver(nodeCtx, log.With("sys", "driver"), gsolo.Config{
		Pipeline:      app,
		Proposer:      f.PubKey(0),
		BlockInterval: 5 * time.Millisecond,
		Blocks:        blocks,
	})
	require.NoError(t, err)

	first := gtest.ReceiveSoon(t, blocks)
	require.Equal(t, uint64(1), first.Height)
	require.Len(t, first.Receipts, 1)
	require.Equal(t, gchain.CodeOK, first.Receipts[0].Code)

	// Empty blocks keep coming.
	next := gtest.ReceiveSoon(t, blocks)
	require.Greater(t, next.Height, first.Height)
	require.Empty(t, next.Receipts)

	rc, err := store.Receipt(ctx, first.Receipts[0].TxHash)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rc.Height)

	cancel()
	require.NoError(t, d.Wait())
}

func TestDriver_requiresInitializedChain(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := gtest.NewLogger(t)
	vs, err := gstate.Open(log, gmemkv.New(), gstate.DefaultConfig())
	require.NoError(t, err)

	d, err := gsolo.NewDriver(ctx, log, gsolo.Config{
		Pipeline:      uninitialized{vs},
		BlockInterval: time.Millisecond,
	})
	require.NoError(t, err)
	require.ErrorIs(t, d.Wait(), ginterp.ErrNotInitialized)
}

// uninitialized is a pipeline that never had genesis committed.
type uninitialized struct{ *gstate.VersionedState }

func (uninitialized) PrepareProposal(context.Context, ginterp.PrepareRequest) (ginterp.PrepareResponse, error) {
	panic("unreachable")
}

func (uninitialized) ProcessProposal(context.Context, ginterp.ProcessRequest) (ginterp.ProcessResponse, error) {
	panic("unreachable")
}

func (uninitialized) FinalizeBlock(context.Context, ginterp.FinalizeRequest) (ginterp.FinalizeResponse, error) {
	panic("unreachable")
}

func (uninitialized) Commit(context.Context) (ginterp.CommitResponse, error) {
	panic("unreachable")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.Error(t, gsolo.Config{}.Validate())
}
