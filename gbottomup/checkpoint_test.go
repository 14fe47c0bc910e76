package gbottomup_test

import (
	"testing"

	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstate/gmemkv"
	"github.com/stretchr/testify/require"
)

func TestIsCheckpointHeight(t *testing.T) {
	t.Parallel()

	require.False(t, gbottomup.IsCheckpointHeight(1, 10))
	require.False(t, gbottomup.IsCheckpointHeight(10, 10))
	require.True(t, gbottomup.IsCheckpointHeight(11, 10))
	require.True(t, gbottomup.IsCheckpointHeight(21, 10))
	require.False(t, gbottomup.IsCheckpointHeight(5, 0))
}

func TestCreateCheckpoint(t *testing.T) {
	t.Parallel()

	o := gstate.NewOverlay(gmemkv.New())

	m1 := gchain.CrossMsg{From: "/root/t01", To: "/root", Value: 1, Nonce: 0, Payload: []byte("a")}
	m2 := gchain.CrossMsg{From: "/root/t01", To: "/root", Value: 2, Nonce: 1, Payload: []byte("b")}
	m3 := gchain.CrossMsg{From: "/root/t01", To: "/root", Value: 3, Nonce: 2, Payload: []byte("c")}
	require.NoError(t, gbottomup.AppendOutbox(o, 3, []gchain.CrossMsg{m1}))
	require.NoError(t, gbottomup.AppendOutbox(o, 3, []gchain.CrossMsg{m2}))
	// After the first period.
	require.NoError(t, gbottomup.AppendOutbox(o, 11, []gchain.CrossMsg{m3}))

	in := gbottomup.CheckpointInput{
		SubnetID:            "/root/t01",
		Height:              11,
		Period:              10,
		InitialHeight:       1,
		StateRoot:           []byte("root-10"),
		ConfigurationNumber: 2,
	}
	cp, err := gbottomup.CreateCheckpoint(o, in)
	require.NoError(t, err)

	require.Equal(t, uint64(1), cp.Epoch)
	require.Equal(t, uint64(1), cp.FromHeight)
	require.Equal(t, uint64(10), cp.ToHeight)
	require.Equal(t, []byte("root-10"), cp.StateRoot)
	require.Equal(t, gchain.OutboxRoot([]gchain.CrossMsg{m1, m2}), cp.OutboxRoot)
	require.Equal(t, uint64(2), cp.OutboxCount)
	require.Equal(t, uint64(2), cp.ConfigurationNumber)

	p, ok, err := gbottomup.LoadPending(o, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cp.Hash(), p.Checkpoint.Hash())

	// The consumed period's outbox is gone; later messages remain.
	left, err := gbottomup.Outbox(o, 0, 100)
	require.NoError(t, err)
	require.Equal(t, []gchain.CrossMsg{m3}, left)

	in.Height = 21
	in.StateRoot = []byte("root-20")
	cp2, err := gbottomup.CreateCheckpoint(o, in)
	require.NoError(t, err)
	require.Equal(t, uint64(11), cp2.FromHeight)
	require.Equal(t, uint64(20), cp2.ToHeight)
	require.Equal(t, uint64(1), cp2.OutboxCount)

	pending, err := gbottomup.PendingCheckpoints(o)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, uint64(10), pending[0].Checkpoint.ToHeight)
}

func TestCreateCheckpoint_emptyOutbox(t *testing.T) {
	t.Parallel()

	o := gstate.NewOverlay(gmemkv.New())
	cp, err := gbottomup.CreateCheckpoint(o, gbottomup.CheckpointInput{
		Height: 6, Period: 5, InitialHeight: 1, StateRoot: []byte("r"),
	})
	require.NoError(t, err)
	require.Empty(t, cp.OutboxRoot)
	require.Zero(t, cp.OutboxCount)
}
