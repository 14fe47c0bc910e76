package gchain_test

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gchain/gchaintest"
	"github.com/stretchr/testify/require"
)

func TestNewValidatorSet(t *testing.T) {
	t.Parallel()

	f := gchaintest.NewFixture(10, 30, 30, 0)
	vs := f.ValidatorSet()

	// Zero power validator dropped; sorted by power descending.
	require.Len(t, vs.Validators, 3)
	require.Equal(t, uint64(70), vs.TotalPower)
	require.Equal(t, uint64(30), vs.Validators[0].Power)
	require.Equal(t, uint64(10), vs.Validators[2].Power)

	require.Equal(t, 2, vs.Index(f.Validators[0].PubKey()))
	require.Equal(t, -1, vs.Index(f.Validators[3].PubKey()))

	// Deterministic hashes.
	again := gchaintest.NewFixture(30, 10, 30, 0)
	require.Equal(t, vs.PowerHash, gchaintest.NewFixture(10, 30, 30).ValidatorSet().PowerHash)
	require.NotEqual(t, vs.PubKeyHash, again.ValidatorSet().PubKeyHash)
}

func TestNewValidatorSet_empty(t *testing.T) {
	t.Parallel()

	f := gchaintest.NewFixture()
	_, err := gchain.NewValidatorSet(f.Registry, nil)
	require.ErrorIs(t, err, gchain.ErrEmptyValidatorSet)
}

func TestValidatorSet_PowerOfBits(t *testing.T) {
	t.Parallel()

	vs := gchaintest.NewFixture(30, 30, 30, 10).ValidatorSet()

	bs := bitset.New(4)
	bs.Set(0).Set(3)
	require.Equal(t, uint64(40), vs.PowerOfBits(bs))

	bs.Set(1).Set(2)
	require.Equal(t, uint64(100), vs.PowerOfBits(bs))
}

func TestApplyValidatorChanges(t *testing.T) {
	t.Parallel()

	f := gchaintest.NewFixture(25, 25, 25, 25, 5)
	full := f.ValidatorSet()

	// Start without validator 4.
	base, err := gchain.ApplyValidatorChanges(f.Registry, full, []gchain.ValidatorChange{
		{ConfigurationNumber: 1, PubKey: f.PubKey(4), Power: 0},
	})
	require.NoError(t, err)
	require.Len(t, base.Validators, 4)
	require.Len(t, full.Validators, 5, "original set must not change")

	next, err := gchain.ApplyValidatorChanges(f.Registry, base, []gchain.ValidatorChange{
		{ConfigurationNumber: 2, PubKey: f.PubKey(4), Power: 50},
		{ConfigurationNumber: 3, PubKey: f.PubKey(0), Power: 0},
	})
	require.NoError(t, err)
	require.Len(t, next.Validators, 4)
	require.Equal(t, uint64(125), next.TotalPower)
	require.Equal(t, 0, next.Index(f.Validators[4].PubKey()))
	require.Equal(t, -1, next.Index(f.Validators[0].PubKey()))

	// Removing everyone fails.
	_, err = gchain.ApplyValidatorChanges(f.Registry, base, []gchain.ValidatorChange{
		{PubKey: f.PubKey(0)}, {PubKey: f.PubKey(1)}, {PubKey: f.PubKey(2)}, {PubKey: f.PubKey(3)},
	})
	require.ErrorIs(t, err, gchain.ErrEmptyValidatorSet)
}

func TestNextSnapshot(t *testing.T) {
	t.Parallel()

	f := gchaintest.NewFixture(25, 25, 25, 25)
	latest := gchain.ValidatorSnapshot{EffectiveFrom: 1, ConfigurationNumber: 4, Set: f.ValidatorSet()}

	t.Run("takes the parent's numbering", func(t *testing.T) {
		t.Parallel()

		next, ok, err := gchain.NextSnapshot(f.Registry, latest, 8, []gchain.ValidatorChange{
			{ConfigurationNumber: 5, PubKey: f.PubKey(0), Power: 50},
			{ConfigurationNumber: 7, PubKey: f.PubKey(1), Power: 0},
		})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(8), next.EffectiveFrom)
		require.Equal(t, uint64(7), next.ConfigurationNumber)
		require.Len(t, next.Set.Validators, 3)
		require.Equal(t, uint64(100), next.Set.TotalPower)
	})

	t.Run("skips changes already applied", func(t *testing.T) {
		t.Parallel()

		next, ok, err := gchain.NextSnapshot(f.Registry, latest, 8, []gchain.ValidatorChange{
			{ConfigurationNumber: 3, PubKey: f.PubKey(0), Power: 0},
			{ConfigurationNumber: 4, PubKey: f.PubKey(1), Power: 0},
			{ConfigurationNumber: 5, PubKey: f.PubKey(2), Power: 10},
		})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(5), next.ConfigurationNumber)
		require.Len(t, next.Set.Validators, 4)
		require.Equal(t, uint64(85), next.Set.TotalPower)

		_, ok, err = gchain.NextSnapshot(f.Registry, latest, 8, []gchain.ValidatorChange{
			{ConfigurationNumber: 4, PubKey: f.PubKey(1), Power: 0},
		})
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestValidatorHistory(t *testing.T) {
	t.Parallel()

	f := gchaintest.NewFixture(1, 2, 3)
	vs := f.ValidatorSet()

	var h gchain.ValidatorHistory
	_, ok := h.At(5)
	require.False(t, ok)

	h, err := h.With(gchain.ValidatorSnapshot{EffectiveFrom: 1, Set: vs})
	require.NoError(t, err)
	h2, err := h.With(gchain.ValidatorSnapshot{EffectiveFrom: 10, ConfigurationNumber: 1, Set: vs})
	require.NoError(t, err)
	require.Equal(t, 1, h.Len(), "With must not modify the receiver")

	s, ok := h2.At(9)
	require.True(t, ok)
	require.Equal(t, uint64(1), s.EffectiveFrom)

	s, ok = h2.At(10)
	require.True(t, ok)
	require.Equal(t, uint64(1), s.ConfigurationNumber)

	s, ok = h2.At(1000)
	require.True(t, ok)
	require.Equal(t, uint64(10), s.EffectiveFrom)

	_, ok = h2.At(0)
	require.False(t, ok)

	_, err = h2.With(gchain.ValidatorSnapshot{EffectiveFrom: 10, Set: vs})
	require.Error(t, err)
}
