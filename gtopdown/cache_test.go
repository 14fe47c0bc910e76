package gtopdown_test

import (
	"testing"

	"github.com/gordian-engine/gsubnet/gtopdown"
	"github.com/stretchr/testify/require"
)

func blk(h uint64) gtopdown.ParentBlock {
	return gtopdown.ParentBlock{Height: h, Hash: []byte{byte(h)}}
}

func TestSequentialCache_insert(t *testing.T) {
	t.Parallel()

	c := gtopdown.NewSequentialCache(0)
	_, _, ok := c.Bounds()
	require.False(t, ok)

	require.NoError(t, c.Insert(blk(10)))
	require.NoError(t, c.Insert(blk(11)))

	require.ErrorIs(t, c.Insert(blk(9)), gtopdown.ErrBelowBound)
	require.ErrorIs(t, c.Insert(blk(11)), gtopdown.ErrNotNext)
	require.ErrorIs(t, c.Insert(blk(13)), gtopdown.ErrAboveBound)

	lower, upper, ok := c.Bounds()
	require.True(t, ok)
	require.Equal(t, uint64(10), lower)
	require.Equal(t, uint64(11), upper)

	b, ok := c.Get(11)
	require.True(t, ok)
	require.Equal(t, uint64(11), b.Height)

	_, ok = c.Get(12)
	require.False(t, ok)
}

func TestSequentialCache_evicts(t *testing.T) {
	t.Parallel()

	c := gtopdown.NewSequentialCache(3)
	for h := uint64(1); h <= 5; h++ {
		require.NoError(t, c.Insert(blk(h)))
	}
	require.Equal(t, 3, c.Len())

	lower, upper, _ := c.Bounds()
	require.Equal(t, uint64(3), lower)
	require.Equal(t, uint64(5), upper)
}

func TestSequentialCache_remove(t *testing.T) {
	t.Parallel()

	c := gtopdown.NewSequentialCache(0)
	for h := uint64(1); h <= 6; h++ {
		require.NoError(t, c.Insert(blk(h)))
	}

	c.RemoveBelow(3)
	c.RemoveAbove(5)
	lower, upper, _ := c.Bounds()
	require.Equal(t, uint64(3), lower)
	require.Equal(t, uint64(5), upper)

	c.RemoveBelow(100)
	require.Zero(t, c.Len())

	// An emptied cache accepts any height again.
	require.NoError(t, c.Insert(blk(50)))
}
