package gstate_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstate/gmemkv"
	"github.com/gordian-engine/gsubnet/internal/gtest"
	"github.com/stretchr/testify/require"
)

func newState(t *testing.T, cfg gstate.Config) (*gstate.VersionedState, *gmemkv.KV) {
	t.Helper()
	kv := gmemkv.New()
	s, err := gstate.Open(gtest.NewLogger(t), kv, cfg)
	require.NoError(t, err)
	return s, kv
}

func TestVersionedState_fresh(t *testing.T) {
	t.Parallel()

	s, _ := newState(t, gstate.DefaultConfig())

	root, ok := s.Committed()
	require.False(t, ok)
	require.Zero(t, root.Height)
	require.Equal(t, gstate.EmptyRoot, root.Hash)
}

func TestVersionedState_commitAndRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newState(t, gstate.DefaultConfig())

	o, err := s.Begin(1)
	require.NoError(t, err)
	require.NoError(t, o.Set([]byte("a"), []byte("1")))

	// Pending writes are invisible to the committed view.
	require.NoError(t, s.View(func(r gstate.Reader) error {
		_, ok, err := r.Get([]byte("a"))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))

	sealed, err := s.Seal(ctx)
	require.NoError(t, err)

	root, err := s.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, sealed, root)
	require.Equal(t, uint64(1), root.Height)
	require.NotEqual(t, gstate.EmptyRoot, root.Hash)

	require.NoError(t, s.View(func(r gstate.Reader) error {
		v, ok, err := r.Get([]byte("a"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("1"), v)
		return nil
	}))

	// Reserved metadata never shows through.
	var keys []string
	require.NoError(t, s.CommittedReader().Iterate(nil, func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	require.Equal(t, []string{"a"}, keys)

	got, err := s.RootAt(1)
	require.NoError(t, err)
	require.Equal(t, root, got)
}

func TestVersionedState_heights(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newState(t, gstate.DefaultConfig())

	// Fresh state may begin at any height.
	_, err := s.Begin(5)
	require.NoError(t, err)

	_, err = s.Begin(6)
	require.ErrorIs(t, err, gstate.ErrPendingExists)

	_, err = s.Commit(ctx)
	require.NoError(t, err)

	_, err = s.Begin(7)
	require.ErrorIs(t, err, gstate.HeightError{Committed: 5, Got: 7})

	_, err = s.Begin(6)
	require.NoError(t, err)
}

func TestVersionedState_rollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newState(t, gstate.DefaultConfig())

	o, err := s.Begin(1)
	require.NoError(t, err)
	require.NoError(t, o.Set([]byte("a"), []byte("1")))
	s.Rollback()

	_, _, ok := s.Pending()
	require.False(t, ok)

	_, err = s.Commit(ctx)
	require.ErrorIs(t, err, gstate.ErrNoPending)

	o, err = s.Begin(1)
	require.NoError(t, err)
	_, ok, err = o.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVersionedState_deterministicRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	write := func(order [][2]string) []byte {
		s, _ := newState(t, gstate.DefaultConfig())
		o, err := s.Begin(1)
		require.NoError(t, err)
		for _, kv := range order {
			require.NoError(t, o.Set([]byte(kv[0]), []byte(kv[1])))
		}
		root, err := s.Commit(ctx)
		require.NoError(t, err)
		return root.Hash
	}

	a := write([][2]string{{"x", "1"}, {"y", "2"}, {"z", "3"}})
	b := write([][2]string{{"z", "3"}, {"x", "1"}, {"y", "2"}})
	require.Equal(t, a, b)

	c := write([][2]string{{"x", "1"}, {"y", "2"}, {"z", "4"}})
	require.NotEqual(t, a, c)
}

func TestVersionedState_keepRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newState(t, gstate.Config{KeepRecent: 2})

	for h := uint64(1); h <= 4; h++ {
		_, err := s.Begin(h)
		require.NoError(t, err)
		_, err = s.Commit(ctx)
		require.NoError(t, err)
	}

	for _, h := range []uint64{1, 2} {
		_, err := s.RootAt(h)
		require.ErrorIs(t, err, gstate.RootNotFoundError{Height: h})
	}
	for _, h := range []uint64{3, 4} {
		_, err := s.RootAt(h)
		require.NoError(t, err)
	}
}

func TestVersionedState_reservedKeys(t *testing.T) {
	t.Parallel()

	s, _ := newState(t, gstate.DefaultConfig())

	o, err := s.Begin(1)
	require.NoError(t, err)

	err = o.Set([]byte("\x00m/height"), []byte("x"))
	require.ErrorAs(t, err, new(gstate.ReservedKeyError))
}
