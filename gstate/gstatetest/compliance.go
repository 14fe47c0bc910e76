// Package gstatetest contains a compliance suite for [gstate.KV] implementations.
package gstatetest

import (
	"context"
	"testing"

	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/internal/gtest"
	"github.com/stretchr/testify/require"
)

// KVFactory returns a new, empty KV.
// Tests may call the factory again with the same name to reopen the same data,
// after closing the previous instance.
type KVFactory func(cleanup func(func()), name string) (gstate.KV, error)

// TestKVCompliance runs the compliance suite against the KV implementation
// produced by f.
func TestKVCompliance(t *testing.T, f KVFactory) {
	t.Run("get missing key", func(t *testing.T) {
		t.Parallel()

		kv, err := f(t.Cleanup, t.Name())
		require.NoError(t, err)

		_, ok, err := kv.Get([]byte("missing"))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("apply and read back", func(t *testing.T) {
		t.Parallel()

		kv, err := f(t.Cleanup, t.Name())
		require.NoError(t, err)

		require.NoError(t, kv.Apply([]gstate.Write{
			{Key: []byte("a/2"), Value: []byte("two")},
			{Key: []byte("a/1"), Value: []byte("one")},
			{Key: []byte("b/1"), Value: []byte("other")},
			{Key: []byte("empty"), Value: []byte{}},
		}))

		v, ok, err := kv.Get([]byte("a/1"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("one"), v)

		v, ok, err = kv.Get([]byte("empty"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, v)

		var keys []string
		require.NoError(t, kv.Iterate([]byte("a/"), func(k, _ []byte) bool {
			keys = append(keys, string(k))
			return true
		}))
		require.Equal(t, []string{"a/1", "a/2"}, keys)

		keys = nil
		require.NoError(t, kv.Iterate(nil, func(k, _ []byte) bool {
			keys = append(keys, string(k))
			return len(keys) < 2
		}))
		require.Equal(t, []string{"a/1", "a/2"}, keys)

		require.NoError(t, kv.Apply([]gstate.Write{{Key: []byte("a/1"), Delete: true}}))
		_, ok, err = kv.Get([]byte("a/1"))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("returned values are not aliased", func(t *testing.T) {
		t.Parallel()

		kv, err := f(t.Cleanup, t.Name())
		require.NoError(t, err)

		val := []byte("value")
		require.NoError(t, kv.Apply([]gstate.Write{{Key: []byte("k"), Value: val}}))
		val[0] = 'X'

		got, _, err := kv.Get([]byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("value"), got)

		got[0] = 'Y'
		again, _, err := kv.Get([]byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("value"), again)
	})

	t.Run("versioned state survives reopen", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		log := gtest.NewLogger(t)

		var closers []func()
		collect := func(fn func()) { closers = append(closers, fn) }

		kv, err := f(collect, t.Name())
		require.NoError(t, err)

		s, err := gstate.Open(log, kv, gstate.DefaultConfig())
		require.NoError(t, err)

		o, err := s.Begin(1)
		require.NoError(t, err)
		require.NoError(t, o.Set([]byte("k"), []byte("v")))
		root, err := s.Commit(ctx)
		require.NoError(t, err)

		require.NoError(t, kv.Close())
		for _, c := range closers {
			c()
		}

		kv, err = f(t.Cleanup, t.Name())
		require.NoError(t, err)

		s, err = gstate.Open(log, kv, gstate.DefaultConfig())
		require.NoError(t, err)

		got, ok := s.Committed()
		require.True(t, ok)
		require.Equal(t, root, got)

		v, ok, err := s.CommittedReader().Get([]byte("k"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v"), v)
	})
}
