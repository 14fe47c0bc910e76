package gstate_test

import (
	"errors"
	"testing"
	"time"

	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstate/gmemkv"
	"github.com/gordian-engine/gsubnet/internal/gtest"
	"github.com/stretchr/testify/require"
)

// flakyKV fails the first failures calls to Apply.
type flakyKV struct {
	*gmemkv.KV
	failures int
	calls    int
}

func (f *flakyKV) Apply(batch []gstate.Write) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient")
	}
	return f.KV.Apply(batch)
}

func TestWithRetry(t *testing.T) {
	t.Parallel()

	cfg := gstate.RetryConfig{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}
	require.NoError(t, cfg.Validate())

	t.Run("recovers from transient failures", func(t *testing.T) {
		t.Parallel()

		f := &flakyKV{KV: gmemkv.New(), failures: 2}
		kv := gstate.WithRetry(gtest.NewLogger(t), f, cfg)

		require.NoError(t, kv.Apply([]gstate.Write{{Key: []byte("k"), Value: []byte("v")}}))
		require.Equal(t, 3, f.calls)

		v, ok, err := kv.Get([]byte("k"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v"), v)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		t.Parallel()

		f := &flakyKV{KV: gmemkv.New(), failures: 100}
		kv := gstate.WithRetry(gtest.NewLogger(t), f, cfg)

		require.Error(t, kv.Apply(nil))
		// One initial call plus three retries.
		require.Equal(t, 4, f.calls)
	})

	t.Run("closed is not retried", func(t *testing.T) {
		t.Parallel()

		m := gmemkv.New()
		require.NoError(t, m.Close())
		kv := gstate.WithRetry(gtest.NewLogger(t), m, cfg)

		_, _, err := kv.Get([]byte("k"))
		require.ErrorIs(t, err, gstate.ErrClosed)
	})
}
