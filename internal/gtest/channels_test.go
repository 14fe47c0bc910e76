package gtest_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/gordian-engine/gsubnet/internal/gtest"
	"github.com/stretchr/testify/require"
)

// fakeTB records Fatalf instead of stopping the goroutine.
type fakeTB struct {
	helper bool
	msg    string
}

func (f *fakeTB) Helper() { f.helper = true }

func (f *fakeTB) Fatalf(format string, args ...any) {
	f.msg = fmt.Sprintf(format, args...)
}

func TestReceiveOrTimeout(t *testing.T) {
	t.Parallel()

	t.Run("value arrives", func(t *testing.T) {
		t.Parallel()

		ch := make(chan int)
		go func() {
			time.Sleep(5 * time.Millisecond)
			ch <- 7
		}()

		tb := new(fakeTB)
		require.Equal(t, 7, gtest.ReceiveOrTimeout(tb, ch, gtest.ScaleMs(1000)))
		require.True(t, tb.helper)
		require.Empty(t, tb.msg)
	})

	t.Run("times out", func(t *testing.T) {
		t.Parallel()

		tb := new(fakeTB)
		start := time.Now()
		require.Panics(t, func() {
			_ = gtest.ReceiveOrTimeout(tb, make(chan string), gtest.ScaleMs(5))
		})
		require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
		require.Contains(t, tb.msg, "timed out receiving")
	})

	t.Run("nil channel fails immediately", func(t *testing.T) {
		t.Parallel()

		var ch chan float64
		tb := new(fakeTB)
		require.Panics(t, func() {
			_ = gtest.ReceiveOrTimeout(tb, ch, gtest.ScaleMs(1_000_000_000))
		})
		require.Contains(t, tb.msg, "nil channel")
	})
}

func TestSendOrTimeout(t *testing.T) {
	t.Parallel()

	t.Run("receiver ready", func(t *testing.T) {
		t.Parallel()

		ch := make(chan int)
		got := make(chan int, 1)
		go func() {
			time.Sleep(5 * time.Millisecond)
			got <- <-ch
		}()

		tb := new(fakeTB)
		require.NotPanics(t, func() {
			gtest.SendOrTimeout(tb, ch, 3, gtest.ScaleMs(1000))
		})
		require.Equal(t, 3, <-got)
		require.Empty(t, tb.msg)
	})

	t.Run("times out", func(t *testing.T) {
		t.Parallel()

		tb := new(fakeTB)
		require.Panics(t, func() {
			gtest.SendOrTimeout(tb, make(chan string), "x", gtest.ScaleMs(5))
		})
		require.Contains(t, tb.msg, "timed out sending")
	})

	t.Run("nil channel fails immediately", func(t *testing.T) {
		t.Parallel()

		var ch chan float64
		tb := new(fakeTB)
		require.Panics(t, func() {
			gtest.SendOrTimeout(tb, ch, 0, gtest.ScaleMs(1_000_000_000))
		})
		require.Contains(t, tb.msg, "nil channel")
	})
}

func TestNotSending(t *testing.T) {
	t.Parallel()

	ch := make(chan int, 1)

	tb := new(fakeTB)
	gtest.NotSending(tb, ch)
	require.Empty(t, tb.msg)

	ch <- 1
	require.Panics(t, func() {
		gtest.NotSending(tb, ch)
	})
	require.Contains(t, tb.msg, "unexpected value")
}
