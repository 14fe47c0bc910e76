package gtest

import (
	"time"
)

// TestingFatalHelper is the subset of [testing.TB] the channel helpers need.
// Fatalf is expected not to return; the helpers panic if it does,
// which lets the helpers themselves be tested with a fake.
type TestingFatalHelper interface {
	Helper()

	Fatalf(format string, args ...any)
}

// Default timeouts for the Soon variants.
const (
	soonMs    = 100
	notSoonMs = 75
)

// ReceiveSoon receives from ch, failing tb after a short default timeout.
func ReceiveSoon[T any](tb TestingFatalHelper, ch <-chan T) T {
	tb.Helper()
	return ReceiveOrTimeout(tb, ch, ScaleMs(soonMs))
}

// ReceiveOrTimeout receives from ch, failing tb if nothing arrives within timeout.
// Prefer [ReceiveSoon] unless the operation under test is known to be slow.
func ReceiveOrTimeout[T any](tb TestingFatalHelper, ch <-chan T, timeout ScaledDuration) T {
	tb.Helper()
	if ch == nil {
		fatal(tb, "receive from nil channel %T would block forever", ch)
	}

	timer := time.NewTimer(time.Duration(timeout))
	defer timer.Stop()

	select {
	case x := <-ch:
		return x
	case <-timer.C:
		fatal(tb, "timed out receiving from %T after %s (%s=%d)",
			ch, time.Duration(timeout), TimeFactorEnv, TimeFactor)
		panic("unreachable")
	}
}

// SendSoon sends x on ch, failing tb after a short default timeout.
func SendSoon[T any](tb TestingFatalHelper, ch chan<- T, x T) {
	tb.Helper()
	SendOrTimeout(tb, ch, x, ScaleMs(soonMs))
}

// SendOrTimeout sends x on ch, failing tb if the send blocks for the whole timeout.
func SendOrTimeout[T any](tb TestingFatalHelper, ch chan<- T, x T, timeout ScaledDuration) {
	tb.Helper()
	if ch == nil {
		fatal(tb, "send to nil channel %T would block forever", ch)
	}

	timer := time.NewTimer(time.Duration(timeout))
	defer timer.Stop()

	select {
	case ch <- x:
	case <-timer.C:
		fatal(tb, "timed out sending to %T after %s (%s=%d)",
			ch, time.Duration(timeout), TimeFactorEnv, TimeFactor)
	}
}

// NotSending fails tb if a value is ready on ch right now.
func NotSending[T any](tb TestingFatalHelper, ch <-chan T) {
	tb.Helper()
	if ch == nil {
		fatal(tb, "nil channel %T can never send", ch)
	}

	select {
	case x := <-ch:
		fatal(tb, "unexpected value on %T: %v", ch, x)
	default:
	}
}

// NotSendingSoon fails tb if a value arrives on ch within a short window.
// It always blocks for that window, so prefer [NotSending]
// when the test has another synchronization point.
func NotSendingSoon[T any](tb TestingFatalHelper, ch <-chan T) {
	tb.Helper()
	if ch == nil {
		fatal(tb, "nil channel %T can never send", ch)
	}

	timer := time.NewTimer(time.Duration(ScaleMs(notSoonMs)))
	defer timer.Stop()

	select {
	case <-timer.C:
	case x := <-ch:
		fatal(tb, "unexpected value on %T: %v", ch, x)
	}
}

func fatal(tb TestingFatalHelper, format string, args ...any) {
	tb.Helper()
	tb.Fatalf(format, args...)
	panic("unreachable")
}
