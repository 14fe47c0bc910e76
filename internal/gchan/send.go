// Package gchan contains helpers for the channel operations
// that every kernel goroutine in gsubnet performs.
// The helpers log consistently when a context is canceled mid-operation.
package gchan

import (
	"context"
	"log/slog"
)

// SendC selects between ctx.Done and sending val to out.
// If ctx is canceled before the send to out completes,
// SendC logs "Context canceled while " + during
// and reports false.
func SendC[T any](ctx context.Context, log *slog.Logger, out chan<- T, val T, during string) (sent bool) {
	select {
	case <-ctx.Done():
		log.Info("Context canceled while "+during, "cause", context.Cause(ctx))
		return false
	case out <- val:
		return true
	}
}

// RecvC selects between ctx.Done and receiving from in.
// If ctx is canceled first, RecvC logs "Context canceled while " + during,
// and it returns the zero value of T and false.
func RecvC[T any](ctx context.Context, log *slog.Logger, in <-chan T, during string) (val T, received bool) {
	select {
	case <-ctx.Done():
		log.Info("Context canceled while "+during, "cause", context.Cause(ctx))
		return val, false
	case val := <-in:
		return val, true
	}
}

// ReqResp sends reqValue to reqChan and then waits for a value on respChan.
// If ctx is canceled during either step,
// it returns the zero value of U and false.
//
// Request types are expected to carry a one-buffered response channel,
// so the handling goroutine never blocks on the reply.
func ReqResp[T, U any](
	ctx context.Context, log *slog.Logger,
	reqChan chan<- T, reqValue T,
	respChan <-chan U,
	reqRespType string,
) (respVal U, ok bool) {
	if !SendC(ctx, log, reqChan, reqValue, "making "+reqRespType+" request") {
		return respVal, false
	}

	return RecvC(ctx, log, respChan, "receiving "+reqRespType+" response")
}

// TrySend attempts a non-blocking send of val to out,
// reporting whether the value was delivered.
// It is used for notifications where a slow consumer
// must never hold up the sender.
func TrySend[T any](out chan<- T, val T) bool {
	select {
	case out <- val:
		return true
	default:
		return false
	}
}
