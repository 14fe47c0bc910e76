package gstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryConfig controls the backoff of [WithRetry].
type RetryConfig struct {
	Attempts uint64        `mapstructure:"attempts"`
	Base     time.Duration `mapstructure:"base"`
	Max      time.Duration `mapstructure:"max"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 5,
		Base:     20 * time.Millisecond,
		Max:      time.Second,
	}
}

func (c RetryConfig) Validate() error {
	if c.Base <= 0 {
		return errors.New("retry base duration must be positive")
	}
	if c.Max < c.Base {
		return fmt.Errorf("retry max duration %s is less than base %s", c.Max, c.Base)
	}
	return nil
}

// WithRetry wraps kv so that failing operations are retried
// with capped exponential backoff.
// Errors wrapping [ErrClosed] are returned immediately.
func WithRetry(log *slog.Logger, kv KV, cfg RetryConfig) KV {
	return retryKV{log: log, kv: kv, cfg: cfg}
}

type retryKV struct {
	log *slog.Logger
	kv  KV
	cfg RetryConfig
}

func (r retryKV) backoff() retry.Backoff {
	b := retry.NewExponential(r.cfg.Base)
	b = retry.WithCappedDuration(r.cfg.Max, b)
	return retry.WithMaxRetries(r.cfg.Attempts, b)
}

func (r retryKV) do(op string, fn func() error) error {
	attempt := 0
	return retry.Do(context.Background(), r.backoff(), func(context.Context) error {
		attempt++
		err := fn()
		if err == nil || errors.Is(err, ErrClosed) {
			return err
		}
		r.log.Warn("KV operation failed; retrying", "op", op, "attempt", attempt, "err", err)
		return retry.RetryableError(err)
	})
}

func (r retryKV) Get(key []byte) (val []byte, ok bool, err error) {
	err = r.do("get", func() error {
		var e error
		val, ok, e = r.kv.Get(key)
		return e
	})
	return val, ok, err
}

func (r retryKV) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	// Buffer each attempt so fn never sees a partial iteration twice.
	type kvPair struct{ k, v []byte }
	var pairs []kvPair
	if err := r.do("iterate", func() error {
		pairs = pairs[:0]
		return r.kv.Iterate(prefix, func(k, v []byte) bool {
			pairs = append(pairs, kvPair{k: k, v: v})
			return true
		})
	}); err != nil {
		return err
	}

	for _, p := range pairs {
		if !fn(p.k, p.v) {
			break
		}
	}
	return nil
}

func (r retryKV) Apply(batch []Write) error {
	return r.do("apply", func() error {
		return r.kv.Apply(batch)
	})
}

func (r retryKV) Close() error {
	return r.kv.Close()
}
