package gmempool

import (
	"context"
	"errors"
	"slices"
)

type workingState[S any] struct {
	cfg   Config
	check CheckFunc[S]

	cur  S

	entries []Entry
	byHash  map[string]struct{}
	nBytes  int
}

func newWorkingState[S any](base S, cfg Config, check CheckFunc[S]) *workingState[S] {
	return &workingState[S]{
		cfg:   cfg,
		check: check,

		cur:  base,

		byHash: make(map[string]struct{}),
	}
}

func (w *workingState[S]) CheckAdd(ctx context.Context, e Entry) error {
	if _, ok := w.byHash[string(e.Hash)]; ok {
		return DuplicateTxError{Hash: e.Hash}
	}
	if len(w.entries) >= w.cfg.MaxTxs {
		return FullError{Limit: "txs", Max: w.cfg.MaxTxs}
	}
	if w.nBytes+len(e.Raw) > w.cfg.MaxBytes {
		return FullError{Limit: "bytes", Max: w.cfg.MaxBytes}
	}

	next, err := w.check(ctx, w.cur, e)
	if err != nil {
		return err
	}

	w.cur = next
	w.entries = append(w.entries, e)
	w.byHash[string(e.Hash)] = struct{}{}
	w.nBytes += len(e.Raw)
	return nil
}

func (w *workingState[S]) Buffered(dst []Entry) []Entry {
	return append(dst, w.entries...)
}

func (w *workingState[S]) Rebase(ctx context.Context, newBase S, applied [][]byte) ([]Entry, error) {
	w.cur = newBase

	if len(w.entries) == 0 {
		return nil, nil
	}

	if len(applied) > 0 {
		drop := make(map[string]struct{}, len(applied))
		for _, h := range applied {
			drop[string(h)] = struct{}{}
		}
		w.remove(drop)
	}

	var invalidated []Entry
	invalid := make(map[string]struct{})
	for _, e := range w.entries {
		next, err := w.check(ctx, w.cur, e)
		if err != nil {
			if errors.As(err, new(TxInvalidError)) {
				invalidated = append(invalidated, e)
				invalid[string(e.Hash)] = struct{}{}
				continue
			}
			return nil, err
		}
		w.cur = next
	}

	if len(invalid) > 0 {
		w.remove(invalid)
	}

	return invalidated, nil
}

func (w *workingState[S]) remove(hashes map[string]struct{}) {
	w.entries = slices.DeleteFunc(w.entries, func(e Entry) bool {
		if _, ok := hashes[string(e.Hash)]; !ok {
			return false
		}
		delete(w.byHash, string(e.Hash))
		w.nBytes -= len(e.Raw)
		return true
	})
}
