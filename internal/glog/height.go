package glog

import "log/slog"

// H returns a copy of log that includes the given height.
func H(log *slog.Logger, height uint64) *slog.Logger {
	return log.With("height", height)
}

// HE returns a copy of log that includes fields for the given height and error.
//
// Most rejection and halt paths in the pipeline log both,
// so this saves a little repetition at the call sites.
func HE(log *slog.Logger, height uint64, e error) *slog.Logger {
	return log.With("height", height, "err", e)
}
