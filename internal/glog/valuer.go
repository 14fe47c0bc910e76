package glog

import (
	"fmt"
	"log/slog"
)

// Hex wraps a byte slice to ensure it serializes as a hex-encoded string.
// Without this, it gets rendered as a Unicode string with embedded escape codes.
type Hex []byte

func (v Hex) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%x", v))
}

// ShortHex is like [Hex] but only renders the first 8 bytes,
// which is enough to tell hashes apart in logs.
type ShortHex []byte

func (v ShortHex) LogValue() slog.Value {
	if len(v) > 8 {
		return slog.StringValue(fmt.Sprintf("%x…", v[:8]))
	}
	return slog.StringValue(fmt.Sprintf("%x", []byte(v)))
}
