// Package gmemkv contains an in-memory [gstate.KV].
package gmemkv

import (
	"bytes"
	"slices"
	"strings"
	"sync"

	"github.com/gordian-engine/gsubnet/gstate"
)

// KV is an in-memory [gstate.KV], primarily for tests and development.
type KV struct {
	mu     sync.RWMutex
	vals   map[string][]byte
	closed bool
}

func New() *KV {
	return &KV{vals: make(map[string][]byte)}
}

func (kv *KV) Get(key []byte) ([]byte, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	if kv.closed {
		return nil, false, gstate.ErrClosed
	}

	v, ok := kv.vals[string(key)]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (kv *KV) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	kv.mu.RLock()
	if kv.closed {
		kv.mu.RUnlock()
		return gstate.ErrClosed
	}

	p := string(prefix)
	var keys []string
	for k := range kv.vals {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = bytes.Clone(kv.vals[k])
	}
	kv.mu.RUnlock()

	// Call fn without holding the lock, so fn may read from kv.
	for i, k := range keys {
		if !fn([]byte(k), vals[i]) {
			return nil
		}
	}
	return nil
}

func (kv *KV) Apply(batch []gstate.Write) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.closed {
		return gstate.ErrClosed
	}

	for _, w := range batch {
		if w.Delete {
			delete(kv.vals, string(w.Key))
		} else {
			kv.vals[string(w.Key)] = bytes.Clone(w.Value)
		}
	}
	return nil
}

func (kv *KV) Close() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.closed = true
	return nil
}
