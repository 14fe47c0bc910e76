package gmemkv_test

import (
	"sync"
	"testing"

	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstate/gmemkv"
	"github.com/gordian-engine/gsubnet/gstate/gstatetest"
)

func TestKVCompliance(t *testing.T) {
	t.Parallel()

	// In-memory data does not survive Close,
	// so reopening by name returns the same instance, unclosed.
	var mu sync.Mutex
	byName := map[string]*gmemkv.KV{}

	gstatetest.TestKVCompliance(t, func(_ func(func()), name string) (gstate.KV, error) {
		mu.Lock()
		defer mu.Unlock()

		kv, ok := byName[name]
		if !ok {
			kv = gmemkv.New()
			byName[name] = kv
		}
		return reopenable{KV: kv}, nil
	})
}

// reopenable ignores Close so the reopen test can observe the same data.
type reopenable struct {
	*gmemkv.KV
}

func (reopenable) Close() error { return nil }
