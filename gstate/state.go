package gstate

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime/trace"
	"sync"

	"github.com/gordian-engine/gsubnet/internal/glog"
)

// Keys beginning with reservedPrefix hold state metadata.
// They are excluded from the root and cannot be written through an [Overlay].
const reservedPrefix = 0x00

var (
	metaHeightKey = []byte("\x00m/height")
	metaRootKey   = []byte("\x00m/root")

	rootHistoryPrefix = []byte("\x00r/")
)

func isReserved(key []byte) bool {
	return len(key) > 0 && key[0] == reservedPrefix
}

func rootHistoryKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(bytes.Clone(rootHistoryPrefix), height)
}

// Config is the configuration for a [VersionedState].
type Config struct {
	// Number of recent committed roots retained for [*VersionedState.RootAt].
	// Zero retains every root.
	KeepRecent uint64 `mapstructure:"keep-recent"`
}

func DefaultConfig() Config {
	return Config{KeepRecent: 1000}
}

func (c Config) Validate() error {
	return nil
}

// VersionedState owns the committed state root
// and at most one pending overlay.
//
// The pending overlay is only accessed from the goroutine driving block execution.
// The committed view may be read concurrently through [*VersionedState.View].
type VersionedState struct {
	log *slog.Logger
	kv  KV
	cfg Config

	mu          sync.RWMutex
	committed   Root
	initialized bool

	pending       *Overlay
	pendingHeight uint64
	pendingRoot   []byte
}

// Open loads the committed root from kv.
// A fresh kv yields an uninitialized state at height zero with [EmptyRoot].
func Open(log *slog.Logger, kv KV, cfg Config) (*VersionedState, error) {
	s := &VersionedState{
		log: log,
		kv:  kv,
		cfg: cfg,

		committed: Root{Hash: EmptyRoot},
	}

	hb, ok, err := kv.Get(metaHeightKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load committed height: %w", err)
	}
	if !ok {
		return s, nil
	}
	if len(hb) != 8 {
		return nil, fmt.Errorf("corrupt committed height metadata (%d bytes)", len(hb))
	}

	root, ok, err := kv.Get(metaRootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load committed root: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("committed height present without committed root")
	}

	s.committed = Root{Height: binary.BigEndian.Uint64(hb), Hash: root}
	s.initialized = true

	log.Info("Opened versioned state", "height", s.committed.Height, "root", glog.Hex(root))
	return s, nil
}

// Committed returns the current committed root,
// and whether any height has ever been committed.
func (s *VersionedState) Committed() (Root, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Root{Height: s.committed.Height, Hash: bytes.Clone(s.committed.Hash)}, s.initialized
}

// View calls fn with a consistent read-only view of the committed state.
// A concurrent commit waits for fn to return.
func (s *VersionedState) View(fn func(Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(committedView{kv: s.kv})
}

// CommittedReader returns a reader of the committed state without locking.
// It is intended for the goroutine that also performs commits.
func (s *VersionedState) CommittedReader() Reader {
	return committedView{kv: s.kv}
}

// Begin creates the pending overlay for height.
// Once initialized, height must be exactly one past the committed height.
func (s *VersionedState) Begin(height uint64) (*Overlay, error) {
	if s.pending != nil {
		return nil, ErrPendingExists
	}

	s.mu.RLock()
	committed, initialized := s.committed.Height, s.initialized
	s.mu.RUnlock()

	if initialized && height != committed+1 {
		return nil, HeightError{Committed: committed, Got: height}
	}

	s.pending = NewOverlay(committedView{kv: s.kv})
	s.pendingHeight = height
	s.pendingRoot = nil
	return s.pending, nil
}

// Pending returns the pending overlay and its height, if one exists.
func (s *VersionedState) Pending() (*Overlay, uint64, bool) {
	return s.pending, s.pendingHeight, s.pending != nil
}

// Seal computes the root of the pending overlay and freezes it.
// Further writes to the overlay panic.
func (s *VersionedState) Seal(ctx context.Context) (Root, error) {
	defer trace.StartRegion(ctx, "gstate.Seal").End()

	if s.pending == nil {
		return Root{}, ErrNoPending
	}
	if s.pendingRoot == nil {
		root, err := ComputeRoot(s.pending)
		if err != nil {
			return Root{}, err
		}
		s.pendingRoot = root
		s.pending.sealed = true
	}
	return Root{Height: s.pendingHeight, Hash: bytes.Clone(s.pendingRoot)}, nil
}

// Rollback discards the pending overlay, if any.
func (s *VersionedState) Rollback() {
	if s.pending != nil {
		s.log.Debug("Rolling back pending state", "height", s.pendingHeight, "writes", s.pending.Len())
	}
	s.pending = nil
	s.pendingRoot = nil
}

// Commit seals the pending overlay if needed,
// then atomically writes it to the backing store along with the new root.
func (s *VersionedState) Commit(ctx context.Context) (Root, error) {
	defer trace.StartRegion(ctx, "gstate.Commit").End()

	root, err := s.Seal(ctx)
	if err != nil {
		return Root{}, err
	}

	batch := s.pending.Writes()
	batch = append(batch,
		Write{Key: metaHeightKey, Value: binary.BigEndian.AppendUint64(nil, root.Height)},
		Write{Key: metaRootKey, Value: root.Hash},
		Write{Key: rootHistoryKey(root.Height), Value: root.Hash},
	)
	if k := s.cfg.KeepRecent; k > 0 && root.Height >= k {
		batch = append(batch, Write{Key: rootHistoryKey(root.Height - k), Delete: true})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Apply(batch); err != nil {
		return Root{}, fmt.Errorf("failed to apply commit batch at height %d: %w", root.Height, err)
	}

	s.committed = root
	s.initialized = true
	s.pending = nil
	s.pendingRoot = nil

	return Root{Height: root.Height, Hash: bytes.Clone(root.Hash)}, nil
}

// RootAt returns the retained committed root at height.
func (s *VersionedState) RootAt(height uint64) (Root, error) {
	h, ok, err := s.kv.Get(rootHistoryKey(height))
	if err != nil {
		return Root{}, fmt.Errorf("failed to load root at height %d: %w", height, err)
	}
	if !ok {
		return Root{}, RootNotFoundError{Height: height}
	}
	return Root{Height: height, Hash: h}, nil
}

// committedView hides the reserved namespace of the backing store.
type committedView struct {
	kv KV
}

func (v committedView) Get(key []byte) ([]byte, bool, error) {
	if isReserved(key) {
		return nil, false, nil
	}
	return v.kv.Get(key)
}

func (v committedView) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	return v.kv.Iterate(prefix, func(k, val []byte) bool {
		if isReserved(k) {
			return true
		}
		return fn(k, val)
	})
}
