// Package gmemstore is an in-memory [gstore.Store].
package gmemstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gstore"
)

// Store is an in-memory [gstore.Store], safe for concurrent use.
// Returned values share memory with stored values
// and must not be modified.
type Store struct {
	mu sync.RWMutex

	results  map[uint64]gstore.BlockResult
	latest   uint64
	receipts map[string]gchain.Receipt

	checkpoints      map[uint64]gchain.BottomUpCheckpoint
	latestCheckpoint uint64

	certs     map[uint64]gchain.CheckpointCertificate
	submitted map[uint64]bool
}

var _ gstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		results:  make(map[uint64]gstore.BlockResult),
		receipts: make(map[string]gchain.Receipt),

		checkpoints: make(map[uint64]gchain.BottomUpCheckpoint),

		certs:     make(map[uint64]gchain.CheckpointCertificate),
		submitted: make(map[uint64]bool),
	}
}

func (s *Store) SaveBlockResult(_ context.Context, r gstore.BlockResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if have, ok := s.results[r.Height]; ok {
		same, err := sameResult(have, r)
		if err != nil {
			return err
		}
		if !same {
			return gstore.BlockResultOverwriteError{Height: r.Height}
		}
		return nil
	}

	r.Receipts = slices.Clone(r.Receipts)
	s.results[r.Height] = r
	if r.Height > s.latest {
		s.latest = r.Height
	}

	for _, rc := range r.Receipts {
		k := string(rc.TxHash)
		if _, ok := s.receipts[k]; !ok {
			s.receipts[k] = rc
		}
	}
	return nil
}

func sameResult(a, b gstore.BlockResult) (bool, error) {
	ja, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("failed to encode block result: %w", err)
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("failed to encode block result: %w", err)
	}
	return bytes.Equal(ja, jb), nil
}

func (s *Store) LoadBlockResult(_ context.Context, height uint64) (gstore.BlockResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[height]
	if !ok {
		return gstore.BlockResult{}, gstore.HeightUnknownError{Want: height}
	}
	return r, nil
}

func (s *Store) LatestHeight(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.results) == 0 {
		return 0, gstore.ErrStoreUninitialized
	}
	return s.latest, nil
}

func (s *Store) Receipt(_ context.Context, txHash []byte) (gchain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rc, ok := s.receipts[string(txHash)]
	if !ok {
		return gchain.Receipt{}, gstore.TxUnknownError{Hash: hex.EncodeToString(txHash)}
	}
	return rc, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp gchain.BottomUpCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if have, ok := s.checkpoints[cp.ToHeight]; ok {
		if !bytes.Equal(have.Hash(), cp.Hash()) {
			return gstore.CheckpointOverwriteError{ToHeight: cp.ToHeight}
		}
		return nil
	}

	s.checkpoints[cp.ToHeight] = cp
	if cp.ToHeight > s.latestCheckpoint {
		s.latestCheckpoint = cp.ToHeight
	}
	return nil
}

func (s *Store) LatestCheckpoint(context.Context) (gchain.BottomUpCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.checkpoints) == 0 {
		return gchain.BottomUpCheckpoint{}, gstore.ErrStoreUninitialized
	}
	return s.checkpoints[s.latestCheckpoint], nil
}

func (s *Store) SaveCertificate(_ context.Context, cert gchain.CheckpointCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := cert.Checkpoint.ToHeight
	if _, ok := s.certs[h]; ok {
		return nil
	}
	s.certs[h] = cert
	return nil
}

func (s *Store) LoadCertificate(_ context.Context, toHeight uint64) (gchain.CheckpointCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, ok := s.certs[toHeight]
	if !ok {
		return gchain.CheckpointCertificate{}, gstore.HeightUnknownError{Want: toHeight}
	}
	return cert, nil
}

func (s *Store) UnsubmittedCertificates(context.Context) ([]gchain.CheckpointCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []gchain.CheckpointCertificate
	for h, cert := range s.certs {
		if !s.submitted[h] {
			out = append(out, cert)
		}
	}
	slices.SortFunc(out, func(a, b gchain.CheckpointCertificate) int {
		switch {
		case a.Checkpoint.ToHeight < b.Checkpoint.ToHeight:
			return -1
		case a.Checkpoint.ToHeight > b.Checkpoint.ToHeight:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

func (s *Store) MarkCertificateSubmitted(_ context.Context, toHeight uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.certs[toHeight]; !ok {
		return gstore.HeightUnknownError{Want: toHeight}
	}
	s.submitted[toHeight] = true
	return nil
}

func (s *Store) Close() error {
	return nil
}
