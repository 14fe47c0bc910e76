// Package gleveldb contains a [gstate.KV] backed by goleveldb.
package gleveldb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// KV is a [gstate.KV] stored in a LevelDB database.
type KV struct {
	db *leveldb.DB
}

// Open opens or creates the database in the directory at path.
func Open(path string) (*KV, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %q: %w", path, err)
	}
	return &KV{db: db}, nil
}

// OpenInMemory returns a KV backed by leveldb's in-memory storage.
func OpenInMemory() (*KV, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory leveldb: %w", err)
	}
	return &KV{db: db}, nil
}

func (kv *KV) Get(key []byte) ([]byte, bool, error) {
	v, err := kv.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, mapErr(err)
	}
	return v, true, nil
}

func (kv *KV) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	var r *util.Range
	if len(prefix) > 0 {
		r = util.BytesPrefix(prefix)
	}

	// Iterate over a snapshot so a concurrent Apply cannot be observed halfway.
	snap, err := kv.db.GetSnapshot()
	if err != nil {
		return mapErr(err)
	}
	defer snap.Release()

	it := snap.NewIterator(r, nil)
	defer it.Release()

	for it.Next() {
		// The iterator reuses its buffers.
		if !fn(bytes.Clone(it.Key()), bytes.Clone(it.Value())) {
			break
		}
	}
	return mapErr(it.Error())
}

func (kv *KV) Apply(batch []gstate.Write) error {
	var b leveldb.Batch
	for _, w := range batch {
		if w.Delete {
			b.Delete(w.Key)
		} else {
			b.Put(w.Key, w.Value)
		}
	}
	return mapErr(kv.db.Write(&b, &opt.WriteOptions{Sync: true}))
}

func (kv *KV) Close() error {
	return kv.db.Close()
}

func mapErr(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return fmt.Errorf("%w: %v", gstate.ErrClosed, err)
	}
	return err
}
