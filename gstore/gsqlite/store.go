// Package gsqlite is a [gstore.Store] backed by SQLite.
//
// The driver is chosen by build tags:
// github.com/mattn/go-sqlite3 when cgo is available,
// or modernc.org/sqlite with the purego tag or without cgo.
package gsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/trace"
	"strings"
	"sync/atomic"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gstore"
)

// Store is a [gstore.Store] backed by SQLite.
type Store struct {
	// The string "purego" or "cgo" depending on build tags.
	BuildType string

	// SQLite allows a single writer,
	// so writes go through a one-connection pool
	// and reads through a separate pool.
	ro, rw *sql.DB
}

var _ gstore.Store = (*Store)(nil)

func NewOnDiskStore(ctx context.Context, dbPath string) (*Store, error) {
	dbPath = filepath.Clean(dbPath)
	if _, err := os.Stat(dbPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat path %q: %w", dbPath, err)
		}

		// Startup pragmas fail without an existing file.
		// O_EXCL so that a concurrently created file is never truncated.
		f, err := os.OpenFile(dbPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to create empty database file: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("failed to close new empty database file: %w", err)
		}
	}

	uri := "file:" + dbPath + "?mode=rw"

	rw, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-write database: %w", err)
	}

	// One connection: writers block on the pool instead of
	// failing with "database is locked".
	rw.SetMaxOpenConns(1)

	// Persistent, and only relevant on disk.
	if _, err := rw.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		return nil, fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	if err := pragmasRW(ctx, rw); err != nil {
		return nil, err
	}

	if err := migrate(ctx, rw); err != nil {
		return nil, err
	}

	// mode=rw was the final query parameter.
	uri = uri[:len(uri)-1] + "o"
	ro, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-only database: %w", err)
	}
	if err := pragmasRO(ctx, ro); err != nil {
		return nil, err
	}

	return &Store{
		BuildType: sqliteBuildType,

		rw: rw,
		ro: ro,
	}, nil
}

var inMemNameCounter uint32

func NewInMemStore(ctx context.Context) (*Store, error) {
	dbName := fmt.Sprintf("gstore%d", atomic.AddUint32(&inMemNameCounter, 1))
	uri := "file:" + dbName +
		// A named, shared-cache in-memory database
		// is visible to every connection in the process.
		"?mode=memory" +
		"&cache=shared" +
		// Take the write lock at the start of every transaction.
		"&_txlock=immediate"

	rw, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-write database: %w", err)
	}

	// Shared-cache tables otherwise report "table is locked"
	// without honoring the busy timeout.
	rw.SetMaxOpenConns(1)

	if err := pragmasRW(ctx, rw); err != nil {
		return nil, err
	}

	if err := migrate(ctx, rw); err != nil {
		return nil, err
	}

	var ok bool
	uri, ok = strings.CutSuffix(uri, "&_txlock=immediate")
	if !ok {
		panic(fmt.Errorf("BUG: failed to cut _txlock suffix from uri %q", uri))
	}
	ro, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-only database: %w", err)
	}
	if err := pragmasRO(ctx, ro); err != nil {
		return nil, err
	}

	return &Store{
		BuildType: sqliteBuildType,

		rw: rw,
		ro: ro,
	}, nil
}

func (s *Store) Close() error {
	errRO := s.ro.Close()
	if errRO != nil {
		errRO = fmt.Errorf("error closing read-only database: %w", errRO)
	}
	errRW := s.rw.Close()
	if errRW != nil {
		errRW = fmt.Errorf("error closing read-write database: %w", errRW)
	}

	return errors.Join(errRO, errRW)
}

func (s *Store) SaveBlockResult(ctx context.Context, r gstore.BlockResult) error {
	defer trace.StartRegion(ctx, "SaveBlockResult").End()

	result, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode block result: %w", err)
	}

	tx, err := s.rw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO block_results(height, root, result) VALUES (?, ?, ?)`,
		r.Height, r.Root, result,
	); err != nil {
		if !isPrimaryKeyConstraintError(err) {
			return fmt.Errorf("failed to insert block result: %w", err)
		}

		var have []byte
		if err := tx.QueryRowContext(
			ctx, `SELECT result FROM block_results WHERE height = ?`, r.Height,
		).Scan(&have); err != nil {
			return fmt.Errorf("failed to select existing block result: %w", err)
		}
		if !bytes.Equal(have, result) {
			return gstore.BlockResultOverwriteError{Height: r.Height}
		}
		return nil
	}

	for _, rc := range r.Receipts {
		b, err := json.Marshal(rc)
		if err != nil {
			return fmt.Errorf("failed to encode receipt: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO receipts(tx_hash, height, idx, receipt) VALUES (?, ?, ?, ?)`,
			rc.TxHash, r.Height, rc.Index, b,
		); err != nil {
			return fmt.Errorf("failed to insert receipt %d: %w", rc.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit block result: %w", err)
	}
	return nil
}

func (s *Store) LoadBlockResult(ctx context.Context, height uint64) (gstore.BlockResult, error) {
	defer trace.StartRegion(ctx, "LoadBlockResult").End()

	var b []byte
	if err := s.ro.QueryRowContext(
		ctx, `SELECT result FROM block_results WHERE height = ?`, height,
	).Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gstore.BlockResult{}, gstore.HeightUnknownError{Want: height}
		}
		return gstore.BlockResult{}, fmt.Errorf("failed to select block result: %w", err)
	}

	var r gstore.BlockResult
	if err := json.Unmarshal(b, &r); err != nil {
		return gstore.BlockResult{}, fmt.Errorf("failed to decode block result at height %d: %w", height, err)
	}
	return r, nil
}

func (s *Store) LatestHeight(ctx context.Context) (uint64, error) {
	defer trace.StartRegion(ctx, "LatestHeight").End()

	var h sql.NullInt64
	if err := s.ro.QueryRowContext(
		ctx, `SELECT MAX(height) FROM block_results`,
	).Scan(&h); err != nil {
		return 0, fmt.Errorf("failed to select latest height: %w", err)
	}
	if !h.Valid {
		return 0, gstore.ErrStoreUninitialized
	}
	return uint64(h.Int64), nil
}

func (s *Store) Receipt(ctx context.Context, txHash []byte) (gchain.Receipt, error) {
	defer trace.StartRegion(ctx, "Receipt").End()

	var b []byte
	if err := s.ro.QueryRowContext(
		ctx,
		`SELECT receipt FROM receipts WHERE tx_hash = ? ORDER BY height, idx LIMIT 1`,
		txHash,
	).Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gchain.Receipt{}, gstore.TxUnknownError{Hash: hex.EncodeToString(txHash)}
		}
		return gchain.Receipt{}, fmt.Errorf("failed to select receipt: %w", err)
	}

	var rc gchain.Receipt
	if err := json.Unmarshal(b, &rc); err != nil {
		return gchain.Receipt{}, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return rc, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp gchain.BottomUpCheckpoint) error {
	defer trace.StartRegion(ctx, "SaveCheckpoint").End()

	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	hash := cp.Hash()

	tx, err := s.rw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var have []byte
	err = tx.QueryRowContext(
		ctx, `SELECT hash FROM checkpoints WHERE to_height = ?`, cp.ToHeight,
	).Scan(&have)
	switch {
	case err == nil:
		if !bytes.Equal(have, hash) {
			return gstore.CheckpointOverwriteError{ToHeight: cp.ToHeight}
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to select existing checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO checkpoints(to_height, hash, checkpoint) VALUES (?, ?, ?)`,
		cp.ToHeight, hash, b,
	); err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LatestCheckpoint(ctx context.Context) (gchain.BottomUpCheckpoint, error) {
	defer trace.StartRegion(ctx, "LatestCheckpoint").End()

	var b []byte
	if err := s.ro.QueryRowContext(
		ctx, `SELECT checkpoint FROM checkpoints ORDER BY to_height DESC LIMIT 1`,
	).Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gchain.BottomUpCheckpoint{}, gstore.ErrStoreUninitialized
		}
		return gchain.BottomUpCheckpoint{}, fmt.Errorf("failed to select latest checkpoint: %w", err)
	}

	var cp gchain.BottomUpCheckpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return gchain.BottomUpCheckpoint{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) SaveCertificate(ctx context.Context, cert gchain.CheckpointCertificate) error {
	defer trace.StartRegion(ctx, "SaveCertificate").End()

	b, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}

	if _, err := s.rw.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO certificates(to_height, certificate) VALUES (?, ?)`,
		cert.Checkpoint.ToHeight, b,
	); err != nil {
		return fmt.Errorf("failed to insert certificate: %w", err)
	}
	return nil
}

func (s *Store) LoadCertificate(ctx context.Context, toHeight uint64) (gchain.CheckpointCertificate, error) {
	defer trace.StartRegion(ctx, "LoadCertificate").End()

	var b []byte
	if err := s.ro.QueryRowContext(
		ctx, `SELECT certificate FROM certificates WHERE to_height = ?`, toHeight,
	).Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gchain.CheckpointCertificate{}, gstore.HeightUnknownError{Want: toHeight}
		}
		return gchain.CheckpointCertificate{}, fmt.Errorf("failed to select certificate: %w", err)
	}
	return decodeCertificate(b)
}

func (s *Store) UnsubmittedCertificates(ctx context.Context) ([]gchain.CheckpointCertificate, error) {
	defer trace.StartRegion(ctx, "UnsubmittedCertificates").End()

	rows, err := s.ro.QueryContext(
		ctx,
		`SELECT certificate FROM certificates WHERE submitted = 0 ORDER BY to_height`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select unsubmitted certificates: %w", err)
	}
	defer rows.Close()

	var out []gchain.CheckpointCertificate
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		cert, err := decodeCertificate(b)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate certificates: %w", err)
	}
	return out, nil
}

func (s *Store) MarkCertificateSubmitted(ctx context.Context, toHeight uint64) error {
	defer trace.StartRegion(ctx, "MarkCertificateSubmitted").End()

	res, err := s.rw.ExecContext(
		ctx,
		`UPDATE certificates SET submitted = 1 WHERE to_height = ?`,
		toHeight,
	)
	if err != nil {
		return fmt.Errorf("failed to mark certificate submitted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count updated certificates: %w", err)
	}
	if n == 0 {
		return gstore.HeightUnknownError{Want: toHeight}
	}
	return nil
}

func decodeCertificate(b []byte) (gchain.CheckpointCertificate, error) {
	var cert gchain.CheckpointCertificate
	if err := json.Unmarshal(b, &cert); err != nil {
		return gchain.CheckpointCertificate{}, fmt.Errorf("failed to decode certificate: %w", err)
	}
	return cert, nil
}

func pragmasRW(ctx context.Context, db *sql.DB) error {
	defer trace.StartRegion(ctx, "pragmasRW").End()

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("failed to set foreign keys on: %w", err)
	}

	// https://www.sqlite.org/lang_analyze.html#periodically_run_pragma_optimize_
	if _, err := db.ExecContext(ctx, `PRAGMA optimize(0x10002);`); err != nil {
		return fmt.Errorf("failed to run startup PRAGMA optimize: %w", err)
	}

	return nil
}

func pragmasRO(ctx context.Context, db *sql.DB) error {
	defer trace.StartRegion(ctx, "pragmasRO").End()

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("failed to set foreign keys on: %w", err)
	}

	return nil
}
