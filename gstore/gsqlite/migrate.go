package gsqlite

import (
	"context"
	"database/sql"
	"fmt"
)

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`CREATE TABLE IF NOT EXISTS migrations(
  id INTEGER PRIMARY KEY CHECK (id = 0),
  version INTEGER
);`,
	); err != nil {
		return fmt.Errorf("error getting initial migrations table: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO migrations(id, version) VALUES (0, 0)`,
	); err != nil {
		return fmt.Errorf("error setting initial migration version: %w", err)
	}

	var migrationVersion int
	if err := tx.QueryRowContext(
		ctx, `SELECT version FROM migrations WHERE id=0;`,
	).Scan(&migrationVersion); err != nil {
		return fmt.Errorf("failed to scan migration version: %w", err)
	}

	if err := migrateFrom(ctx, tx, migrationVersion); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

func migrateFrom(ctx context.Context, tx *sql.Tx, version int) error {
	switch version {
	case 0:
		if err := migrateInitial(ctx, tx); err != nil {
			return fmt.Errorf("initial migration: %w", err)
		}
		if err := setMigrationVersion(ctx, tx, 1); err != nil {
			return err
		}
	case 1:
		// Up to date.
		return nil
	default:
		return fmt.Errorf("unknown migration version %d", version)
	}

	// https://sqlite.org/pragma.html#pragma_optimize:
	// run PRAGMA optimize after a schema change.
	if _, err := tx.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("failed to run PRAGMA optimize after migration: %w", err)
	}

	return nil
}

func migrateInitial(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(
		ctx,
		// One row per committed block.
		// The result column is the JSON encoding of the gstore.BlockResult.
		`
CREATE TABLE block_results(
  height INTEGER PRIMARY KEY NOT NULL,
  root BLOB NOT NULL,
  result BLOB NOT NULL
);`+

			// Receipts indexed by transaction hash.
			// A transaction hash may repeat across heights.
			`
CREATE TABLE receipts(
  id INTEGER PRIMARY KEY NOT NULL,
  tx_hash BLOB NOT NULL,
  height INTEGER NOT NULL,
  idx INTEGER NOT NULL,
  receipt BLOB NOT NULL,
  FOREIGN KEY(height) REFERENCES block_results(height),
  UNIQUE (height, idx)
);
CREATE INDEX receipts_by_tx_hash ON receipts(tx_hash, height, idx);`+

			`
CREATE TABLE checkpoints(
  to_height INTEGER PRIMARY KEY NOT NULL,
  hash BLOB NOT NULL,
  checkpoint BLOB NOT NULL
);`+

			`
CREATE TABLE certificates(
  to_height INTEGER PRIMARY KEY NOT NULL,
  certificate BLOB NOT NULL,
  submitted INTEGER NOT NULL DEFAULT 0 CHECK (submitted = 0 OR submitted = 1)
);
CREATE INDEX certificates_unsubmitted ON certificates(submitted, to_height);`,
	)
	return err
}

func setMigrationVersion(ctx context.Context, tx *sql.Tx, version int) error {
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE migrations SET version = ? WHERE id = 0`, version,
	); err != nil {
		return fmt.Errorf("failed to set migration version to %d: %w", version, err)
	}
	return nil
}
