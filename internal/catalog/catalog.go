// Package catalog implements Catalog: the I/O adapter over a relational
// engine holding datasets, subsets, parts, the batches/batch_parts change
// feed, the merge log, and an optional tamper chain. Multi-statement
// writes (PublishPart, RecordBatch, GCCommit) run inside BEGIN IMMEDIATE
// transactions; single-statement writes run as plain statements. Most
// operations retry on SQLITE_BUSY/SQLITE_LOCKED with bounded backoff;
// RecordBatch and GCCommit's final subset sweep do not retry.
//
// The driver is modernc.org/sqlite, a pure-Go database/sql implementation
// offering write-ahead logging, busy-timeout, transactions, and JSON
// functions; this package is the concrete wiring of that engine. Open picks
// the read vs. write connection pragmas from its arguments.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"jagstore/internal/core"
)

// Catalog wraps one dataset's catalog.db connection pool.
type Catalog struct {
	db       *sql.DB
	readOnly bool
}

// Open opens (creating if absent) the catalog database at path, applying
// its WAL/busy-timeout/foreign-key pragmas. synchronousFull forces
// synchronous=FULL instead of NORMAL, for callers (StagingQueue) that need
// every enqueue durable before it is acknowledged.
func Open(path string, readOnly bool, synchronousFull bool) (*Catalog, error) {
	dsn := path
	if readOnly {
		dsn += "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	if synchronousFull {
		pragmas = append(pragmas, "PRAGMA synchronous=FULL")
	} else {
		pragmas = append(pragmas, "PRAGMA synchronous=NORMAL")
	}
	if readOnly {
		pragmas = append(pragmas, "PRAGMA query_only=ON", "PRAGMA trusted_schema=OFF")
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	return &Catalog{db: db, readOnly: readOnly}, nil
}

// Close releases the underlying connection pool.
func (c *Catalog) Close() error { return c.db.Close() }

// DB exposes the underlying pool for components (staging, merge) that need
// raw access beyond Catalog's own method set but still want the shared
// retry/transaction discipline in this package.
func (c *Catalog) DB() *sql.DB { return c.db }

// Migrate creates the catalog DDL if absent. It is idempotent.
func (c *Catalog) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS datasets (
			uuid TEXT PRIMARY KEY,
			alias TEXT UNIQUE NOT NULL,
			created_at_epoch INTEGER NOT NULL,
			schema_fingerprint TEXT NOT NULL,
			storage_scheme_json TEXT NOT NULL,
			schema_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS subsets (
			subset_uuid TEXT PRIMARY KEY,
			created_at_epoch INTEGER NOT NULL,
			marked_for_deletion INTEGER NOT NULL DEFAULT 0,
			total_rows INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS parts (
			part_uuid TEXT PRIMARY KEY,
			subset_uuid TEXT NOT NULL REFERENCES subsets(subset_uuid),
			n_rows INTEGER NOT NULL,
			scheme_version INTEGER NOT NULL,
			file_relpath TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			producer_id TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			part_stats_json TEXT,
			enc_version INTEGER NOT NULL DEFAULT 0,
			key_ref TEXT,
			nonce BLOB,
			tag BLOB,
			plaintext_size INTEGER NOT NULL DEFAULT 0,
			created_at_epoch INTEGER NOT NULL,
			live INTEGER NOT NULL DEFAULT 1,
			UNIQUE(subset_uuid, content_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_parts_live ON parts(subset_uuid, created_at_epoch, part_uuid) WHERE live = 1`,
		`CREATE INDEX IF NOT EXISTS idx_parts_batch ON parts(batch_id)`,
		`CREATE TABLE IF NOT EXISTS batches (
			bid TEXT PRIMARY KEY,
			created_at_epoch INTEGER NOT NULL,
			schema_fingerprint TEXT NOT NULL,
			producer_id TEXT NOT NULL,
			prev_hash TEXT,
			entry_hash TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS batch_parts (
			bid TEXT NOT NULL REFERENCES batches(bid),
			part_uuid TEXT NOT NULL REFERENCES parts(part_uuid),
			PRIMARY KEY (bid, part_uuid)
		)`,
		`CREATE TABLE IF NOT EXISTS merge_log (
			producer_id TEXT NOT NULL,
			bid TEXT NOT NULL,
			applied_at_epoch INTEGER NOT NULL,
			PRIMARY KEY (producer_id, bid)
		)`,
		`CREATE TABLE IF NOT EXISTS tamper_cfg (enabled INTEGER NOT NULL DEFAULT 0, salt TEXT)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// EnsureDataset inserts the dataset row if absent (INSERT OR IGNORE, so a
// retried first write is a no-op rather than a duplicate-key error).
func (c *Catalog) EnsureDataset(ctx context.Context, ds core.Dataset, schemaJSON, schemeJSON string) error {
	return withRetry(ctx, "ensure_dataset", func() error {
		_, err := c.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO datasets (uuid, alias, created_at_epoch, schema_fingerprint, storage_scheme_json, schema_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ds.UUID, ds.Alias, ds.CreatedAtEpoch, "", schemeJSON, schemaJSON)
		return err
	})
}

// withRetry runs fn inside the component's bounded exponential backoff,
// retrying only on SQLITE_BUSY/SQLITE_LOCKED-shaped errors. Any other
// error propagates as-is; exhaustion of the retry budget propagates
// wrapped as a BusyError.
func withRetry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, bo)

	if err == nil {
		return nil
	}
	if isBusy(err) {
		return &core.BusyError{Op: op, Retries: attempts, Cause: err}
	}
	var perm *backoff.PermanentError
	if ok := asPermanent(err, &perm); ok {
		return perm.Err
	}
	return err
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if ok {
		*target = pe
	}
	return ok
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// withImmediateTx runs fn against a dedicated connection wrapped in
// BEGIN IMMEDIATE/COMMIT, taking SQLite's write lock up front rather than
// upgrading it on first write. database/sql has no portable way to request
// BEGIN IMMEDIATE through *sql.Tx, so this pins one *sql.Conn for the
// duration instead.
func withImmediateTx(ctx context.Context, db *sql.DB, fn func(*sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}

	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	return nil
}
