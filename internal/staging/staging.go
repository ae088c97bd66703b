// Package staging implements StagingQueue: a crash-safe durable row buffer
// keyed by (dataset, subset_uuid). An IngestCoordinator buffer that reaches
// part_rows or chunk_mb is spilled here; a writer claims
// a contiguous prefix by token, compacts it into a part, and deletes the
// claimed rows only after the Catalog transaction that published the part
// commits.
package staging

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"jagstore/internal/core"
)

// Queue wraps one dataset's staging.db connection pool, opened with
// synchronous=FULL so every enqueue is durable before it is acknowledged.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if absent) the staging database at path.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open staging %q: %w", path, err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return &Queue{db: db}, nil
}

// Close releases the underlying connection pool.
func (q *Queue) Close() error { return q.db.Close() }

// Migrate creates the staging DDL if absent. Idempotent.
func (q *Queue) Migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS staged_rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subset_uuid TEXT NOT NULL,
			n_rows INTEGER NOT NULL,
			created_at_epoch_us INTEGER NOT NULL,
			payload BLOB NOT NULL,
			claimed_by TEXT,
			claimed_at INTEGER
		)`)
	if err != nil {
		return fmt.Errorf("migrate staging: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_staged_rows_subset ON staged_rows(subset_uuid, claimed_by, id)`)
	return err
}

// Enqueue durably appends one framed payload for subset_uuid. n_rows is the
// row count the payload encodes, used by select_and_claim_prefix's
// cumulative threshold.
func (q *Queue) Enqueue(ctx context.Context, subsetUUID string, nRows int64, payload []byte) error {
	return withRetry(ctx, func() error {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO staged_rows (subset_uuid, n_rows, created_at_epoch_us, payload)
			VALUES (?, ?, ?, ?)`,
			subsetUUID, nRows, time.Now().UnixMicro(), payload)
		return err
	})
}

// ClaimedRow is one row returned by SelectAndClaimPrefix, ready for
// compaction into a part.
type ClaimedRow struct {
	ID      int64
	NRows   int64
	Payload []byte
}

// SelectAndClaimPrefix picks the oldest contiguous prefix of unclaimed rows
// for subsetUUID whose cumulative n_rows just meets or exceeds partRows,
// tagging them with token so a crashed claimant's work can later be
// reclaimed. A single oversize row (n_rows > partRows) stands alone.
func (q *Queue) SelectAndClaimPrefix(ctx context.Context, subsetUUID string, partRows int64, token string) ([]ClaimedRow, error) {
	var claimed []ClaimedRow

	err := withImmediateTx(ctx, q.db, func(conn *sql.Conn) error {
		claimed = nil
		rows, err := conn.QueryContext(ctx, `
			SELECT id, n_rows, payload FROM staged_rows
			WHERE subset_uuid = ? AND claimed_by IS NULL
			ORDER BY id`, subsetUUID)
		if err != nil {
			return err
		}
		var candidates []ClaimedRow
		var cumulative int64
		for rows.Next() {
			var r ClaimedRow
			if err := rows.Scan(&r.ID, &r.NRows, &r.Payload); err != nil {
				rows.Close()
				return err
			}
			if len(candidates) == 0 && r.NRows > partRows {
				candidates = append(candidates, r)
				cumulative = r.NRows
				break
			}
			candidates = append(candidates, r)
			cumulative += r.NRows
			if cumulative >= partRows {
				break
			}
		}
		if cErr := rows.Err(); cErr != nil {
			rows.Close()
			return cErr
		}
		rows.Close()

		if cumulative < partRows && (len(candidates) == 0 || candidates[0].NRows <= partRows) {
			// not enough buffered yet to fill a part; nothing to claim.
			candidates = nil
		}

		for _, c := range candidates {
			if _, err := conn.ExecContext(ctx,
				`UPDATE staged_rows SET claimed_by = ?, claimed_at = ? WHERE id = ?`,
				token, time.Now().UnixMicro(), c.ID); err != nil {
				return err
			}
		}
		claimed = candidates
		return nil
	})

	return claimed, err
}

// ReclaimStale nulls out claims older than staleAfter, making a crashed
// writer's work eligible to be claimed again.
func (q *Queue) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter).UnixMicro()
	var n int64
	err := withRetry(ctx, func() error {
		res, err := q.db.ExecContext(ctx, `
			UPDATE staged_rows SET claimed_by = NULL, claimed_at = NULL
			WHERE claimed_by IS NOT NULL AND claimed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// DeleteClaimed drops every row claimed by token, called after the part
// built from them has been published in one Catalog transaction.
func (q *Queue) DeleteClaimed(ctx context.Context, token string) error {
	return withRetry(ctx, func() error {
		_, err := q.db.ExecContext(ctx, `DELETE FROM staged_rows WHERE claimed_by = ?`, token)
		return err
	})
}

// HotSubset is one subset with pending unclaimed rows, oldest first.
type HotSubset struct {
	SubsetUUID  string
	OldestEpoch int64
	PendingRows int64
}

// HotSubsets lists up to limit subsets with the oldest unclaimed row,
// draining fodder for IngestCoordinator's shutdown sweep.
func (q *Queue) HotSubsets(ctx context.Context, limit int) ([]HotSubset, error) {
	var out []HotSubset
	err := withRetry(ctx, func() error {
		out = nil
		rows, err := q.db.QueryContext(ctx, `
			SELECT subset_uuid, MIN(created_at_epoch_us) AS oldest, SUM(n_rows) AS pending
			FROM staged_rows WHERE claimed_by IS NULL
			GROUP BY subset_uuid ORDER BY oldest LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h HotSubset
			if err := rows.Scan(&h.SubsetUUID, &h.OldestEpoch, &h.PendingRows); err != nil {
				return err
			}
			out = append(out, h)
		}
		return rows.Err()
	})
	return out, err
}

func withRetry(ctx context.Context, fn func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return &core.BusyError{Op: "staging", Retries: attempts, Cause: err}
	}
	if pe, ok := err.(*backoff.PermanentError); ok {
		return pe.Err
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_LOCKED")
}

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
