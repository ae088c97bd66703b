package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"jagstore/internal/core"
	"jagstore/internal/obslog"
)

// RecordBatch inserts one batches row plus its batch_parts membership rows
// in a single immediate transaction, and — when tamper tracking is on —
// computes and stores entry_hash chained to prevHash so a gap or
// substitution in the batch history is detectable.
//
// entry_hash = blake2b-128(prev_hash ++ bid ++ sort(part_uuid++content_hash for each part) ++ created_at ++ salt)
func (c *Catalog) RecordBatch(ctx context.Context, batch core.Batch, partHashes map[string]string, tamperEnabled bool, salt string) (string, error) {
	var entryHash string

	err := withImmediateTx(ctx, c.db, func(conn *sql.Conn) error {
		if tamperEnabled {
			entryHash = computeEntryHash(batch, partHashes, salt)
		}

		_, err := conn.ExecContext(ctx, `
			INSERT INTO batches (bid, created_at_epoch, schema_fingerprint, producer_id, prev_hash, entry_hash)
			VALUES (?, ?, ?, ?, ?, ?)`,
			batch.BID, batch.CreatedAtEpoch, batch.SchemaFingerprint, batch.ProducerID, batch.PrevHash, nullIfEmpty(entryHash))
		if err != nil {
			return err
		}

		for _, partUUID := range batch.PartUUIDs {
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO batch_parts (bid, part_uuid) VALUES (?, ?)`,
				batch.BID, partUUID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		obslog.Audit("batch_record_failed", map[string]any{"bid": batch.BID, "producer_id": batch.ProducerID, "error": err.Error()})
		return entryHash, err
	}

	obslog.Audit("batch_recorded", map[string]any{
		"bid":                batch.BID,
		"producer_id":        batch.ProducerID,
		"parts":              len(batch.PartUUIDs),
		"entry_hash_present": entryHash != "",
	})
	return entryHash, err
}

func computeEntryHash(batch core.Batch, partHashes map[string]string, salt string) string {
	members := make([]string, 0, len(batch.PartUUIDs))
	for _, partUUID := range batch.PartUUIDs {
		members = append(members, partUUID+partHashes[partUUID])
	}
	sort.Strings(members)

	h, err := blake2b.New(16, nil)
	if err != nil {
		panic("blake2b-128 unavailable: " + err.Error())
	}
	h.Write([]byte(batch.PrevHash))
	h.Write([]byte(batch.BID))
	h.Write([]byte(strings.Join(members, "")))
	fmt.Fprintf(h, "%d", batch.CreatedAtEpoch)
	h.Write([]byte(salt))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LatestEntryHash returns the most recently recorded entry_hash for a
// dataset's tamper chain, the prev_hash the next RecordBatch call should
// use. Empty string if no batch carries a chain yet.
func (c *Catalog) LatestEntryHash(ctx context.Context) (string, error) {
	var hash sql.NullString
	err := withRetry(ctx, "latest_entry_hash", func() error {
		row := c.db.QueryRowContext(ctx,
			`SELECT entry_hash FROM batches WHERE entry_hash IS NOT NULL ORDER BY created_at_epoch DESC, bid DESC LIMIT 1`)
		err := row.Scan(&hash)
		if err == sql.ErrNoRows {
			hash = sql.NullString{}
			return nil
		}
		return err
	})
	return hash.String, err
}

// UnmergedBatches returns batches whose bid is absent from merge_log for the
// given producer_id, ordered by created_at_epoch. MergeService calls it on
// the source catalog and then skips any batch the destination's merge_log
// already records.
func (c *Catalog) UnmergedBatches(ctx context.Context, producerID string) ([]core.Batch, error) {
	var out []core.Batch
	err := withRetry(ctx, "unmerged_batches", func() error {
		out = nil
		rows, err := c.db.QueryContext(ctx, `
			SELECT b.bid, b.created_at_epoch, b.schema_fingerprint, b.producer_id, b.prev_hash, b.entry_hash
			FROM batches b
			WHERE b.producer_id = ? AND NOT EXISTS (
				SELECT 1 FROM merge_log m WHERE m.producer_id = b.producer_id AND m.bid = b.bid
			)
			ORDER BY b.created_at_epoch`, producerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var b core.Batch
			var prevHash, entryHash sql.NullString
			if err := rows.Scan(&b.BID, &b.CreatedAtEpoch, &b.SchemaFingerprint, &b.ProducerID, &prevHash, &entryHash); err != nil {
				return err
			}
			b.PrevHash = prevHash.String
			b.EntryHash = entryHash.String
			parts, err := c.partUUIDsForBatch(ctx, b.BID)
			if err != nil {
				return err
			}
			b.PartUUIDs = parts
			out = append(out, b)
		}
		return rows.Err()
	})
	return out, err
}

func (c *Catalog) partUUIDsForBatch(ctx context.Context, bid string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT part_uuid FROM batch_parts WHERE bid = ?`, bid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordMerge marks one producer's batch as applied to this catalog,
// idempotently (INSERT OR IGNORE) so a re-run of the same merge inserts
// zero rows.
func (c *Catalog) RecordMerge(ctx context.Context, producerID, bid string, appliedAtEpoch int64) error {
	err := withRetry(ctx, "record_merge", func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO merge_log (producer_id, bid, applied_at_epoch) VALUES (?, ?, ?)`,
			producerID, bid, appliedAtEpoch)
		return err
	})
	if err != nil {
		obslog.Audit("merge_apply_failed", map[string]any{"producer_id": producerID, "bid": bid, "error": err.Error()})
		return err
	}
	obslog.Audit("merge_applied", map[string]any{"producer_id": producerID, "bid": bid})
	return nil
}
