package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"jagstore/internal/core"
)

// PublishPartResult reports whether the insert happened or the part was
// already present: a UNIQUE collision on (subset_uuid, content_hash) is not
// an error, it reports the part already present.
type PublishPartResult struct {
	AlreadyPresent   bool
	ExistingPartUUID string
}

// PublishPart inserts one part row in one immediate transaction, folding
// its rows into subsets.total_rows. Dedup on (subset_uuid, content_hash)
// is a no-op, not an error: the existing part_uuid is returned.
func (c *Catalog) PublishPart(ctx context.Context, p core.Part) (PublishPartResult, error) {
	var result PublishPartResult

	err := withRetry(ctx, "publish_part", func() error {
		result = PublishPartResult{}
		return withImmediateTx(ctx, c.db, func(conn *sql.Conn) error {
			var existing string
			err := conn.QueryRowContext(ctx,
				`SELECT part_uuid FROM parts WHERE subset_uuid = ? AND content_hash = ?`,
				p.SubsetUUID, p.ContentHash).Scan(&existing)
			switch {
			case err == nil:
				result = PublishPartResult{AlreadyPresent: true, ExistingPartUUID: existing}
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}

			statsJSON, err := json.Marshal(p.Stats)
			if err != nil {
				return err
			}

			_, err = conn.ExecContext(ctx, `
				INSERT INTO parts (
					part_uuid, subset_uuid, n_rows, scheme_version, file_relpath, content_hash,
					producer_id, batch_id, part_stats_json, enc_version, key_ref, nonce, tag,
					plaintext_size, created_at_epoch, live
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
				p.PartUUID, p.SubsetUUID, p.NRows, p.SchemeVersion, p.FileRelPath, p.ContentHash,
				p.ProducerID, p.BatchID, string(statsJSON), p.Encryption.EncVersion, p.Encryption.KeyRef,
				p.Encryption.Nonce, p.Encryption.Tag, p.Encryption.PlaintextSize, p.CreatedAtEpoch)
			if err != nil {
				return err
			}

			_, err = conn.ExecContext(ctx,
				`UPDATE subsets SET total_rows = total_rows + ? WHERE subset_uuid = ?`,
				p.NRows, p.SubsetUUID)
			return err
		})
	})

	return result, err
}

// ListLiveParts returns every live part for a subset, oldest first — the
// order publication commits parts within one subset.
func (c *Catalog) ListLiveParts(ctx context.Context, subsetUUID string) ([]core.Part, error) {
	var parts []core.Part
	err := withRetry(ctx, "list_live_parts", func() error {
		parts = nil
		rows, err := c.db.QueryContext(ctx, `
			SELECT part_uuid, subset_uuid, n_rows, scheme_version, file_relpath, content_hash,
			       producer_id, batch_id, part_stats_json, enc_version, created_at_epoch
			FROM parts WHERE subset_uuid = ? AND live = 1
			ORDER BY created_at_epoch, part_uuid`, subsetUUID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p core.Part
			var statsJSON sql.NullString
			if err := rows.Scan(&p.PartUUID, &p.SubsetUUID, &p.NRows, &p.SchemeVersion, &p.FileRelPath,
				&p.ContentHash, &p.ProducerID, &p.BatchID, &statsJSON, &p.Encryption.EncVersion, &p.CreatedAtEpoch); err != nil {
				return err
			}
			if statsJSON.Valid {
				_ = json.Unmarshal([]byte(statsJSON.String), &p.Stats)
			}
			p.Live = true
			parts = append(parts, p)
		}
		return rows.Err()
	})
	return parts, err
}

// PartByUUID fetches one part row by its primary key, used by MergeService
// to resolve a batch's member parts before replaying them.
func (c *Catalog) PartByUUID(ctx context.Context, partUUID string) (core.Part, error) {
	var p core.Part
	err := withRetry(ctx, "part_by_uuid", func() error {
		var statsJSON sql.NullString
		row := c.db.QueryRowContext(ctx, `
			SELECT part_uuid, subset_uuid, n_rows, scheme_version, file_relpath, content_hash,
			       producer_id, batch_id, part_stats_json, enc_version, created_at_epoch, live
			FROM parts WHERE part_uuid = ?`, partUUID)
		var liveInt int
		if err := row.Scan(&p.PartUUID, &p.SubsetUUID, &p.NRows, &p.SchemeVersion, &p.FileRelPath,
			&p.ContentHash, &p.ProducerID, &p.BatchID, &statsJSON, &p.Encryption.EncVersion, &p.CreatedAtEpoch, &liveInt); err != nil {
			return err
		}
		if statsJSON.Valid {
			_ = json.Unmarshal([]byte(statsJSON.String), &p.Stats)
		}
		p.Live = liveInt != 0
		return nil
	})
	return p, err
}

// MarkPartForDeletion soft-deletes a part ahead of GC.
func (c *Catalog) MarkPartForDeletion(ctx context.Context, partUUID string) error {
	return withRetry(ctx, "mark_part_for_deletion", func() error {
		_, err := c.db.ExecContext(ctx, `UPDATE parts SET live = 0 WHERE part_uuid = ?`, partUUID)
		return err
	})
}
