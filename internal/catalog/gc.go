package catalog

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"
)

// GCResult reports what GCCommit reclaimed.
type GCResult struct {
	PartsUnlinked  int
	SubsetsDropped int
}

// GCCommit physically unlinks parts marked dead (live = 0) whose
// created_at_epoch is older than graceWindow, decrementing their subset's
// total_rows to match, then drops subset rows marked for deletion that no
// longer own any row.
func (c *Catalog) GCCommit(ctx context.Context, datasetRoot string, graceWindow time.Duration) (GCResult, error) {
	var result GCResult
	cutoff := time.Now().Add(-graceWindow).UnixMicro()

	type deadPart struct {
		partUUID   string
		subsetUUID string
		relPath    string
		nRows      int64
	}
	var dead []deadPart

	err := withRetry(ctx, "gc_collect_dead_parts", func() error {
		dead = nil
		rows, err := c.db.QueryContext(ctx,
			`SELECT part_uuid, subset_uuid, file_relpath, n_rows FROM parts WHERE live = 0 AND created_at_epoch < ?`, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d deadPart
			if err := rows.Scan(&d.partUUID, &d.subsetUUID, &d.relPath, &d.nRows); err != nil {
				return err
			}
			dead = append(dead, d)
		}
		return rows.Err()
	})
	if err != nil {
		return result, err
	}

	for _, d := range dead {
		abs := filepath.Join(datasetRoot, d.relPath)
		if rmErr := os.Remove(abs); rmErr != nil && !os.IsNotExist(rmErr) {
			continue // fsck_dataset reconciles leftovers; GC is best-effort on the filesystem side
		}
		delErr := withRetry(ctx, "gc_delete_part_row", func() error {
			return withImmediateTx(ctx, c.db, func(conn *sql.Conn) error {
				if _, err := conn.ExecContext(ctx, `DELETE FROM parts WHERE part_uuid = ?`, d.partUUID); err != nil {
					return err
				}
				_, err := conn.ExecContext(ctx,
					`UPDATE subsets SET total_rows = total_rows - ? WHERE subset_uuid = ?`,
					d.nRows, d.subsetUUID)
				return err
			})
		})
		if delErr == nil {
			result.PartsUnlinked++
		}
	}

	err = withImmediateTx(ctx, c.db, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			DELETE FROM subsets
			WHERE marked_for_deletion = 1
			AND NOT EXISTS (SELECT 1 FROM parts WHERE parts.subset_uuid = subsets.subset_uuid)`)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		result.SubsetsDropped = int(n)
		return nil
	})

	return result, err
}
