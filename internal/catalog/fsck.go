package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// FsckReport is the reconciliation result of FsckDataset.
type FsckReport struct {
	// OrphanFiles exist on disk under datasetRoot but have no live parts row.
	OrphanFiles []string
	// MissingFiles are referenced by a live parts row but absent on disk.
	MissingFiles []string
	FilesScanned int
	PartsScanned int
}

// FsckDataset reconciles the part files under datasetRoot against the
// catalog's live parts rows, so corruption or a partial write is detectable
// instead of silently tolerated. It never mutates state — callers decide
// remediation (re-publish a missing part, GC an orphan).
func (c *Catalog) FsckDataset(ctx context.Context, datasetRoot string) (*FsckReport, error) {
	report := &FsckReport{}

	onDisk := make(map[string]struct{})
	err := filepath.WalkDir(datasetRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".h5") {
			return nil
		}
		rel, relErr := filepath.Rel(datasetRoot, path)
		if relErr != nil {
			return relErr
		}
		onDisk[rel] = struct{}{}
		report.FilesScanned++
		return nil
	})
	if err != nil {
		return nil, err
	}

	inCatalog := make(map[string]struct{})
	err = withRetry(ctx, "fsck_list_live_parts", func() error {
		inCatalog = make(map[string]struct{})
		rows, err := c.db.QueryContext(ctx, `SELECT file_relpath FROM parts WHERE live = 1`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rel string
			if err := rows.Scan(&rel); err != nil {
				return err
			}
			inCatalog[rel] = struct{}{}
			report.PartsScanned++
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	for rel := range onDisk {
		if _, ok := inCatalog[rel]; !ok {
			report.OrphanFiles = append(report.OrphanFiles, rel)
		}
	}
	for rel := range inCatalog {
		if _, ok := onDisk[rel]; !ok {
			report.MissingFiles = append(report.MissingFiles, rel)
		}
	}

	return report, nil
}
