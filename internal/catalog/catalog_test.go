package catalog_test

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jagstore/internal/catalog"
	"jagstore/internal/core"
	"jagstore/internal/keynorm"
	"jagstore/internal/obslog"
)

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	c, err := catalog.Open(filepath.Join(dir, "catalog.db"), false, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Migrate(context.Background()))
	return c
}

func TestEnsureDatasetIsIdempotent(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	ds := core.Dataset{UUID: "ds-1", Alias: "widgets", CreatedAtEpoch: 1}

	require.NoError(t, c.EnsureDataset(ctx, ds, "{}", "{}"))
	require.NoError(t, c.EnsureDataset(ctx, ds, "{}", "{}"))
}

func TestGetOrCreateSubsetIsIdempotentAcrossCalls(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	keyOrder := []string{"sensor_id", "temp_c"}
	keySchema := map[string]core.LogicalType{"sensor_id": core.LogicalInteger, "temp_c": core.LogicalReal}
	require.NoError(t, c.EnsureKeyColumns(ctx, keyOrder, keySchema))

	identity := map[string]keynorm.IdentityItem{
		"sensor_id": {Scalar: int64(7)},
		"temp_c":    {IsReal: true, Raw: 37.774930, Specials: core.SpecialsNormal, Quantized: 37774930},
	}

	first, err := c.GetOrCreateSubset(ctx, "subset-1", keyOrder, keySchema, identity)
	require.NoError(t, err)
	require.Equal(t, "subset-1", first.SubsetUUID)
	require.Equal(t, int64(0), first.TotalRows)

	second, err := c.GetOrCreateSubset(ctx, "subset-1", keyOrder, keySchema, identity)
	require.NoError(t, err)
	require.Equal(t, first.CreatedAtEpoch, second.CreatedAtEpoch)
}

func TestFindSubsetsByQuantizedRealEquality(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	keyOrder := []string{"temp_c"}
	keySchema := map[string]core.LogicalType{"temp_c": core.LogicalReal}
	require.NoError(t, c.EnsureKeyColumns(ctx, keyOrder, keySchema))

	_, err := c.GetOrCreateSubset(ctx, "subset-a", keyOrder, keySchema, map[string]keynorm.IdentityItem{
		"temp_c": {IsReal: true, Raw: 37.774930, Specials: core.SpecialsNormal, Quantized: 37774930},
	})
	require.NoError(t, err)
	_, err = c.GetOrCreateSubset(ctx, "subset-b", keyOrder, keySchema, map[string]keynorm.IdentityItem{
		"temp_c": {IsReal: true, Raw: math.NaN(), Specials: core.SpecialsNaN, Quantized: 0},
	})
	require.NoError(t, err)

	val := 37.774930
	found, err := c.FindSubsets(ctx, keySchema, []catalog.SubsetFilter{
		{Key: "temp_c", EqualsReal: &val},
	}, false, map[string]float64{"temp_c": 1_000_000})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "subset-a", found[0].SubsetUUID)

	nan := core.SpecialsNaN
	found, err = c.FindSubsets(ctx, keySchema, []catalog.SubsetFilter{
		{Key: "temp_c", EqualsSignal: &nan},
	}, false, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "subset-b", found[0].SubsetUUID)
}

func TestFindSubsetsByRealRangeUsesRawColumn(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	keyOrder := []string{"temp_c"}
	keySchema := map[string]core.LogicalType{"temp_c": core.LogicalReal}
	require.NoError(t, c.EnsureKeyColumns(ctx, keyOrder, keySchema))

	_, err := c.GetOrCreateSubset(ctx, "subset-cold", keyOrder, keySchema, map[string]keynorm.IdentityItem{
		"temp_c": {IsReal: true, Raw: 5.0, Specials: core.SpecialsNormal, Quantized: 5_000_000},
	})
	require.NoError(t, err)
	_, err = c.GetOrCreateSubset(ctx, "subset-hot", keyOrder, keySchema, map[string]keynorm.IdentityItem{
		"temp_c": {IsReal: true, Raw: 90.0, Specials: core.SpecialsNormal, Quantized: 90_000_000},
	})
	require.NoError(t, err)
	_, err = c.GetOrCreateSubset(ctx, "subset-nan", keyOrder, keySchema, map[string]keynorm.IdentityItem{
		"temp_c": {IsReal: true, Raw: math.NaN(), Specials: core.SpecialsNaN, Quantized: 0},
	})
	require.NoError(t, err)

	min, max := 0.0, 50.0
	found, err := c.FindSubsets(ctx, keySchema, []catalog.SubsetFilter{
		{Key: "temp_c", RangeMin: &min, RangeMax: &max},
	}, false, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "subset-cold", found[0].SubsetUUID)
}

func TestPublishPartDedupReturnsAlreadyPresent(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	keyOrder := []string{"sensor_id"}
	keySchema := map[string]core.LogicalType{"sensor_id": core.LogicalInteger}
	require.NoError(t, c.EnsureKeyColumns(ctx, keyOrder, keySchema))
	_, err := c.GetOrCreateSubset(ctx, "subset-1", keyOrder, keySchema, map[string]keynorm.IdentityItem{
		"sensor_id": {Scalar: int64(1)},
	})
	require.NoError(t, err)

	part := core.Part{
		PartUUID: "part-1", SubsetUUID: "subset-1", NRows: 10, SchemeVersion: 1,
		FileRelPath: "subsets/subset-1/parts/v1/part-1.h5", ContentHash: "abc123",
		ProducerID: "writer-1", BatchID: "batch-1", CreatedAtEpoch: time.Now().UnixMicro(),
	}

	res, err := c.PublishPart(ctx, part)
	require.NoError(t, err)
	require.False(t, res.AlreadyPresent)

	part.PartUUID = "part-2"
	res, err = c.PublishPart(ctx, part)
	require.NoError(t, err)
	require.True(t, res.AlreadyPresent)
	require.Equal(t, "part-1", res.ExistingPartUUID)

	live, err := c.ListLiveParts(ctx, "subset-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.EqualValues(t, 10, live[0].NRows)
}

func TestRecordBatchTamperChainLinksToPrevHash(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	first := core.Batch{BID: "b1", SchemaFingerprint: "fp1", CreatedAtEpoch: 1, ProducerID: "w1", PartUUIDs: []string{"p1"}}
	hash1, err := c.RecordBatch(ctx, first, map[string]string{"p1": "h1"}, true, "salt")
	require.NoError(t, err)
	require.NotEmpty(t, hash1)

	latest, err := c.LatestEntryHash(ctx)
	require.NoError(t, err)
	require.Equal(t, hash1, latest)

	second := core.Batch{BID: "b2", SchemaFingerprint: "fp1", CreatedAtEpoch: 2, ProducerID: "w1", PrevHash: hash1, PartUUIDs: []string{"p2"}}
	hash2, err := c.RecordBatch(ctx, second, map[string]string{"p2": "h2"}, true, "salt")
	require.NoError(t, err)
	require.NotEqual(t, hash1, hash2)

	unmerged, err := c.UnmergedBatches(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, unmerged, 2)

	require.NoError(t, c.RecordMerge(ctx, "w1", "b1", 100))
	unmerged, err = c.UnmergedBatches(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, unmerged, 1)
	require.Equal(t, "b2", unmerged[0].BID)
}

func TestRecordBatchAndRecordMergeAuditWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	obslog.Init(obslog.Config{Level: obslog.InfoLevel, JSONOutput: true, AuditEnabled: true, AuditOutput: &buf})
	defer obslog.Init(obslog.Config{Level: obslog.InfoLevel, JSONOutput: true})

	c := openTestCatalog(t)
	ctx := context.Background()

	batch := core.Batch{BID: "b1", SchemaFingerprint: "fp1", CreatedAtEpoch: 1, ProducerID: "w1", PartUUIDs: []string{"p1"}}
	_, err := c.RecordBatch(ctx, batch, map[string]string{"p1": "h1"}, false, "")
	require.NoError(t, err)
	require.Contains(t, buf.String(), "batch_recorded")

	require.NoError(t, c.RecordMerge(ctx, "w1", "b1", 100))
	require.Contains(t, buf.String(), "merge_applied")
}

func TestGCCommitReclaimsDeadPartsPastGraceWindow(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	root := t.TempDir()

	keyOrder := []string{"sensor_id"}
	keySchema := map[string]core.LogicalType{"sensor_id": core.LogicalInteger}
	require.NoError(t, c.EnsureKeyColumns(ctx, keyOrder, keySchema))
	_, err := c.GetOrCreateSubset(ctx, "subset-1", keyOrder, keySchema, map[string]keynorm.IdentityItem{
		"sensor_id": {Scalar: int64(1)},
	})
	require.NoError(t, err)

	relPath := "subsets/subset-1/parts/v1/part-1.h5"
	abs := filepath.Join(root, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("data"), 0o644))

	old := time.Now().Add(-time.Hour).UnixMicro()
	_, err = c.PublishPart(ctx, core.Part{
		PartUUID: "part-1", SubsetUUID: "subset-1", NRows: 5, SchemeVersion: 1,
		FileRelPath: relPath, ContentHash: "h1", ProducerID: "w1", BatchID: "b1", CreatedAtEpoch: old,
	})
	require.NoError(t, err)
	require.NoError(t, c.MarkPartForDeletion(ctx, "part-1"))

	result, err := c.GCCommit(ctx, root, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, result.PartsUnlinked)
	_, statErr := os.Stat(abs)
	require.True(t, os.IsNotExist(statErr))

	found, err := c.FindSubsets(ctx, keySchema, nil, false, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.EqualValues(t, 0, found[0].TotalRows, "total_rows must reconcile to the sum of live parts after GC")
}

func TestFsckDatasetFindsOrphansAndMissingFiles(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	root := t.TempDir()

	keyOrder := []string{"sensor_id"}
	keySchema := map[string]core.LogicalType{"sensor_id": core.LogicalInteger}
	require.NoError(t, c.EnsureKeyColumns(ctx, keyOrder, keySchema))
	_, err := c.GetOrCreateSubset(ctx, "subset-1", keyOrder, keySchema, map[string]keynorm.IdentityItem{
		"sensor_id": {Scalar: int64(1)},
	})
	require.NoError(t, err)

	missingRel := "subsets/subset-1/parts/v1/missing.h5"
	_, err = c.PublishPart(ctx, core.Part{
		PartUUID: "part-missing", SubsetUUID: "subset-1", NRows: 1, SchemeVersion: 1,
		FileRelPath: missingRel, ContentHash: "h1", ProducerID: "w1", BatchID: "b1", CreatedAtEpoch: time.Now().UnixMicro(),
	})
	require.NoError(t, err)

	orphanRel := "subsets/subset-1/parts/v1/orphan.h5"
	orphanAbs := filepath.Join(root, orphanRel)
	require.NoError(t, os.MkdirAll(filepath.Dir(orphanAbs), 0o755))
	require.NoError(t, os.WriteFile(orphanAbs, []byte("orphan"), 0o644))

	report, err := c.FsckDataset(ctx, root)
	require.NoError(t, err)
	require.Contains(t, report.OrphanFiles, orphanRel)
	require.Contains(t, report.MissingFiles, missingRel)
}
