package merge_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jagstore/internal/catalog"
	"jagstore/internal/core"
	"jagstore/internal/keynorm"
	"jagstore/internal/merge"
	"jagstore/internal/partstore"
)

type testDataset struct {
	root  string
	cat   *catalog.Catalog
	store *partstore.Store
}

func setupDataset(t *testing.T) testDataset {
	t.Helper()
	root := t.TempDir()
	cat, err := catalog.Open(filepath.Join(root, "catalog.db"), false, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	require.NoError(t, cat.Migrate(context.Background()))

	keyOrder := []string{"sensor_id"}
	keySchema := map[string]core.LogicalType{"sensor_id": core.LogicalInteger}
	require.NoError(t, cat.EnsureKeyColumns(context.Background(), keyOrder, keySchema))

	return testDataset{root: root, cat: cat, store: partstore.New(root, core.StorageScheme{Version: 1})}
}

func seedSourceBatch(t *testing.T, src testDataset) (subsetUUID string, bid string) {
	t.Helper()
	ctx := context.Background()

	norm, err := keynorm.Normalize(
		map[string]core.LogicalType{"sensor_id": core.LogicalInteger},
		[]string{"sensor_id"}, nil,
		map[string]keynorm.Value{"sensor_id": keynorm.IntegerValue(9)})
	require.NoError(t, err)
	subsetUUID = norm.SubsetUUID.String()

	_, err = src.cat.GetOrCreateSubset(ctx, subsetUUID,
		[]string{"sensor_id"}, map[string]core.LogicalType{"sensor_id": core.LogicalInteger},
		map[string]keynorm.IdentityItem{"sensor_id": {Scalar: int64(9)}})
	require.NoError(t, err)

	pubResult, err := src.store.Publish(ctx, partstore.PublishInput{
		DatasetUUID: "ds-src", SubsetUUID: subsetUUID, ContentHash: "hash-1", NRows: 5,
		SubsetKeys: map[string]any{"sensor_id": int64(9)}, Payload: []byte("row-payload"),
	})
	require.NoError(t, err)

	part := core.Part{
		PartUUID: pubResult.PartUUID, SubsetUUID: subsetUUID, NRows: 5, SchemeVersion: 1,
		FileRelPath: pubResult.FileRelPath, ContentHash: "hash-1", ProducerID: "writer-src",
		BatchID: "batch-1", CreatedAtEpoch: time.Now().UnixMicro(),
	}
	_, err = src.cat.PublishPart(ctx, part)
	require.NoError(t, err)

	batch := core.Batch{BID: "batch-1", SchemaFingerprint: "fp-1", CreatedAtEpoch: part.CreatedAtEpoch, ProducerID: "writer-src", PartUUIDs: []string{part.PartUUID}}
	_, err = src.cat.RecordBatch(ctx, batch, map[string]string{part.PartUUID: "hash-1"}, false, "")
	require.NoError(t, err)

	return subsetUUID, batch.BID
}

func TestMergeReplaysUnmergedBatchAndUpdatesDestination(t *testing.T) {
	ctx := context.Background()
	src := setupDataset(t)
	dst := setupDataset(t)

	subsetUUID, bid := seedSourceBatch(t, src)

	req := merge.Request{
		SrcRoot: src.root, SrcCatalog: src.cat, SrcProducerID: "writer-src",
		SrcKeyOrder: []string{"sensor_id"}, SrcKeySchema: map[string]core.LogicalType{"sensor_id": core.LogicalInteger},
		DstRoot: dst.root, DstCatalog: dst.cat, DstStore: dst.store,
		SrcInvariants: merge.Invariants{SchemaFingerprint: "fp-1", SchemeVersion: 1},
		DstInvariants: merge.Invariants{SchemaFingerprint: "fp-1", SchemeVersion: 1},
		CopyMode:      merge.CopyModeCopy,
		VerifyHash:    true,
	}

	plan, err := merge.Run(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, plan.PartsCopied)
	require.Contains(t, plan.BatchesMerged, bid)

	dstParts, err := dst.cat.ListLiveParts(ctx, subsetUUID)
	require.NoError(t, err)
	require.Len(t, dstParts, 1)
	require.EqualValues(t, 5, dstParts[0].NRows)

	// re-running is a no-op: merge_log already has this (producer_id, bid).
	plan2, err := merge.Run(ctx, req)
	require.NoError(t, err)
	require.Empty(t, plan2.BatchesMerged)

	dstParts, err = dst.cat.ListLiveParts(ctx, subsetUUID)
	require.NoError(t, err)
	require.Len(t, dstParts, 1)
}

func TestMergeFailsOnInvariantMismatchUnlessForkAllowed(t *testing.T) {
	ctx := context.Background()
	src := setupDataset(t)
	dst := setupDataset(t)
	subsetUUID, _ := seedSourceBatch(t, src)

	req := merge.Request{
		SrcRoot: src.root, SrcCatalog: src.cat, SrcProducerID: "writer-src",
		SrcKeyOrder: []string{"sensor_id"}, SrcKeySchema: map[string]core.LogicalType{"sensor_id": core.LogicalInteger},
		DstRoot: dst.root, DstCatalog: dst.cat, DstStore: dst.store, DstAlias: "dst",
		DstScheme:     core.StorageScheme{Version: 1},
		SrcInvariants: merge.Invariants{SchemaFingerprint: "fp-1"},
		DstInvariants: merge.Invariants{SchemaFingerprint: "fp-2"},
		CopyMode:      merge.CopyModeCopy,
	}

	_, err := merge.Run(ctx, req)
	require.Error(t, err)

	req.AllowSchemaMismatch = true
	plan, err := merge.Run(ctx, req)
	require.NoError(t, err)
	require.True(t, plan.Forked)
	require.NotEmpty(t, plan.ForkedRoot)
	require.NotEqual(t, dst.root, plan.ForkedRoot)
	require.Equal(t, 1, plan.PartsCopied)

	// the original destination is untouched by the fork.
	dstParts, err := dst.cat.ListLiveParts(ctx, subsetUUID)
	require.NoError(t, err)
	require.Empty(t, dstParts)

	forkedCat, err := catalog.Open(filepath.Join(plan.ForkedRoot, "catalog.db"), true, false)
	require.NoError(t, err)
	defer func() { _ = forkedCat.Close() }()
	forkedParts, err := forkedCat.ListLiveParts(ctx, subsetUUID)
	require.NoError(t, err)
	require.Len(t, forkedParts, 1)
}

func TestMergeDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	src := setupDataset(t)
	dst := setupDataset(t)
	subsetUUID, _ := seedSourceBatch(t, src)

	req := merge.Request{
		SrcRoot: src.root, SrcCatalog: src.cat, SrcProducerID: "writer-src",
		SrcKeyOrder: []string{"sensor_id"}, SrcKeySchema: map[string]core.LogicalType{"sensor_id": core.LogicalInteger},
		DstRoot: dst.root, DstCatalog: dst.cat, DstStore: dst.store,
		SrcInvariants: merge.Invariants{SchemaFingerprint: "fp-1"},
		DstInvariants: merge.Invariants{SchemaFingerprint: "fp-1"},
		DryRun:        true,
	}

	plan, err := merge.Run(ctx, req)
	require.NoError(t, err)
	require.Len(t, plan.BatchesMerged, 1)

	dstParts, err := dst.cat.ListLiveParts(ctx, subsetUUID)
	require.NoError(t, err)
	require.Empty(t, dstParts)
}
