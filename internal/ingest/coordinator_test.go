package ingest_test

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"jagstore/internal/catalog"
	"jagstore/internal/core"
	"jagstore/internal/hashing"
	"jagstore/internal/ingest"
	"jagstore/internal/keynorm"
	"jagstore/internal/lease"
	"jagstore/internal/partstore"
	"jagstore/internal/schema"
	"jagstore/internal/staging"
)

func floatRaw(v float64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return b[:]
}

func setupCoordinator(t *testing.T, withStaging bool) (*ingest.Coordinator, *catalog.Catalog) {
	t.Helper()
	root := t.TempDir()

	cat, err := catalog.Open(filepath.Join(root, "catalog.db"), false, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	require.NoError(t, cat.Migrate(context.Background()))

	keyOrder := []string{"sensor_id"}
	keySchema := map[string]core.LogicalType{"sensor_id": core.LogicalInteger}
	require.NoError(t, cat.EnsureKeyColumns(context.Background(), keyOrder, keySchema))

	reg := schema.New(&core.SchemaDocument{KeyOrder: keyOrder, KeySchema: keySchema})
	require.NoError(t, reg.LockDtype([]core.FieldDescr{{Name: "value", Base: core.DtypeFloat64}}))

	store := partstore.New(root, core.StorageScheme{Version: 1})
	leases := lease.New(filepath.Join(root, "locks"))

	var stagingQueue *staging.Queue
	if withStaging {
		sq, err := staging.Open(filepath.Join(root, "staging.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = sq.Close() })
		require.NoError(t, sq.Migrate(context.Background()))
		stagingQueue = sq
	}

	coord := ingest.New(ingest.Config{
		DatasetUUID:  "ds-1",
		KeyOrder:     keyOrder,
		KeySchema:    keySchema,
		Quantization: map[string]float64{},
		PartRows:     3,
		ChunkBytes:   0,
		ProducerID:   "writer-1",
	}, cat, store, reg, leases, stagingQueue)

	return coord, cat
}

func TestAddSealsOncePartRowsThresholdReached(t *testing.T) {
	coord, cat := setupCoordinator(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := coord.Add(ctx, ingest.Row{
			Keys:   map[string]keynorm.Value{"sensor_id": keynorm.IntegerValue(1)},
			Fields: hashing.Row{"value": hashing.FieldValue{Raw: floatRaw(float64(i))}},
		})
		require.NoError(t, err)
	}

	subsetUUID, err := keynorm.Normalize(
		map[string]core.LogicalType{"sensor_id": core.LogicalInteger},
		[]string{"sensor_id"}, nil,
		map[string]keynorm.Value{"sensor_id": keynorm.IntegerValue(1)})
	require.NoError(t, err)

	parts, err := cat.ListLiveParts(ctx, subsetUUID.SubsetUUID.String())
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.EqualValues(t, 3, parts[0].NRows)
}

func TestWriterShardIsDeterministicAndBounded(t *testing.T) {
	for i := 0; i < 3; i++ {
		shard := ingest.WriterShard("some-subset-uuid", 4)
		require.GreaterOrEqual(t, shard, 0)
		require.Less(t, shard, 4)
	}
	require.Equal(t, ingest.WriterShard("x", 4), ingest.WriterShard("x", 4))
}

func TestCrashSafeModeSpillsThenDrains(t *testing.T) {
	coord, cat := setupCoordinator(t, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := coord.Add(ctx, ingest.Row{
			Keys:   map[string]keynorm.Value{"sensor_id": keynorm.IntegerValue(2)},
			Fields: hashing.Row{"value": hashing.FieldValue{Raw: floatRaw(float64(i))}},
		})
		require.NoError(t, err)
	}

	subsetUUID, err := keynorm.Normalize(
		map[string]core.LogicalType{"sensor_id": core.LogicalInteger},
		[]string{"sensor_id"}, nil,
		map[string]keynorm.Value{"sensor_id": keynorm.IntegerValue(2)})
	require.NoError(t, err)

	// crash-safe mode only spills to staging on threshold; a drain call is
	// the writer's (or shutdown's) job to actually seal.
	require.NoError(t, coord.DrainSubset(ctx, subsetUUID.SubsetUUID.String()))

	parts, err := cat.ListLiveParts(ctx, subsetUUID.SubsetUUID.String())
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.EqualValues(t, 3, parts[0].NRows)
}
