package partstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jagstore/internal/core"
)

func TestRelPathUnsharded(t *testing.T) {
	s := New("/root", core.StorageScheme{Version: 1, Depth: 0})
	p, err := s.RelPath("subset-a", "part-a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("subsets", "subset-a", "parts", "v1", "part-a.h5"), p)
}

func TestRelPathShardedIsDeterministic(t *testing.T) {
	s := New("/root", core.StorageScheme{Version: 1, Depth: 2, Seglen: 2})
	p1, err := s.RelPath("subset-a", "part-a")
	require.NoError(t, err)
	p2, err := s.RelPath("subset-a", "part-a")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	p3, err := s.RelPath("subset-a", "part-b")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p3)
}

func TestPublishAtomicWriteAndReadBack(t *testing.T) {
	root := t.TempDir()
	s := New(root, core.StorageScheme{Version: 1, Depth: 0})

	payload := []byte("padded row bytes")
	res, err := s.Publish(context.Background(), PublishInput{
		DatasetUUID: "ds-1",
		SubsetUUID:  "subset-1",
		ContentHash: "deadbeef",
		NRows:       3,
		SubsetKeys:  map[string]any{"lat": 1.0},
		Payload:     payload,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.PartUUID)

	absPath := filepath.Join(root, res.FileRelPath)
	_, err = os.Stat(absPath)
	require.NoError(t, err)

	// no leftover .tmp
	entries, err := os.ReadDir(filepath.Dir(absPath))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}

	attrs, err := ReadAttributes(absPath)
	require.NoError(t, err)
	assert.Equal(t, res.PartUUID, attrs.PartUUID)
	assert.Equal(t, "deadbeef", attrs.ContentHash)
	assert.Equal(t, int64(3), attrs.NRows)

	readBack, err := ReadPayload(absPath)
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}

func TestPublishWithZstdCompressionRoundTrips(t *testing.T) {
	root := t.TempDir()
	s := New(root, core.StorageScheme{Version: 1, Depth: 0})

	payload := []byte("some fairly compressible payload payload payload payload")
	res, err := s.Publish(context.Background(), PublishInput{
		DatasetUUID: "ds-1",
		SubsetUUID:  "subset-1",
		ContentHash: "abc123",
		NRows:       1,
		Compression: "zstd",
		Payload:     payload,
	})
	require.NoError(t, err)

	absPath := filepath.Join(root, res.FileRelPath)
	readBack, err := ReadPayload(absPath)
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}

func TestSweepRemovesOnlyStaleTmp(t *testing.T) {
	root := t.TempDir()
	staleName := filepath.Join(root, "old.tmp")
	freshName := filepath.Join(root, "fresh.tmp")

	require.NoError(t, os.WriteFile(staleName, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(freshName, []byte("x"), 0o644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(staleName, old, old))

	require.NoError(t, Sweep(root, time.Hour))

	_, err := os.Stat(staleName)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshName)
	assert.NoError(t, err)
}
