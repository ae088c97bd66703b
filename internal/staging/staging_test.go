package staging_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"jagstore/internal/staging"
)

func openTestQueue(t *testing.T) *staging.Queue {
	t.Helper()
	q, err := staging.Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	require.NoError(t, q.Migrate(context.Background()))
	return q
}

func TestEnqueueAndClaimPrefixMeetsThreshold(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "subset-1", 40, []byte("row-a")))
	require.NoError(t, q.Enqueue(ctx, "subset-1", 40, []byte("row-b")))
	require.NoError(t, q.Enqueue(ctx, "subset-1", 40, []byte("row-c")))

	claimed, err := q.SelectAndClaimPrefix(ctx, "subset-1", 100, "token-1")
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	hot, err := q.HotSubsets(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, hot)
}

func TestClaimPrefixLeavesRemainderUnclaimed(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "subset-1", 60, []byte("row-a")))
	require.NoError(t, q.Enqueue(ctx, "subset-1", 60, []byte("row-b")))

	claimed, err := q.SelectAndClaimPrefix(ctx, "subset-1", 100, "token-1")
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, q.Enqueue(ctx, "subset-1", 10, []byte("row-c")))
	claimed, err = q.SelectAndClaimPrefix(ctx, "subset-1", 100, "token-2")
	require.NoError(t, err)
	require.Empty(t, claimed)

	hot, err := q.HotSubsets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hot, 1)
	require.EqualValues(t, 10, hot[0].PendingRows)
}

func TestOversizeRowStandsAlone(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "subset-1", 500, []byte("row-big")))

	claimed, err := q.SelectAndClaimPrefix(ctx, "subset-1", 100, "token-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.EqualValues(t, 500, claimed[0].NRows)
}

func TestDeleteClaimedRemovesClaimedRows(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "subset-1", 100, []byte("row-a")))
	claimed, err := q.SelectAndClaimPrefix(ctx, "subset-1", 100, "token-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.DeleteClaimed(ctx, "token-1"))

	claimed, err = q.SelectAndClaimPrefix(ctx, "subset-1", 1, "token-2")
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestReclaimStaleFreesOldClaims(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "subset-1", 100, []byte("row-a")))
	_, err := q.SelectAndClaimPrefix(ctx, "subset-1", 100, "crashed-token")
	require.NoError(t, err)

	n, err := q.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	claimed, err := q.SelectAndClaimPrefix(ctx, "subset-1", 100, "new-token")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}
