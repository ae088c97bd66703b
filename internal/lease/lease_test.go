package lease

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jagstore/internal/obslog"
)

func TestAcquireDatasetReleaseAllowsReacquire(t *testing.T) {
	m := New(t.TempDir())

	l, err := m.AcquireDataset("ds-1")
	require.NoError(t, err)
	require.NoError(t, l.Release())

	l2, err := m.AcquireDataset("ds-1")
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestWithSubsetReleasesOnError(t *testing.T) {
	m := New(t.TempDir())

	err := m.WithSubset("subset-1", func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	// the lease must have been released despite fn returning an error
	l, err := m.AcquireSubset("subset-1")
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestConcurrentAcquireOnSameKeySerializes(t *testing.T) {
	m := New(t.TempDir())

	var inside int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithSubset("subset-race", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					max := atomic.LoadInt32(&maxConcurrent)
					if n <= max || atomic.CompareAndSwapInt32(&maxConcurrent, max, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxConcurrent, "at most one goroutine should hold the subset lease at a time")
}

func TestAcquireAuditsGrantWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	obslog.Init(obslog.Config{Level: obslog.InfoLevel, JSONOutput: true, AuditEnabled: true, AuditOutput: &buf})
	defer obslog.Init(obslog.Config{Level: obslog.InfoLevel, JSONOutput: true})

	m := New(t.TempDir())
	l, err := m.AcquireDataset("ds-audit")
	require.NoError(t, err)
	require.NoError(t, l.Release())

	require.Contains(t, buf.String(), "lease_grant")
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := New(t.TempDir())
	l, err := m.AcquireDataset("ds-1")
	require.NoError(t, err)
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
}
