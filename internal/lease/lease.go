// Package lease implements the advisory dataset and subset leases: an OS
// file-advisory-lock primitive, exposed as a scoped acquire/release
// operation that is guaranteed to release on every exit path, with a
// portable fallback for hosts where flock is unavailable.
//
// flock's advisory semantics are scoped to an open file description, not a
// process: two goroutines in this process opening independent fds on the
// same lock path would race the syscall directly, rather than queuing
// behind one another, if nothing serialized them first. Manager keeps one
// sync.Mutex per lock path and has same-process callers acquire that
// before touching the filesystem, so only one goroutine per path is ever
// inside the OpenFile+flock critical section at a time; each still opens
// and locks its own independent fd.
package lease

import (
	"os"
	"path/filepath"
	"sync"

	"jagstore/internal/core"
	"jagstore/internal/obslog"
)

// Manager hands out dataset-exclusive and subset-exclusive leases rooted
// at a dataset's locks/ directory.
type Manager struct {
	lockDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Manager rooted at <dataset-root>/locks.
func New(lockDir string) *Manager {
	return &Manager{lockDir: lockDir, locks: make(map[string]*sync.Mutex)}
}

// keyMutex returns the in-process mutex guarding path, creating it on first
// use. Entries are never removed: lock paths are bounded by live datasets
// and subsets, not unbounded request input.
func (m *Manager) keyMutex(path string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	km, ok := m.locks[path]
	if !ok {
		km = &sync.Mutex{}
		m.locks[path] = km
	}
	return km
}

// Lease is a held advisory lock; Release must be called exactly once, and
// callers should defer it immediately after a successful Acquire* call so
// the lease releases on every exit path.
type Lease struct {
	file  *os.File
	path  string
	keyMu *sync.Mutex
}

// Release unlocks and closes the underlying lock file, then frees the
// in-process path mutex so the next waiter on the same path can proceed.
// It is safe to call more than once.
func (l *Lease) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if l.keyMu != nil {
		l.keyMu.Unlock()
		l.keyMu = nil
	}
	if err != nil {
		return err
	}
	return closeErr
}

// AcquireDataset takes the exclusive per-dataset lease required for GC,
// fsck, rebuild, and merge — exclusive against all writers.
func (m *Manager) AcquireDataset(dataset string) (*Lease, error) {
	return m.acquire(filepath.Join(m.lockDir, dataset+".lock"))
}

// AcquireSubset takes the exclusive per-subset lease held during seal.
func (m *Manager) AcquireSubset(subsetUUID string) (*Lease, error) {
	return m.acquire(filepath.Join(m.lockDir, "subsets", subsetUUID+".lock"))
}

func (m *Manager) acquire(path string) (*Lease, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		obslog.Audit("lease_deny", map[string]any{"path": path, "error": err.Error()})
		return nil, &core.LeaseDeniedError{Resource: path, Cause: err}
	}

	keyMu := m.keyMutex(path)
	keyMu.Lock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		keyMu.Unlock()
		obslog.Audit("lease_deny", map[string]any{"path": path, "error": err.Error()})
		return nil, &core.LeaseDeniedError{Resource: path, Cause: err}
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		keyMu.Unlock()
		obslog.Audit("lease_deny", map[string]any{"path": path, "error": err.Error()})
		return nil, &core.LeaseDeniedError{Resource: path, Cause: err}
	}

	obslog.Audit("lease_grant", map[string]any{"path": path})
	return &Lease{file: f, path: path, keyMu: keyMu}, nil
}

// WithDataset runs fn while holding the dataset lease, guaranteeing release
// on every return path including panics recovered by the caller's own
// defer chain.
func (m *Manager) WithDataset(dataset string, fn func() error) error {
	l, err := m.AcquireDataset(dataset)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// WithSubset runs fn while holding the subset lease.
func (m *Manager) WithSubset(subsetUUID string, fn func() error) error {
	l, err := m.AcquireSubset(subsetUUID)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
