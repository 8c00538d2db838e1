package store

import (
	"context"
	"sync"
	"time"

	cerrors "github.com/covarlab/covar/internal/errors"
)

// LockManager serializes row merges per participant. Locks are
// process-local: the single write path for a store lives in one
// process, so in-memory mutual exclusion is sufficient.
type LockManager struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// lockEntry holds a one-token semaphore. refs counts the holder plus
// all waiters; the entry is dropped from the map when refs reaches zero.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the named lock is free, the wait elapses, or ctx
// is cancelled. On success the returned release function must be called
// exactly once. A timed-out acquisition returns a retryable lock
// timeout error; callers retry with backoff.
func (m *LockManager) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		e.sem <- struct{}{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-e.sem:
		var once sync.Once
		release := func() {
			once.Do(func() {
				e.sem <- struct{}{}
				m.unref(key, e)
			})
		}
		return release, nil
	case <-timer.C:
		m.unref(key, e)
		return nil, cerrors.NewLockTimeout(key, wait)
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

// unref drops one reference and removes the entry once nobody holds or
// waits on it.
func (m *LockManager) unref(key string, e *lockEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}
