package vaultfs

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// lockManager hands out exclusive locks keyed by string. Locks are created on
// first use and dropped when their last holder or waiter leaves.
//
// Ordering rule: a goroutine holds at most one file lock, takes it before
// any directory lock, and takes directory locks in sorted key order through
// lockDirs. The tree lock, held by operations that move or remove whole
// directories, comes before any directory lock.
type lockManager struct {
	timeout time.Duration
	metrics *Metrics

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockManager(timeout time.Duration, m *Metrics) *lockManager {
	return &lockManager{
		timeout: timeout,
		metrics: m,
		locks:   make(map[string]*keyLock),
	}
}

// treeLockKey serializes changes to the shape of the directory tree.
const treeLockKey = "t:"

func fileLockKey(dir DirectoryID, enc string) string {
	return "f:" + string(dir) + "/" + enc
}

func dirLockKey(dir DirectoryID) string {
	return "d:" + string(dir)
}

func (lm *lockManager) ref(key string) *keyLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.locks[key]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		lm.locks[key] = l
	}
	l.refs++
	return l
}

func (lm *lockManager) unref(key string, l *keyLock) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(lm.locks, key)
	}
}

// lock acquires key, giving up with ErrLockTimeout after the configured
// timeout. The returned function releases the lock.
func (lm *lockManager) lock(ctx context.Context, key string) (func(), error) {
	l := lm.ref(key)

	ctx, cancel := context.WithTimeout(ctx, lm.timeout)
	defer cancel()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		lm.unref(key, l)
		if errors.Is(err, context.DeadlineExceeded) {
			lm.metrics.lockTimeout()
			return nil, ErrLockTimeout
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			lm.unref(key, l)
		})
	}, nil
}

// lockDirs locks every distinct directory in sorted order.
func (lm *lockManager) lockDirs(ctx context.Context, dirs ...DirectoryID) (func(), error) {
	keys := make([]string, 0, len(dirs))
	for _, d := range dirs {
		keys = append(keys, dirLockKey(d))
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	releases := make([]func(), 0, len(keys))
	unlockAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, k := range keys {
		release, err := lm.lock(ctx, k)
		if err != nil {
			unlockAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return unlockAll, nil
}
