/*
locks.go - Per-resource mutual exclusion with bounded wait

PURPOSE:
  Mutating operations on the same resource must serialize so that
  read-validate-write is effectively atomic: two concurrent Out
  movements cannot both pass validation against a stale quantity.
  Operations on different resources must not block one another, so the
  engine keeps one lock per resource id rather than a global one.

BOUNDED WAIT:
  Lock acquisition waits at most the configured timeout. On timeout the
  caller gets ErrBusy, which is retryable. No operation can deadlock on
  a resource lock.

IMPLEMENTATION:
  Each resource gets a one-slot channel used as a semaphore. Acquire
  selects on the slot against a timer; release drains it. Entries are
  created lazily and kept for the process lifetime (resource counts are
  small; a stock list or catalog, not an unbounded keyspace).
*/
package engine

import (
	"sync"
	"time"
)

const defaultLockWait = 2 * time.Second

// resourceLocks hands out one semaphore per resource id.
type resourceLocks struct {
	mu      sync.Mutex
	wait    time.Duration
	entries map[ResourceID]chan struct{}
}

func newResourceLocks(wait time.Duration) *resourceLocks {
	if wait <= 0 {
		wait = defaultLockWait
	}
	return &resourceLocks{
		wait:    wait,
		entries: make(map[ResourceID]chan struct{}),
	}
}

func (rl *resourceLocks) semaphore(id ResourceID) chan struct{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	sem, ok := rl.entries[id]
	if !ok {
		sem = make(chan struct{}, 1)
		rl.entries[id] = sem
	}
	return sem
}

// Acquire takes the resource's lock, waiting at most the bounded wait.
// Returns ErrBusy on timeout.
func (rl *resourceLocks) Acquire(id ResourceID) error {
	sem := rl.semaphore(id)

	timer := time.NewTimer(rl.wait)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBusy
	}
}

// Release frees the resource's lock. Must follow a successful Acquire.
func (rl *resourceLocks) Release(id ResourceID) {
	<-rl.semaphore(id)
}
