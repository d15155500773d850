package storage

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay and lockBudget bound the advisory-lock retry loop
// (spec §5: "retry with bounded backoff; after N retries surfaces as
// EAGAIN").
const (
	lockRetryDelay = 20 * time.Millisecond
	lockBudget     = 2 * time.Second
)

// lockTable is the one-per-manifest-path advisory lock table (spec §5
// "Shared resources"); each FilesystemStorage builds its own. Locks are
// keyed by the manifest
// path rather than the package name so two Storage instances pointed
// at the same root serialize correctly even if they disagree on name
// sanitization in the future.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*flock.Flock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*flock.Flock)}
}

func (t *lockTable) get(manifestPath string) *flock.Flock {
	t.mu.Lock()
	defer t.mu.Unlock()

	fl, ok := t.locks[manifestPath]
	if !ok {
		fl = flock.New(manifestPath + ".lock")
		t.locks[manifestPath] = fl
	}
	return fl
}

// acquire blocks (subject to lockBudget) until fl is exclusively
// locked, or returns false once the retry budget is exhausted.
func acquire(ctx context.Context, fl *flock.Flock) (bool, error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockBudget)
	defer cancel()
	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err == context.DeadlineExceeded && ctx.Err() == nil {
		// The budget ran out while the lock was still held elsewhere.
		return false, nil
	}
	return locked, err
}
