// Package lock provides a file-based mutual exclusion primitive shared by
// independent OS processes. It serializes the whole ingest critical section:
// the metadata transaction and the vector index files must change as one
// logical unit, and the database's native locking covers only the database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when the lock could not be acquired within the
// timeout. Retryable: another writer is in its critical section.
var ErrLockTimeout = errors.New("lock: timed out waiting for writer lock")

// retryInterval is how often acquisition is retried while waiting.
const retryInterval = 100 * time.Millisecond

// Guard holds an acquired lock until released. Release is idempotent.
type Guard struct {
	fl       *flock.Flock
	released bool
}

// Acquire takes the exclusive lock at path, waiting up to timeout. The lock
// file is created if missing (it carries no durable data). Returns
// ErrLockTimeout when another process holds the lock for the whole window.
//
// The same primitive serializes in-process callers too: concurrent goroutines
// contend on the same file lock rather than on a separate mutex, so there is
// exactly one synchronization point covering both stores.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Guard, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fl := flock.New(path)
	ok, err := fl.TryLockContext(ctx, retryInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrLockTimeout
	}
	return &Guard{fl: fl}, nil
}

// Release unlocks the guard. Safe to call more than once and from deferred
// cleanup paths.
func (g *Guard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	return g.fl.Unlock()
}
