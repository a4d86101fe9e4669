package lock

import "context"

// Locker provides mutual exclusion with context support. Background workers
// that must run once per host (dispatcher, trash purge) take one before
// starting.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	TryLock(ctx context.Context) (bool, error)
}

