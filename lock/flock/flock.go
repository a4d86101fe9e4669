// Package flock implements lock.Locker on flock(2), doubling as in-process
// mutual exclusion so two goroutines of one server compete the same way two
// servers on one host do.
package flock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/lumen/lock"
)

const retryDelay = 100 * time.Millisecond

// compile-time interface check.
var _ lock.Locker = (*Lock)(nil)

// Lock layers two exclusions:
//   - in-process, via a size-1 buffered channel: send acquires the token,
//     receive releases it. A channel instead of sync.Mutex gives Lock
//     context-aware blocking and TryLock a syscall-free fast path.
//   - cross-process, via flock(2) on a fresh fd per acquisition, so two
//     callers sharing one Lock value still block each other correctly.
type Lock struct {
	path string
	ch   chan struct{}
	// fl is the active flock fd, non-nil while the lock is held.
	fl *flock.Flock
}

// New creates a Lock backed by the given lock file path.
func New(path string) *Lock {
	return &Lock{path: path, ch: make(chan struct{}, 1)}
}

// Lock blocks until the lock is acquired or ctx is cancelled.
func (l *Lock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire lock %s: %w", l.path, ctx.Err())
	}
	ok, err := l.finishAcquire(func(fl *flock.Flock) (bool, error) {
		return fl.TryLockContext(ctx, retryDelay)
	})
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("acquire flock %s: %w", l.path, ctx.Err())
	}
	return nil
}

// TryLock attempts a non-blocking acquisition. A lock held by any other
// caller yields (false, nil).
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	select {
	case l.ch <- struct{}{}:
	default:
		return false, nil
	}
	return l.finishAcquire(func(fl *flock.Flock) (bool, error) {
		return fl.TryLock()
	})
}

// Unlock releases both layers.
func (l *Lock) Unlock(_ context.Context) error {
	var err error
	if l.fl != nil {
		err = l.fl.Unlock()
		l.fl = nil
	}
	select {
	case <-l.ch:
	default:
	}
	if err != nil {
		return fmt.Errorf("release flock %s: %w", l.path, err)
	}
	return nil
}

// finishAcquire opens a fresh flock fd and runs acquire while the channel
// token is held. On any failure the token is returned, so Lock/TryLock and
// Unlock always pair up.
func (l *Lock) finishAcquire(acquire func(*flock.Flock) (bool, error)) (bool, error) {
	fl := flock.New(l.path)
	locked, err := acquire(fl)
	if err != nil {
		<-l.ch
		return false, err
	}
	if !locked {
		<-l.ch
		return false, nil
	}
	l.fl = fl
	return true, nil
}
