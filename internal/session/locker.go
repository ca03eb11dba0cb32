package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Locker serializes turns for the same call.
type Locker interface {
	Lock(ctx context.Context, callID string) error
	Unlock(callID string)
}

// LocalLocker is an in-process keyed mutex.  Waiters give up after the
// acquire timeout or when their context ends.
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates a LocalLocker.  A non-positive timeout defaults to
// 30 seconds.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LocalLocker{timeout: timeout, locks: make(map[string]*keyLock)}
}

// Lock blocks until the call's lock is free.
func (l *LocalLocker) Lock(ctx context.Context, callID string) error {
	if l == nil {
		return errors.New("session locker unavailable")
	}
	if strings.TrimSpace(callID) == "" {
		return errors.New("call id is required")
	}

	l.mu.Lock()
	k, ok := l.locks[callID]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[callID] = k
	}
	k.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case k.ch <- struct{}{}:
		return nil
	case <-timer.C:
		l.release(callID, k)
		return ErrLockTimeout
	case <-ctx.Done():
		l.release(callID, k)
		return ctx.Err()
	}
}

// Unlock releases the call's lock.  Unlocking an unheld lock is a no-op.
func (l *LocalLocker) Unlock(callID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	k, ok := l.locks[callID]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-k.ch:
		l.release(callID, k)
	default:
	}
}

func (l *LocalLocker) release(callID string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs <= 0 {
		delete(l.locks, callID)
	}
}

// Held reports whether any goroutine holds or waits on the call's lock.
func (l *LocalLocker) Held(callID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[callID]
	return ok
}
