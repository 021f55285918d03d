package sessions

import (
	"context"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a writer waits for a session.
const DefaultLockTimeout = 30 * time.Second

type sessionLock struct {
	sem  chan struct{}
	refs int
}

// SessionLocker serializes writes per session. Entries are reference counted
// and removed once no goroutine holds or waits on them.
//
// Thread Safety:
// SessionLocker is safe for concurrent use.
type SessionLocker struct {
	mu      sync.Mutex
	locks   map[string]*sessionLock
	timeout time.Duration
}

// NewSessionLocker creates a locker with the given default timeout.
func NewSessionLocker(timeout time.Duration) *SessionLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &SessionLocker{
		locks:   make(map[string]*sessionLock),
		timeout: timeout,
	}
}

func (l *SessionLocker) acquireRef(sessionID string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sessionLock{sem: make(chan struct{}, 1)}
		l.locks[sessionID] = lock
	}
	lock.refs++
	return lock
}

func (l *SessionLocker) releaseRef(sessionID string, lock *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs <= 0 {
		delete(l.locks, sessionID)
	}
}

// Lock acquires the session lock using the default timeout.
func (l *SessionLocker) Lock(sessionID string) error {
	return l.LockWithTimeout(sessionID, l.timeout)
}

// LockWithTimeout acquires the session lock or returns ErrLockTimeout.
func (l *SessionLocker) LockWithTimeout(sessionID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := l.LockWithContext(ctx, sessionID)
	if err == context.DeadlineExceeded {
		return ErrLockTimeout
	}
	return err
}

// LockWithContext acquires the session lock, giving up when ctx is done. A
// context without a deadline is bounded by the default timeout.
func (l *SessionLocker) LockWithContext(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := l.acquireRef(sessionID)

	select {
	case lock.sem <- struct{}{}:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case lock.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.releaseRef(sessionID, lock)
		return ctx.Err()
	case <-timeout:
		l.releaseRef(sessionID, lock)
		return ErrLockTimeout
	}
}

// TryLock acquires the lock only if it is free.
func (l *SessionLocker) TryLock(sessionID string) bool {
	lock := l.acquireRef(sessionID)
	select {
	case lock.sem <- struct{}{}:
		return true
	default:
		l.releaseRef(sessionID, lock)
		return false
	}
}

// Unlock releases the session lock. Unlocking a session that is not locked
// is a no-op.
func (l *SessionLocker) Unlock(sessionID string) {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-lock.sem:
		l.releaseRef(sessionID, lock)
	default:
	}
}

// IsLocked reports whether the session is currently held.
func (l *SessionLocker) IsLocked(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[sessionID]
	return ok && len(lock.sem) > 0
}

// tracked returns the number of sessions with live entries.
func (l *SessionLocker) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// withLock runs fn while holding the session lock.
func (l *SessionLocker) withLock(ctx context.Context, sessionID string, fn func() error) error {
	if err := l.LockWithContext(ctx, sessionID); err != nil {
		return err
	}
	defer l.Unlock(sessionID)
	return fn()
}
