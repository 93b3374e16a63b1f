// Package cache holds run locks and the last run summary per ticker so
// that overlapping scheduled runs skip instead of racing.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "barreplay/internal/errors"
)

// Locker hands out named locks that expire on their own
type Locker interface {
	// Acquire returns a token, or a LOCK_HELD error when someone else holds key
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release frees key if token still owns it
	Release(ctx context.Context, key, token string) error
}

func lockHeld(key string) error {
	return apperrors.NewAppError(apperrors.ErrCodeLockHeld, "lock is held by another run", nil).
		WithContext("key", key)
}

// MemoryLocker is an in-process Locker
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
	seq   int
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an empty MemoryLocker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryLock),
		now:   time.Now,
	}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.locks[key]; ok && now.Before(l.expires) {
		return "", lockHeld(key)
	}
	m.seq++
	token := newToken(m.seq)
	m.locks[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (m *MemoryLocker) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[key]; ok && l.token == token {
		delete(m.locks, key)
	}
	return nil
}

// LockKey returns the lock name for a ticker and period
func LockKey(ticker, period string) string {
	return "barreplay:lock:" + ticker + ":" + period
}

func newToken(seq int) string {
	return fmt.Sprintf("local-%d", seq)
}
