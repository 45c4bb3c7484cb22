package erpsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

func integrationLockKey(integrationID uint) string {
	return fmt.Sprintf("erpsync:integration:%d", integrationID)
}

// RedisLocker keeps the per-integration "run in progress" marker in Redis.
type RedisLocker struct {
	Client *redislock.Client
}

func (l RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if l.Client == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := l.Client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, err
	}
	return redisLock{lock: lock}, nil
}

type redisLock struct {
	lock *redislock.Lock
}

func (l redisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	return l.lock.Refresh(ctx, ttl, nil)
}

func (l redisLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// MemoryLocker is a single-process Locker, used when Redis is not configured and in tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]time.Time{}, now: time.Now}
}

func (l *MemoryLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.held[key]; ok && l.now().Before(until) {
		return nil, ErrSyncInProgress
	}
	l.held[key] = l.now().Add(ttl)
	return &memoryLock{parent: l, key: key}, nil
}

func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.held[key]
	return ok && l.now().Before(until)
}

type memoryLock struct {
	parent *MemoryLocker
	key    string
}

func (m *memoryLock) Refresh(_ context.Context, ttl time.Duration) error {
	m.parent.mu.Lock()
	defer m.parent.mu.Unlock()
	m.parent.held[m.key] = m.parent.now().Add(ttl)
	return nil
}

func (m *memoryLock) Release(_ context.Context) error {
	m.parent.mu.Lock()
	defer m.parent.mu.Unlock()
	delete(m.parent.held, m.key)
	return nil
}
