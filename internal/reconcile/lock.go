package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/treasury/internal/core/domain"
	redisclient "github.com/vietddude/treasury/internal/infra/redis"
)

// Locker guards a scan so two callers never scan the same pair at once.
// TryLock fails fast with ErrScanInProgress instead of waiting.
type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(), err error)
}

// MemoryLocker serializes scans within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) TryLock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, domain.TransientError("reconcile.lock", fmt.Errorf("%s: %w", name, ErrScanInProgress))
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, nil
}

// RedisLocker shares scan locks between processes. The TTL bounds how long
// a crashed holder blocks others.
type RedisLocker struct {
	client *redisclient.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redisclient.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string) (func(), error) {
	token, err := l.client.AcquireLock(ctx, name, l.ttl)
	if err != nil {
		return nil, domain.TransientError("reconcile.lock", err)
	}
	if token == "" {
		return nil, domain.TransientError("reconcile.lock", fmt.Errorf("%s: %w", name, ErrScanInProgress))
	}
	return func() {
		// Release with a fresh context so a cancelled scan still frees the lock.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.client.ReleaseLock(rctx, name, token)
	}, nil
}

func scanLockName(chainKey, wallet string) string {
	return "scan:" + chainKey + ":" + wallet
}
