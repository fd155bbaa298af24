// Package lock provides keyed mutual exclusion, in-process or across
// processes through Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by TryAcquire when the key is already held.
var ErrNotAcquired = errors.New("lock: not acquired")

// Release frees a held lock. It is safe to call more than once.
type Release func()

// Locker guards critical sections per key.
type Locker interface {
	// Acquire blocks until the key is held or ctx is done.
	Acquire(ctx context.Context, key string) (Release, error)
	// TryAcquire returns ErrNotAcquired immediately when the key is held.
	TryAcquire(ctx context.Context, key string) (Release, error)
}

// RedisLocker is a SetNX lock with a per-holder token so only the holder can
// release it. The ttl bounds how long a crashed holder can block others.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if client == nil {
		panic("lock: redis client required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, poll: 50 * time.Millisecond}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// TryAcquire implements Locker.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (Release, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must work even if the caller's context is already done.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_, _ = unlockScript.Run(releaseCtx, l.client, []string{key}, token).Result()
		})
	}, nil
}

// Acquire implements Locker by polling TryAcquire until ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		release, err := l.TryAcquire(ctx, key)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock: wait for %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// LocalLocker serializes callers within one process. Entries are removed once
// no holder or waiter references them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

func (l *LocalLocker) entry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *LocalLocker) release(key string, e *localEntry) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.unref(key, e)
		})
	}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Release, error) {
	e := l.entry(key)
	select {
	case e.ch <- struct{}{}:
		return l.release(key, e), nil
	case <-ctx.Done():
		l.unref(key, e)
		return nil, fmt.Errorf("lock: wait for %s: %w", key, ctx.Err())
	}
}

// TryAcquire implements Locker.
func (l *LocalLocker) TryAcquire(ctx context.Context, key string) (Release, error) {
	e := l.entry(key)
	select {
	case e.ch <- struct{}{}:
		return l.release(key, e), nil
	default:
		l.unref(key, e)
		return nil, ErrNotAcquired
	}
}

// Size reports how many keys are currently tracked.
func (l *LocalLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
