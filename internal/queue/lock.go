// ABOUTME: Keyed locks that serialize queue mutations per company and message fan-out per conversation
// ABOUTME: LocalLocker covers one process; RedisLocker adds a redsync mutex shared by all instances

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker hands out a lock per key (a company for the queue, a conversation
// for ingress). The returned function releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LocalLocker is a mutex per key, forgotten when nobody holds it.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

// Lock blocks until the key's mutex is held. It never fails.
func (k *LocalLocker) Lock(_ context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &localLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}, nil
}

const (
	// DefaultLockExpiry bounds how long a crashed holder can block a key.
	DefaultLockExpiry = 10 * time.Second

	lockTries      = 200
	lockRetryDelay = 25 * time.Millisecond
)

// RedisLocker takes the local lock first, then a redsync mutex named
// <prefix><key>, so only one waiter per process contends in Redis.
type RedisLocker struct {
	local  *LocalLocker
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker shared by every instance using client.
// Lockers for different purposes need different prefixes.
func NewRedisLocker(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		local:  NewLocalLocker(),
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		expiry: DefaultLockExpiry,
		logger: logger.With("component", "lock"),
	}
}

// Lock acquires the key's lock across instances. It fails when ctx ends
// or Redis cannot grant the mutex within the retry budget.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, _ := r.local.Lock(ctx, key)

	name := r.prefix + key
	mutex := r.rs.NewMutex(name,
		redsync.WithExpiry(r.expiry),
		redsync.WithTries(lockTries),
		redsync.WithRetryDelay(lockRetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		unlockLocal()
		return nil, fmt.Errorf("acquiring lock %s: %w", name, err)
	}

	return func() {
		// Release even if the caller's context is already done.
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			r.logger.Error("releasing lock", "lock", name, "error", err)
		}
		unlockLocal()
	}, nil
}
