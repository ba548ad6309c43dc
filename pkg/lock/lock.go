// Package lock provides Redis-backed distributed locks shared by control plane replicas, with an in-process
// fallback for single-instance deployments.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botfleet/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	DefaultTTL         = 30 * time.Second
	lockAcquireTimeout = 5 * time.Second
	lockExtendInterval = 10 * time.Second
)

// Lock is a single named lock
type Lock interface {
	// TryLock attempts to take the lock without waiting
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases the lock if this holder still owns it
	Unlock(ctx context.Context) error

	// IsHeld reports whether this holder believes it owns the lock
	IsHeld() bool
}

// Locker hands out locks by key
type Locker interface {
	NewLock(key string) Lock
}

// JobKey is the lock key for a periodic job
func JobKey(name string) string {
	return "lock:job:" + name
}

// RestoreKey is the lock key serializing restores of one tenant
func RestoreKey(tenant string) string {
	return "lock:restore:" + tenant
}

// RedisLock is a SET NX lock with a renewing owner token
type RedisLock struct {
	client       *redis.Client
	key          string
	value        string // owner token, so another holder's lock is never released
	ttl          time.Duration
	maxHold      time.Duration // 0 means renew until Unlock
	isHeld       bool
	owned        bool // acquired and not yet released, even if renewal has given up
	acquiredAt   time.Time
	stopRenew    chan struct{}
	renewStopped bool
	mu           sync.Mutex
}

// NewRedisLock creates a lock on key. A nil client degrades to an always-acquired lock.
func NewRedisLock(client *redis.Client, key string, ttl, maxHold time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLock{
		client:    client,
		key:       key,
		value:     fmt.Sprintf("%s-%s", key, uuid.NewString()),
		ttl:       ttl,
		maxHold:   maxHold,
		stopRenew: make(chan struct{}),
	}
}

// TryLock attempts to acquire the lock
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		logger.Warn("redis client is nil, skipping distributed lock (running in single-instance mode)")
		l.mu.Lock()
		l.isHeld = true
		l.mu.Unlock()
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}

	if !acquired {
		logger.DebugCtx(ctx, "lock %s already held by another instance", l.key)
		return false, nil
	}

	l.mu.Lock()
	l.isHeld = true
	l.owned = true
	l.acquiredAt = time.Now()
	// a fresh channel per acquisition supports repeated TryLock/Unlock cycles
	l.stopRenew = make(chan struct{})
	l.renewStopped = false
	stop := l.stopRenew
	l.mu.Unlock()

	go l.renew(context.WithoutCancel(ctx), stop)

	logger.DebugCtx(ctx, "lock %s acquired", l.key)
	return true, nil
}

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Unlock releases the lock
func (l *RedisLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if l.client == nil {
		l.isHeld = false
		l.mu.Unlock()
		return nil
	}
	if !l.owned {
		l.mu.Unlock()
		return nil
	}
	l.owned = false
	if !l.renewStopped {
		l.renewStopped = true
		close(l.stopRenew)
	}
	l.mu.Unlock()

	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}

	l.mu.Lock()
	l.isHeld = false
	l.mu.Unlock()

	if n, _ := result.(int64); n == 1 {
		logger.DebugCtx(ctx, "lock %s released", l.key)
	} else {
		logger.WarnCtx(ctx, "lock %s was already released or held by another instance", l.key)
	}
	return nil
}

// IsHeld reports whether the lock is held
func (l *RedisLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHeld
}

func (l *RedisLock) renew(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(lockExtendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			holdDuration := time.Since(l.acquiredAt)
			l.mu.Unlock()

			if l.maxHold > 0 && holdDuration > l.maxHold {
				// the owner's deferred Unlock still cleans up the key
				logger.WarnCtx(ctx, "lock %s held for too long (%.0f seconds), stopping renewal", l.key, holdDuration.Seconds())
				l.markLost()
				return
			}

			result, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.value, l.ttl.Milliseconds()).Result()
			if err != nil {
				logger.WarnCtx(ctx, "failed to renew lock %s: %v", l.key, err)
				l.markLost()
				return
			}
			if n, _ := result.(int64); n == 0 {
				logger.WarnCtx(ctx, "lock %s renewal failed, lock lost", l.key)
				l.markLost()
				return
			}
		}
	}
}

func (l *RedisLock) markLost() {
	l.mu.Lock()
	l.isHeld = false
	l.mu.Unlock()
}

// RedisLocker creates RedisLocks sharing one client
type RedisLocker struct {
	client  *redis.Client
	ttl     time.Duration
	maxHold time.Duration
}

// NewRedisLocker creates a locker; maxHold 0 renews locks until they are released
func NewRedisLocker(client *redis.Client, ttl, maxHold time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, maxHold: maxHold}
}

// NewLock returns a lock for key
func (r *RedisLocker) NewLock(key string) Lock {
	return NewRedisLock(r.client, key, r.ttl, r.maxHold)
}

// LocalLocker is an in-process Locker for single-instance mode and tests
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// NewLock returns a lock for key
func (r *LocalLocker) NewLock(key string) Lock {
	return &localLock{locker: r, key: key}
}

type localLock struct {
	locker *LocalLocker
	key    string
	mu     sync.Mutex
	isHeld bool
}

func (l *localLock) TryLock(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isHeld {
		return true, nil
	}

	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if _, taken := l.locker.held[l.key]; taken {
		return false, nil
	}
	l.locker.held[l.key] = struct{}{}
	l.isHeld = true
	return true, nil
}

func (l *localLock) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isHeld {
		return nil
	}

	l.locker.mu.Lock()
	delete(l.locker.held, l.key)
	l.locker.mu.Unlock()
	l.isHeld = false
	return nil
}

func (l *localLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHeld
}

// NewLocker returns a Redis locker, or a local one when client is nil
func NewLocker(client *redis.Client, maxHold time.Duration) Locker {
	if client == nil {
		return NewLocalLocker()
	}
	return NewRedisLocker(client, DefaultTTL, maxHold)
}
