// Package lock provides a Redis-backed distributed lock used to enforce I3
// (at most one in-flight hot-swap per class) when several engine instances
// share one Postgres event store.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock is a Redis-backed mutual-exclusion lock scoped to one key.
type DistributedLock struct {
	redis    *redis.Client
	key      string
	value    string
	ttl      time.Duration
	logger   *slog.Logger
	acquired bool
}

// Config holds tuning parameters for a DistributedLock.
type Config struct {
	// TTL is how long the lock is held before it auto-expires.
	TTL time.Duration `env:"LOCK_TTL" default:"30s"`

	MaxRetries    int           `env:"LOCK_MAX_RETRIES" default:"3"`
	RetryInterval time.Duration `env:"LOCK_RETRY_INTERVAL" default:"100ms"`

	AcquireTimeout time.Duration `env:"LOCK_ACQUIRE_TIMEOUT" default:"5s"`
	ReleaseTimeout time.Duration `env:"LOCK_RELEASE_TIMEOUT" default:"2s"`

	// ValuePrefix tags the lock's random value, useful when reading raw keys
	// from Redis during an incident to see which component holds the lock.
	ValuePrefix string `env:"LOCK_VALUE_PREFIX" default:"bytehot"`
}

func defaultConfig() *Config {
	return &Config{
		TTL:            30 * time.Second,
		MaxRetries:     3,
		RetryInterval:  100 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
		ReleaseTimeout: 2 * time.Second,
		ValuePrefix:    "bytehot",
	}
}

// HotSwapLockKey returns the Redis key guarding in-flight hot-swaps for fqn,
// matching the aggregate ID convention event.HotSwapAggregateID uses for the
// event store so the lock key and the aggregate it protects are easy to
// cross-reference during debugging.
func HotSwapLockKey(fqn string) string {
	return "bytehot:hotswap:" + fqn
}

// New creates a new distributed lock for key. config may be nil to use
// defaults.
func New(redisClient *redis.Client, key string, config *Config, logger *slog.Logger) *DistributedLock {
	if config == nil {
		config = defaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DistributedLock{
		redis:  redisClient,
		key:    key,
		value:  generateLockValue(config.ValuePrefix),
		ttl:    config.TTL,
		logger: logger,
	}
}

func generateLockValue(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), time.Now().Unix())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// Acquire attempts to acquire the lock once.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	return l.AcquireWithRetry(ctx, 0)
}

// AcquireWithRetry attempts to acquire the lock, retrying up to maxRetries
// times with a linearly growing, jittered delay between attempts.
func (l *DistributedLock) AcquireWithRetry(ctx context.Context, maxRetries int) (bool, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	l.logger.Debug("attempting to acquire lock", "key", l.key, "value", l.value, "ttl", l.ttl)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		acquireCtx, cancel := context.WithTimeout(ctx, l.ttl)
		defer cancel()

		result, err := l.redis.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
		if err != nil {
			l.logger.Error("failed to acquire lock", "key", l.key, "attempt", attempt+1, "error", err)
			if attempt == maxRetries {
				return false, fmt.Errorf("failed to acquire lock after %d attempts: %w", maxRetries+1, err)
			}
			time.Sleep(l.retryInterval(attempt))
			continue
		}

		if result {
			l.acquired = true
			l.logger.Info("lock acquired", "key", l.key, "value", l.value, "ttl", l.ttl)
			return true, nil
		}

		l.logger.Debug("lock already held by another process", "key", l.key, "attempt", attempt+1)
		if attempt == maxRetries {
			return false, nil
		}
		time.Sleep(l.retryInterval(attempt))
	}

	return false, nil
}

// Release releases the lock, a no-op if it was never acquired. The
// check-then-delete happens atomically via a Lua script so one process
// can never release another's lock after its own has expired and been
// reacquired by someone else.
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		l.logger.Warn("attempting to release lock that was not acquired", "key", l.key)
		return nil
	}

	l.logger.Debug("releasing lock", "key", l.key, "value", l.value)

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(releaseCtx, script, []string{l.key}, l.value).Result()
	if err != nil {
		l.logger.Error("failed to release lock", "key", l.key, "error", err)
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if result.(int64) == 1 {
		l.acquired = false
		l.logger.Info("lock released", "key", l.key)
		return nil
	}

	l.logger.Warn("lock was not released (possibly already expired or held by another process)", "key", l.key)
	return nil
}

// Extend pushes the lock's expiry out to newTTL, used while a slow
// redefinition is still running so the lock doesn't expire mid-swap.
func (l *DistributedLock) Extend(ctx context.Context, newTTL time.Duration) error {
	if !l.acquired {
		return fmt.Errorf("cannot extend lock that was not acquired")
	}

	l.logger.Debug("extending lock", "key", l.key, "newTTL", newTTL)

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	extendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(extendCtx, script, []string{l.key}, l.value, int(newTTL.Seconds())).Result()
	if err != nil {
		l.logger.Error("failed to extend lock", "key", l.key, "error", err)
		return fmt.Errorf("failed to extend lock: %w", err)
	}

	if result.(int64) == 1 {
		l.ttl = newTTL
		l.logger.Info("lock extended", "key", l.key, "newTTL", newTTL)
		return nil
	}

	return fmt.Errorf("failed to extend lock (possibly already expired or held by another process)")
}

// IsAcquired reports whether this lock is currently held.
func (l *DistributedLock) IsAcquired() bool { return l.acquired }

// Key returns the lock's Redis key.
func (l *DistributedLock) Key() string { return l.key }

// Value returns the lock's random fencing value.
func (l *DistributedLock) Value() string { return l.value }

// TTL returns the lock's current time-to-live.
func (l *DistributedLock) TTL() time.Duration { return l.ttl }

func (l *DistributedLock) retryInterval(attempt int) time.Duration {
	base := 100 * time.Millisecond
	interval := time.Duration(attempt+1) * base
	jitter := time.Duration(float64(interval) * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1))
	return interval + jitter
}

// Manager tracks multiple DistributedLocks acquired by this process, one per
// class under redefinition, so a graceful shutdown can release all of them.
type Manager struct {
	redis  *redis.Client
	config *Config
	logger *slog.Logger
	locks  map[string]*DistributedLock
}

// NewManager creates a Manager. config may be nil to use defaults.
func NewManager(redisClient *redis.Client, config *Config, logger *slog.Logger) *Manager {
	if config == nil {
		config = defaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		redis:  redisClient,
		config: config,
		logger: logger,
		locks:  make(map[string]*DistributedLock),
	}
}

// AcquireLock creates and acquires a new lock for key, enforcing I3 when the
// caller uses HotSwapLockKey(fqn) as key.
func (m *Manager) AcquireLock(ctx context.Context, key string) (*DistributedLock, error) {
	l := New(m.redis, key, m.config, m.logger)

	acquired, err := l.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("failed to acquire lock for key: %s", key)
	}

	m.locks[key] = l
	return l, nil
}

// ReleaseLock releases the lock for key, a no-op if this Manager doesn't
// hold it.
func (m *Manager) ReleaseLock(ctx context.Context, key string) error {
	l, exists := m.locks[key]
	if !exists {
		m.logger.Warn("attempting to release lock that was not managed", "key", key)
		return nil
	}

	if err := l.Release(ctx); err != nil {
		return err
	}

	delete(m.locks, key)
	return nil
}

// ReleaseAll releases every lock this Manager holds, returning the last
// error encountered (if any) after attempting all releases.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	var lastErr error

	for key, l := range m.locks {
		if err := l.Release(ctx); err != nil {
			m.logger.Error("failed to release lock", "key", key, "error", err)
			lastErr = err
		}
	}

	m.locks = make(map[string]*DistributedLock)
	return lastErr
}

// GetLock returns the lock for key, if this Manager holds it.
func (m *Manager) GetLock(key string) (*DistributedLock, bool) {
	l, exists := m.locks[key]
	return l, exists
}

// ListLocks returns the keys of every lock this Manager currently holds.
func (m *Manager) ListLocks() []string {
	keys := make([]string, 0, len(m.locks))
	for key := range m.locks {
		keys = append(keys, key)
	}
	return keys
}

// Close releases all locks and clears the Manager's bookkeeping.
func (m *Manager) Close(ctx context.Context) error {
	return m.ReleaseAll(ctx)
}
