package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr
}

func TestDistributedLock_Acquire(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	t.Run("successful acquire", func(t *testing.T) {
		key := HotSwapLockKey("com.example.Foo")
		l := New(client, key, nil, nil)

		acquired, err := l.Acquire(ctx)
		assert.NoError(t, err)
		assert.True(t, acquired)
		assert.True(t, l.IsAcquired())
		assert.Equal(t, key, l.Key())
		assert.NotEmpty(t, l.Value())
	})

	t.Run("acquire already held lock", func(t *testing.T) {
		key := "test_lock_2"
		l1 := New(client, key, nil, nil)
		acquired1, err1 := l1.Acquire(ctx)
		require.NoError(t, err1)
		require.True(t, acquired1)

		l2 := New(client, key, nil, nil)
		acquired2, err2 := l2.AcquireWithRetry(ctx, 0)
		assert.NoError(t, err2)
		assert.False(t, acquired2)
		assert.False(t, l2.IsAcquired())
	})

	t.Run("acquire after release", func(t *testing.T) {
		key := "test_lock_3"
		l1 := New(client, key, nil, nil)
		acquired1, err1 := l1.Acquire(ctx)
		require.NoError(t, err1)
		require.True(t, acquired1)

		require.NoError(t, l1.Release(ctx))

		l2 := New(client, key, nil, nil)
		acquired2, err2 := l2.AcquireWithRetry(ctx, 0)
		assert.NoError(t, err2)
		assert.True(t, acquired2)
	})
}

func TestDistributedLock_Release(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	key := "test_lock"

	t.Run("release acquired lock", func(t *testing.T) {
		l := New(client, key, nil, nil)
		acquired, err := l.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, acquired)

		assert.NoError(t, l.Release(ctx))
		assert.False(t, l.IsAcquired())
	})

	t.Run("release not acquired lock", func(t *testing.T) {
		l := New(client, key, nil, nil)
		assert.NoError(t, l.Release(ctx))
	})

	t.Run("release with wrong value cannot steal another holder's lock", func(t *testing.T) {
		l1 := New(client, key, nil, nil)
		acquired1, err1 := l1.Acquire(ctx)
		require.NoError(t, err1)
		require.True(t, acquired1)

		l2 := New(client, key, nil, nil)
		assert.NoError(t, l2.Release(ctx))
		assert.True(t, mr.Exists(key), "l1's lock must survive l2's release")
	})
}

func TestDistributedLock_Extend(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	key := "test_lock"

	t.Run("extend acquired lock", func(t *testing.T) {
		config := &Config{TTL: 5 * time.Second}
		l := New(client, key, config, nil)

		acquired, err := l.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, acquired)

		newTTL := 10 * time.Second
		assert.NoError(t, l.Extend(ctx, newTTL))
		assert.Equal(t, newTTL, l.TTL())
	})

	t.Run("extend not acquired lock", func(t *testing.T) {
		l := New(client, key, nil, nil)
		err := l.Extend(ctx, 10*time.Second)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot extend lock that was not acquired")
	})
}

func TestDistributedLock_Concurrency(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	key := "concurrent_lock"
	numGoroutines := 3

	var wg sync.WaitGroup
	acquiredCount := 0
	var mu sync.Mutex

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			l := New(client, key, nil, nil)
			acquired, err := l.AcquireWithRetry(ctx, 0)
			if err != nil {
				t.Errorf("goroutine %d: error acquiring lock: %v", id, err)
				return
			}

			if acquired {
				mu.Lock()
				acquiredCount++
				mu.Unlock()

				time.Sleep(50 * time.Millisecond)

				if err := l.Release(ctx); err != nil {
					t.Errorf("goroutine %d: error releasing lock: %v", id, err)
				}
			}
		}(i)
	}

	wg.Wait()

	// miniredis doesn't expire keys on its own, so goroutines may acquire
	// the lock sequentially here; a real Redis would admit exactly one.
	assert.GreaterOrEqual(t, acquiredCount, 1, "at least one goroutine should have acquired the lock")
}

func TestDistributedLock_TTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	key := "ttl_lock"

	t.Run("lock expires after TTL", func(t *testing.T) {
		config := &Config{TTL: 100 * time.Millisecond}
		l := New(client, key, config, nil)

		acquired, err := l.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, acquired)

		// miniredis doesn't expire keys automatically; simulate the expiry.
		mr.Del(key)

		l2 := New(client, key, nil, nil)
		acquired2, err2 := l2.AcquireWithRetry(ctx, 0)
		assert.NoError(t, err2)
		assert.True(t, acquired2, "lock should be available after TTL expiration")
	})
}

func TestLockManager(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	manager := NewManager(client, nil, nil)

	t.Run("acquire and release multiple locks", func(t *testing.T) {
		lock1, err1 := manager.AcquireLock(ctx, "lock1")
		require.NoError(t, err1)
		require.NotNil(t, lock1)

		lock2, err2 := manager.AcquireLock(ctx, "lock2")
		require.NoError(t, err2)
		require.NotNil(t, lock2)

		assert.Equal(t, 2, len(manager.ListLocks()))
		_, exists1 := manager.GetLock("lock1")
		_, exists2 := manager.GetLock("lock2")
		assert.True(t, exists1)
		assert.True(t, exists2)

		assert.NoError(t, manager.ReleaseLock(ctx, "lock1"))
		assert.Equal(t, 1, len(manager.ListLocks()))

		assert.NoError(t, manager.ReleaseAll(ctx))
		assert.Equal(t, 0, len(manager.ListLocks()))
	})

	t.Run("acquire same lock twice enforces I3", func(t *testing.T) {
		lock1, err1 := manager.AcquireLock(ctx, HotSwapLockKey("com.example.Bar"))
		require.NoError(t, err1)
		require.NotNil(t, lock1)

		lock2, err2 := manager.AcquireLock(ctx, HotSwapLockKey("com.example.Bar"))
		assert.Error(t, err2)
		assert.Nil(t, lock2)
		assert.Contains(t, err2.Error(), "failed to acquire lock")
	})
}

func TestDistributedLock_Retry(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	key := "retry_lock"

	t.Run("acquire with retry", func(t *testing.T) {
		l1 := New(client, key, nil, nil)
		acquired1, err1 := l1.Acquire(ctx)
		require.NoError(t, err1)
		require.True(t, acquired1)

		l2 := New(client, key, nil, nil)
		acquired2, err2 := l2.AcquireWithRetry(ctx, 2)
		assert.NoError(t, err2)
		assert.False(t, acquired2)

		require.NoError(t, l1.Release(ctx))

		acquired2, err2 = l2.AcquireWithRetry(ctx, 2)
		assert.NoError(t, err2)
		assert.True(t, acquired2)
	})
}

func TestDistributedLock_Configuration(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	key := "config_lock"

	t.Run("custom configuration", func(t *testing.T) {
		config := &Config{
			TTL:            5 * time.Second,
			MaxRetries:     5,
			RetryInterval:  50 * time.Millisecond,
			AcquireTimeout: 2 * time.Second,
			ReleaseTimeout: 1 * time.Second,
			ValuePrefix:    "custom",
		}

		l := New(client, key, config, nil)
		assert.Equal(t, config.TTL, l.TTL())
		assert.Equal(t, key, l.Key())
		assert.Contains(t, l.Value(), "custom")
	})
}

func BenchmarkDistributedLock_Acquire(b *testing.B) {
	client, mr := setupTestRedis(b)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	key := "bench_lock"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l := New(client, key, nil, nil)
		acquired, err := l.Acquire(ctx)
		if err != nil {
			b.Fatal(err)
		}
		if acquired {
			l.Release(ctx)
		}
	}
}

func BenchmarkDistributedLock_Concurrent(b *testing.B) {
	client, mr := setupTestRedis(b)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	key := "bench_concurrent_lock"

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			l := New(client, key, nil, nil)
			acquired, err := l.Acquire(ctx)
			if err != nil {
				b.Fatal(err)
			}
			if acquired {
				l.Release(ctx)
			}
		}
	})
}
