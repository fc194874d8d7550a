package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertSerialized(t *testing.T, l Locker) {
	t.Helper()
	var inFlight, maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), AccountKey("a-1"), func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	assertSerialized(t, NewKeyedMutex())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = m.WithLock(context.Background(), AccountKey("a-1"), func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), AccountKey("a-2"), func(ctx context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	close(release)
}

func TestKeyedMutexHonorsContext(t *testing.T) {
	m := NewKeyedMutex()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), "k", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithLock(ctx, "k", func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLockerSerializesSameKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	assertSerialized(t, NewRedisLocker(client, DefaultRedisOptions(), nil))
}

func TestRedisLockerPropagatesFnError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLocker(client, RedisOptions{Prefix: "t"}, nil)
	want := assert.AnError
	err := l.WithLock(context.Background(), "k", func(ctx context.Context) error { return want })
	require.ErrorIs(t, err, want)

	// key released afterwards
	err = l.WithLock(context.Background(), "k", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}
