package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLocker(t *testing.T, cfg Config) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, cfg, zap.NewNop()), mr
}

func TestLockAndRelease(t *testing.T) {
	t.Parallel()

	l, mr := newLocker(t, Config{TTL: time.Minute})
	unlock, err := l.Lock(context.Background(), "acme:1")
	require.NoError(t, err)
	require.True(t, mr.Exists("pipeline:lock:acme:1"))

	unlock()
	require.False(t, mr.Exists("pipeline:lock:acme:1"))
}

func TestLockBlocksUntilReleased(t *testing.T) {
	t.Parallel()

	l, _ := newLocker(t, Config{TTL: time.Minute, PollInterval: 5 * time.Millisecond})
	unlock, err := l.Lock(context.Background(), "acme:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "acme:1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		second, err := l.Lock(context.Background(), "acme:1")
		if err == nil {
			second()
		}
		close(acquired)
	}()
	unlock()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second lock was never acquired")
	}
}

func TestUnlockDoesNotReleaseForeignLease(t *testing.T) {
	t.Parallel()

	l, mr := newLocker(t, Config{TTL: time.Minute})
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	require.NoError(t, mr.Set("pipeline:lock:k", "someone-else"))
	unlock()

	got, err := mr.Get("pipeline:lock:k")
	require.NoError(t, err)
	require.Equal(t, "someone-else", got)
}

func TestLeaseExpires(t *testing.T) {
	t.Parallel()

	l, mr := newLocker(t, Config{TTL: time.Second, PollInterval: time.Millisecond})
	_, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	unlock()
}
