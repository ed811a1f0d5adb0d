package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesWaitsOnSameKey(t *testing.T) {
	t.Parallel()

	l := New(100 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "acme"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "acme"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(time.Second)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "acme"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "globex"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(0)
	for range 5 {
		require.NoError(t, l.Wait(context.Background(), "acme"))
	}
}

func TestLimiterHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(time.Hour)
	require.NoError(t, l.Wait(context.Background(), "acme"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "acme"))
}
