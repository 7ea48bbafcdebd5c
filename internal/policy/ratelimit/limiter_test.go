package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 requests per second = 100ms interval, one token to start.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_DifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "host b blocked by host a")
}

func TestLimiter_HostIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.5, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://Example.com/1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "https://example.com/2"))
}

func TestLimiter_Unlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "https://example.com"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_CanceledContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Wait(ctx, "https://slow.example"))
}
