package ratelimit

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBurstThenPaces(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 10, BurstSize: 2})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "burst should not wait")

	start = time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "third request should wait for a token")
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	assert.True(t, math.IsInf(l.Limit(), 1))

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	assert.True(t, math.IsInf(l.Slow(0.5), 1), "unlimited stays unlimited")
}

func TestLimiterSlow(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 4, BurstSize: 1})

	assert.InDelta(t, 2.0, l.Slow(0.5), 1e-9)
	assert.InDelta(t, 1.0, l.Slow(0.5), 1e-9)
	assert.InDelta(t, 1.0, l.Slow(1.5), 1e-9, "factors outside (0,1) are ignored")

	for i := 0; i < 10; i++ {
		l.Slow(0.5)
	}
	assert.InDelta(t, MinRate, l.Limit(), 1e-9)
}

func TestLimiterHonoursContext(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1})
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Wait(ctx))
}
