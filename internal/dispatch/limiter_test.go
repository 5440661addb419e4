package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForProviderSharesInstance(t *testing.T) {
	a := ForProvider("limiter-share", 60, 1000)
	b := ForProvider("limiter-share", 1, 1) // arguments ignored after first use
	assert.Same(t, a, b)
}

func TestAcquireCountsCalls(t *testing.T) {
	l := ForProvider("limiter-count", 6000, 100000)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.Equal(t, int64(3), l.Calls())
}

func TestAcquireHonorsCancellation(t *testing.T) {
	l := ForProvider("limiter-cancel", 1, 100000)

	// Drain the minute bucket so the next Acquire has to wait.
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.Error(t, err)
}

func TestUsageStatsSnapshotsProviders(t *testing.T) {
	ResetUsage()
	t.Cleanup(ResetUsage)

	l := ForProvider("vlm-stats", 6000, 100000)
	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))

	stats := UsageStats()
	assert.Equal(t, int64(2), stats["vlm-stats"])
}
