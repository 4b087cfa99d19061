package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiterAdmitsUpToLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryRateLimiter()
	m.now = func() time.Time { return now }

	limit := Limit{N: 3, Window: WindowMinute}
	for i := 0; i < 3; i++ {
		allowed, _, err := m.Allow(context.Background(), "r1", "did:mesh:a", limit)
		require.NoError(t, err)
		require.True(t, allowed, "request %d", i+1)
	}

	allowed, resetAt, err := m.Allow(context.Background(), "r1", "did:mesh:a", limit)
	require.NoError(t, err)
	require.False(t, allowed)
	// The window reopens when the oldest admission slides out: t0 + 60s.
	require.True(t, resetAt.Equal(now.Add(time.Minute)))
}

func TestMemoryRateLimiterSlidingWindowInvariant(t *testing.T) {
	// Over any interval shorter than the window, at most N requests are
	// admitted: after burning 3/minute at t0, requests at +20s and +40s
	// must still be denied, since a <60s interval already holds 3 allows.
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryRateLimiter()
	m.now = func() time.Time { return now }

	t0 := now
	limit := Limit{N: 3, Window: WindowMinute}
	for _, offset := range []time.Duration{0, 2 * time.Second, 3 * time.Second} {
		now = t0.Add(offset)
		allowed, _, _ := m.Allow(context.Background(), "r1", "did:mesh:a", limit)
		require.True(t, allowed, "admission at +%s", offset)
	}

	for _, offset := range []time.Duration{20 * time.Second, 40 * time.Second} {
		now = t0.Add(offset)
		allowed, resetAt, _ := m.Allow(context.Background(), "r1", "did:mesh:a", limit)
		require.False(t, allowed, "request at +%s", offset)
		require.True(t, resetAt.Equal(t0.Add(time.Minute)))
	}

	// Once the oldest admission ages out, exactly one slot opens; denied
	// requests were never recorded, so the window still holds the +2s and
	// +3s admissions.
	now = t0.Add(61 * time.Second)
	allowed, _, _ := m.Allow(context.Background(), "r1", "did:mesh:a", limit)
	require.True(t, allowed)

	allowed, resetAt, _ := m.Allow(context.Background(), "r1", "did:mesh:a", limit)
	require.False(t, allowed)
	require.True(t, resetAt.Equal(t0.Add(2*time.Second).Add(time.Minute)))
}

func TestMemoryRateLimiterRefillsAfterWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryRateLimiter()
	m.now = func() time.Time { return now }

	limit := Limit{N: 2, Window: WindowMinute}
	for i := 0; i < 2; i++ {
		allowed, _, _ := m.Allow(context.Background(), "r1", "did:mesh:a", limit)
		require.True(t, allowed)
	}
	allowed, _, _ := m.Allow(context.Background(), "r1", "did:mesh:a", limit)
	require.False(t, allowed)

	// One full window later every admission has aged out.
	now = now.Add(time.Minute)
	allowed, _, _ = m.Allow(context.Background(), "r1", "did:mesh:a", limit)
	require.True(t, allowed)
}

func TestMemoryRateLimiterKeysAreIndependent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryRateLimiter()
	m.now = func() time.Time { return now }

	limit := Limit{N: 1, Window: WindowHour}
	allowed, _, _ := m.Allow(context.Background(), "r1", "did:mesh:a", limit)
	require.True(t, allowed)
	allowed, _, _ = m.Allow(context.Background(), "r1", "did:mesh:a", limit)
	require.False(t, allowed)

	// A different agent and a different rule each get their own counter.
	allowed, _, _ = m.Allow(context.Background(), "r1", "did:mesh:b", limit)
	require.True(t, allowed)
	allowed, _, _ = m.Allow(context.Background(), "r2", "did:mesh:a", limit)
	require.True(t, allowed)
}

func TestMemoryRateLimiterEvictsIdleCounters(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryRateLimiter()
	m.now = func() time.Time { return now }

	limit := Limit{N: 2, Window: WindowSecond}
	m.Allow(context.Background(), "r1", "did:mesh:a", limit)
	require.Len(t, m.windows, 1)

	// Still mid-window: the counter survives.
	m.Evict(now)
	require.Len(t, m.windows, 1)

	// Fully elapsed windows are dropped.
	m.Evict(now.Add(2 * time.Second))
	require.Len(t, m.windows, 0)
}
