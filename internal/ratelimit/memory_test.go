package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a hand-stepped clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	require.NoError(t, m.Close())
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiter_Burst(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryLimiter(10, 3, WithClock(clock.Now))
	defer closeLimiter(t, m)

	assert.Equal(t, 3, allowN(t, m, "deliver:run-1", 5), "only the burst passes without time moving")
}

func TestMemoryLimiter_Refill(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryLimiter(2, 2, WithClock(clock.Now)) // one token every 500ms
	defer closeLimiter(t, m)

	require.Equal(t, 2, allowN(t, m, "k", 2))
	assert.Equal(t, 0, allowN(t, m, "k", 1))

	clock.Advance(499 * time.Millisecond)
	assert.Equal(t, 0, allowN(t, m, "k", 1), "less than one token refilled")

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k", 2))
}

func TestMemoryLimiter_RefillCapsAtBurst(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryLimiter(100, 4, WithClock(clock.Now))
	defer closeLimiter(t, m)

	allowN(t, m, "k", 4)
	clock.Advance(time.Hour)
	assert.Equal(t, 4, allowN(t, m, "k", 10))
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryLimiter(1, 1, WithClock(clock.Now))
	defer closeLimiter(t, m)

	assert.Equal(t, 1, allowN(t, m, "deliver:run-1:10.0.0.7", 3))
	assert.Equal(t, 1, allowN(t, m, "deliver:run-2:10.0.0.7", 3), "a noisy run must not starve another")
	assert.Equal(t, 2, m.Len())
}

func TestMemoryLimiter_ZeroBurstDeniesAll(t *testing.T) {
	m := NewMemoryLimiter(1000, 0)
	defer closeLimiter(t, m)
	assert.Equal(t, 0, allowN(t, m, "k", 3))
}

func TestMemoryLimiter_SweepEvictsIdleKeys(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryLimiter(1, 1, WithClock(clock.Now), WithIdleTTL(time.Minute))
	defer closeLimiter(t, m)

	allowN(t, m, "old", 1)
	clock.Advance(2 * time.Minute)
	allowN(t, m, "fresh", 1)

	m.sweep()
	assert.Equal(t, 1, m.Len())

	// An evicted key starts over with a full bucket.
	assert.Equal(t, 1, allowN(t, m, "old", 1))
}

func TestMemoryLimiter_ConcurrentAllow(t *testing.T) {
	m := NewMemoryLimiter(0.001, 50)
	defer closeLimiter(t, m)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				ok, _ := m.Allow(context.Background(), "shared")
				if ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestMemoryLimiter_CloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "deliver", keyPrefix("deliver:run-1:10.0.0.7"))
	assert.Equal(t, "plain", keyPrefix("plain"))
}

func TestNoopLimiter(t *testing.T) {
	ok, err := NoopLimiter{}.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, NoopLimiter{}.Close())
}
