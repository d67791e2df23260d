package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBucketExhaustsAtCapacity(t *testing.T) {
	clock := newFakeClock()
	b := New(5, 1, WithClock(clock.Now))

	var ok int
	for i := 0; i < 8; i++ {
		if b.TryAcquire() {
			ok++
		}
	}
	require.Equal(t, 5, ok)
	require.False(t, b.TryAcquire())
}

func TestBucketRefillsOverTime(t *testing.T) {
	clock := newFakeClock()
	b := New(2, 0.5, WithClock(clock.Now))
	require.True(t, b.TryAcquire())
	require.True(t, b.TryAcquire())
	require.False(t, b.TryAcquire())

	clock.Advance(time.Second)
	require.False(t, b.TryAcquire(), "half a token is not enough")

	clock.Advance(time.Second)
	require.True(t, b.TryAcquire())
	require.False(t, b.TryAcquire())
}

func TestBucketNeverExceedsCapacity(t *testing.T) {
	clock := newFakeClock()
	b := New(3, 10, WithClock(clock.Now))
	clock.Advance(time.Hour)
	require.Equal(t, 3.0, b.Available())
}

func TestPerMinute(t *testing.T) {
	require.Nil(t, PerMinute(0))

	clock := newFakeClock()
	b := PerMinute(20, WithClock(clock.Now))
	for i := 0; i < 20; i++ {
		require.True(t, b.TryAcquire())
	}
	require.False(t, b.TryAcquire())

	// 60/20 = 3 секунды на токен.
	clock.Advance(3 * time.Second)
	require.True(t, b.TryAcquire())
	require.False(t, b.TryAcquire())
}

func TestBucketConcurrentAcquire(t *testing.T) {
	clock := newFakeClock()
	b := New(100, 1, WithClock(clock.Now))

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if b.TryAcquire() {
					granted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 100, granted.Load())
}

func TestBucketAvailableTracksFractionalRefill(t *testing.T) {
	clock := newFakeClock()
	b := New(2, 0.5, WithClock(clock.Now))
	require.InDelta(t, 2.0, b.Available(), 1e-9)

	require.True(t, b.TryAcquire())
	require.True(t, b.TryAcquire())
	require.InDelta(t, 0.0, b.Available(), 1e-9)

	clock.Advance(time.Second)
	require.InDelta(t, 0.5, b.Available(), 1e-9)
}

func TestBucketZeroCapacityNeverAdmits(t *testing.T) {
	clock := newFakeClock()
	b := New(0, 0, WithClock(clock.Now))
	require.False(t, b.TryAcquire())

	clock.Advance(time.Hour)
	require.False(t, b.TryAcquire())
}

func TestNilBucketAdmitsEverything(t *testing.T) {
	var b *Bucket
	for i := 0; i < 3; i++ {
		require.True(t, b.TryAcquire())
	}
}
