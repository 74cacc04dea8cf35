package scraper

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterSpacesRequestStarts(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(LimiterOptions{MaxConcurrent: 1, BaseSpacing: 2 * time.Second, MaxSpacing: 2 * time.Second}, clock)

	var starts []time.Time
	for i := 0; i < 6; i++ {
		permit, err := l.Acquire(context.Background())
		require.NoError(t, err)
		starts = append(starts, clock.Now())
		permit.Release()
	}

	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 2*time.Second, "start %d", i)
	}
}

func TestRateLimiterBoundsConcurrency(t *testing.T) {
	l := NewRateLimiter(LimiterOptions{MaxConcurrent: 3}, nil)

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := l.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			defer permit.Release()
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRateLimiterAcquireHonorsContext(t *testing.T) {
	l := NewRateLimiter(LimiterOptions{MaxConcurrent: 1}, nil)
	held, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	held.Release()
	held.Release()
	permit, err := l.Acquire(context.Background())
	require.NoError(t, err)
	permit.Release()
}

func TestRateLimiterAdaptiveSpacing(t *testing.T) {
	var changes []time.Duration
	l := NewRateLimiter(LimiterOptions{
		MaxConcurrent: 1,
		BaseSpacing:   time.Second,
		MaxSpacing:    6 * time.Second,
		Adaptive:      true,
		RecoverAfter:  2,
		OnChange:      func(d time.Duration) { changes = append(changes, d) },
	}, newFakeClock())

	l.Throttled()
	assert.Equal(t, 2*time.Second, l.Spacing())
	l.Throttled()
	l.Throttled()
	assert.Equal(t, 6*time.Second, l.Spacing())

	l.Succeeded()
	assert.Equal(t, 6*time.Second, l.Spacing())
	l.Succeeded()
	assert.Equal(t, 3500*time.Millisecond, l.Spacing())

	for i := 0; i < 40; i++ {
		l.Succeeded()
	}
	assert.Equal(t, time.Second, l.Spacing())
	assert.Equal(t, 2*time.Second, changes[0])
	assert.Equal(t, time.Second, changes[len(changes)-1])
}

func TestRateLimiterAdaptiveFromZeroBase(t *testing.T) {
	l := NewRateLimiter(LimiterOptions{MaxSpacing: 8 * time.Second, Adaptive: true}, newFakeClock())

	l.Throttled()

	assert.Equal(t, time.Second, l.Spacing())
}

func TestRateLimiterStaticIgnoresFeedback(t *testing.T) {
	l := NewRateLimiter(LimiterOptions{BaseSpacing: time.Second, MaxSpacing: 10 * time.Second}, newFakeClock())

	l.Throttled()
	l.Succeeded()

	assert.Equal(t, time.Second, l.Spacing())
}
