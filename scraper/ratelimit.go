package scraper

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// LimiterOptions configures a RateLimiter.
type LimiterOptions struct {
	MaxConcurrent int
	BaseSpacing   time.Duration
	MaxSpacing    time.Duration
	Adaptive      bool
	RecoverAfter  int
	OnChange      func(spacing time.Duration)
}

// RateLimiter bounds in-flight requests with a counting semaphore and spaces
// request starts with a single-token limiter. In adaptive mode throttled
// responses widen the spacing and runs of successes narrow it again, always
// within [BaseSpacing, MaxSpacing].
type RateLimiter struct {
	opts    LimiterOptions
	clock   Clock
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.Mutex // guards spacing and streak
	spacing time.Duration
	streak  int
}

// NewRateLimiter builds a limiter. A nil clock uses wall time.
func NewRateLimiter(opts LimiterOptions, clock Clock) *RateLimiter {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxSpacing < opts.BaseSpacing {
		opts.MaxSpacing = opts.BaseSpacing
	}
	if opts.RecoverAfter <= 0 {
		opts.RecoverAfter = 1
	}
	if clock == nil {
		clock = realClock{}
	}
	return &RateLimiter{
		opts:    opts,
		clock:   clock,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		limiter: rate.NewLimiter(limitFor(opts.BaseSpacing), 1),
		spacing: opts.BaseSpacing,
	}
}

// Permit is a held request slot. Release is safe to call more than once.
type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the slot.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

// Acquire blocks until a request slot is free and the spacing since the
// previous request start has elapsed.
func (l *RateLimiter) Acquire(ctx context.Context) (*Permit, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	r := l.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		if err := l.clock.Sleep(ctx, delay); err != nil {
			r.CancelAt(l.clock.Now())
			l.sem.Release(1)
			return nil, err
		}
	}
	return &Permit{release: func() { l.sem.Release(1) }}, nil
}

// Spacing returns the current minimum gap between request starts.
func (l *RateLimiter) Spacing() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spacing
}

// Throttled widens the spacing after a rate-limited response.
func (l *RateLimiter) Throttled() {
	if !l.opts.Adaptive {
		return
	}
	l.mu.Lock()
	l.streak = 0
	next := l.spacing * 2
	if next <= 0 {
		next = l.opts.MaxSpacing / 8
	}
	l.setSpacingLocked(next)
	l.mu.Unlock()
}

// Succeeded records a clean response; every RecoverAfter in a row halve
// the spacing's excess over BaseSpacing.
func (l *RateLimiter) Succeeded() {
	if !l.opts.Adaptive {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spacing <= l.opts.BaseSpacing {
		l.streak = 0
		return
	}
	l.streak++
	if l.streak < l.opts.RecoverAfter {
		return
	}
	l.streak = 0
	next := l.opts.BaseSpacing + (l.spacing-l.opts.BaseSpacing)/2
	if next-l.opts.BaseSpacing < time.Millisecond {
		next = l.opts.BaseSpacing
	}
	l.setSpacingLocked(next)
}

func (l *RateLimiter) setSpacingLocked(next time.Duration) {
	if next < l.opts.BaseSpacing {
		next = l.opts.BaseSpacing
	}
	if next > l.opts.MaxSpacing {
		next = l.opts.MaxSpacing
	}
	if next == l.spacing {
		return
	}
	l.spacing = next
	l.limiter.SetLimitAt(l.clock.Now(), limitFor(next))
	if l.opts.OnChange != nil {
		l.opts.OnChange(next)
	}
}

func limitFor(spacing time.Duration) rate.Limit {
	if spacing <= 0 {
		return rate.Inf
	}
	return rate.Every(spacing)
}
