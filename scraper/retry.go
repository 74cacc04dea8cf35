package scraper

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/aluiziolira/go-scrape-reviews/config"
)

const maxBackoff = time.Duration(1 << 62)

// RetryPolicy classifies request failures and computes backoff delays.
type RetryPolicy struct {
	MaxAttempts         int
	Base                time.Duration
	Cap                 time.Duration
	RateLimitFloor      time.Duration
	Jitter              float64
	ForbiddenIsThrottle bool

	rand func() float64
}

// NewRetryPolicy builds a policy from the run configuration.
func NewRetryPolicy(cfg *config.Config) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:         cfg.MaxAttempts,
		Base:                cfg.BackoffBase,
		Cap:                 cfg.BackoffCap,
		RateLimitFloor:      cfg.RateLimitFloor,
		Jitter:              cfg.BackoffJitter,
		ForbiddenIsThrottle: cfg.ForbiddenIsThrottle,
		rand:                rand.Float64,
	}
}

// Classify maps err onto transient, rate-limited or permanent.
func (p *RetryPolicy) Classify(err error) ErrorKind {
	classified := classify(err)

	var timeout ErrTimeout
	var conn ErrConnection
	var server ErrServer
	var rateLimited ErrRateLimited
	var forbidden ErrForbidden
	switch {
	case classified == nil:
		return KindPermanent
	case errors.As(classified, &timeout), errors.As(classified, &conn), errors.As(classified, &server):
		return KindTransient
	case errors.As(classified, &rateLimited):
		return KindRateLimited
	case errors.As(classified, &forbidden):
		if p.ForbiddenIsThrottle {
			return KindRateLimited
		}
		return KindPermanent
	default:
		return KindPermanent
	}
}

// Retryable reports whether another attempt may follow attempt for kind.
func (p *RetryPolicy) Retryable(attempt int, kind ErrorKind) bool {
	if kind == KindPermanent {
		return false
	}
	return attempt < p.MaxAttempts
}

// NextBackoff returns the wait before the attempt following attempt:
// min(base*2^(attempt-1), cap) plus jitter, raised to the rate-limit floor
// for throttled responses.
func (p *RetryPolicy) NextBackoff(attempt int, kind ErrorKind) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if (p.Cap > 0 && delay >= p.Cap) || delay > maxBackoff/2 {
			break
		}
		delay *= 2
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}

	if p.Jitter > 0 && p.rand != nil {
		delay += time.Duration(p.rand() * p.Jitter * float64(delay))
	}

	if kind == KindRateLimited && delay < p.RateLimitFloor {
		delay = p.RateLimitFloor
	}
	return delay
}
