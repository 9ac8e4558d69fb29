package resilience

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter paces calls to one provider. It halves its rate on a 429
// and recovers by 20% per success, never exceeding the configured rate and
// never dropping below a quarter of it.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	name        string
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates a limiter allowing perMinute calls per minute.
// A non-positive perMinute disables pacing.
func NewAdaptiveLimiter(name string, perMinute float64, burst int) *AdaptiveLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(limit, burst),
		name:        name,
		maxRate:     limit,
		minRate:     limit / 4,
		currentRate: limit,
	}
}

// Wait blocks until the next call is allowed.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to the configured rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.maxRate {
		return
	}
	next := a.currentRate * 1.2
	if next > a.maxRate {
		next = a.maxRate
	}
	a.currentRate = next
	a.limiter.SetLimit(next)
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.maxRate == rate.Inf {
		return
	}
	next := a.currentRate * 0.5
	if next < a.minRate {
		next = a.minRate
	}
	a.currentRate = next
	a.limiter.SetLimit(next)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.String("provider", a.name),
		zap.Float64("per_minute", float64(next)*60),
	)
}

// Limit returns the current rate in calls per second.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// Limiters holds one adaptive limiter per provider.
type Limiters struct {
	mu        sync.Mutex
	limiters  map[string]*AdaptiveLimiter
	perMinute float64
	burst     int
}

// NewLimiters creates a per-provider registry with a shared default rate.
func NewLimiters(perMinute float64, burst int) *Limiters {
	return &Limiters{limiters: make(map[string]*AdaptiveLimiter), perMinute: perMinute, burst: burst}
}

// Get returns the limiter for provider, creating it on first use.
func (l *Limiters) Get(provider string) *AdaptiveLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.limiters[provider]; ok {
		return a
	}
	a := NewAdaptiveLimiter(provider, l.perMinute, l.burst)
	l.limiters[provider] = a
	return a
}
