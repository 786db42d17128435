package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgeward/gateguard/internal/observability"
	"github.com/edgeward/gateguard/internal/ratelimit/store"
)

// FixedWindowLimiter implements the fixed window rate limiting algorithm.
// It divides time into fixed windows and counts requests within each window.
// Without a store it keeps counters in process memory; with a store the
// counters are shared across instances.
type FixedWindowLimiter struct {
	store  store.Store
	limit  int
	window time.Duration
	logger observability.Logger

	counters sync.Map
}

// windowCounter tracks requests within a single fixed window.
type windowCounter struct {
	count       int
	windowStart time.Time
	mu          sync.Mutex
}

// NewFixedWindowLimiter creates a new fixed window rate limiter. Store may be
// nil for process-local limiting.
func NewFixedWindowLimiter(s store.Store, limit int, window time.Duration, logger observability.Logger) *FixedWindowLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &FixedWindowLimiter{
		store:  s,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow implements Limiter.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *FixedWindowLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if l.store == nil {
		return l.allowLocal(key, n)
	}
	return l.allowDistributed(ctx, key, n)
}

// getWindowStart returns the start time of the current window.
func (l *FixedWindowLimiter) getWindowStart(t time.Time) time.Time {
	windowNanos := l.window.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/windowNanos)*windowNanos)
}

// allowLocal performs rate limiting using in-memory counters.
func (l *FixedWindowLimiter) allowLocal(key string, n int) (*Result, error) {
	now := time.Now()
	windowStart := l.getWindowStart(now)

	value, _ := l.counters.LoadOrStore(key, &windowCounter{
		windowStart: windowStart,
	})
	wc := value.(*windowCounter)

	wc.mu.Lock()
	defer wc.mu.Unlock()

	if !wc.windowStart.Equal(windowStart) {
		wc.count = 0
		wc.windowStart = windowStart
	}

	allowed := wc.count+n <= l.limit
	if allowed {
		wc.count += n
	}

	remaining := l.limit - wc.count
	if remaining < 0 {
		remaining = 0
	}

	resetAfter := windowStart.Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = resetAfter
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// allowDistributed performs rate limiting using the shared store.
func (l *FixedWindowLimiter) allowDistributed(ctx context.Context, key string, n int) (*Result, error) {
	now := time.Now()
	windowStart := l.getWindowStart(now)

	windowKey := fmt.Sprintf("%s:fw:%d", key, windowStart.UnixNano())

	currentCount, err := l.store.Get(ctx, windowKey)
	if err != nil && !store.IsKeyNotFound(err) {
		return nil, fmt.Errorf("rate limit store get: %w", err)
	}

	allowed := int(currentCount)+n <= l.limit
	if allowed {
		// Buffer the expiry for clock skew between instances.
		expiration := l.window + time.Second
		newCount, err := l.store.IncrementWithExpiry(ctx, windowKey, int64(n), expiration)
		if err != nil {
			return nil, fmt.Errorf("rate limit store increment: %w", err)
		}
		currentCount = newCount
	}

	remaining := l.limit - int(currentCount)
	if remaining < 0 {
		remaining = 0
	}

	resetAfter := windowStart.Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = resetAfter
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// GetLimit implements Limiter.
func (l *FixedWindowLimiter) GetLimit(key string) *Limit {
	return &Limit{
		Requests: l.limit,
		Window:   l.window,
	}
}

// Reset implements Limiter.
func (l *FixedWindowLimiter) Reset(ctx context.Context, key string) error {
	l.counters.Delete(key)

	if l.store != nil {
		now := time.Now()
		windowStart := l.getWindowStart(now)
		windowKey := fmt.Sprintf("%s:fw:%d", key, windowStart.UnixNano())
		if err := l.store.Delete(ctx, windowKey); err != nil {
			l.logger.Warn("failed to delete window counter", observability.Error(err))
		}
	}

	return nil
}

// Cleanup removes counters from past windows.
func (l *FixedWindowLimiter) Cleanup() {
	windowStart := l.getWindowStart(time.Now())

	l.counters.Range(func(key, value interface{}) bool {
		wc := value.(*windowCounter)
		wc.mu.Lock()
		if wc.windowStart.Before(windowStart) {
			l.counters.Delete(key)
		}
		wc.mu.Unlock()
		return true
	})
}
