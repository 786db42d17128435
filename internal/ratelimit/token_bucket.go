package ratelimit

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgeward/gateguard/internal/observability"
)

// Ensure TokenBucketLimiter implements io.Closer for proper resource cleanup.
var _ io.Closer = (*TokenBucketLimiter)(nil)

// TokenBucketLimiter implements token bucket rate limiting on top of
// golang.org/x/time/rate. Tokens refill at a fixed rate and each request
// consumes one; bursts up to the bucket size are admitted immediately.
// Implements io.Closer - call Close() to stop the background cleanup.
type TokenBucketLimiter struct {
	limit  rate.Limit
	burst  int
	logger observability.Logger

	buckets sync.Map

	cleanupInterval time.Duration
	bucketTTL       time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// bucket pairs a per-key limiter with its last access time so stale entries
// can be reclaimed.
type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

// NewTokenBucketLimiter creates a new token bucket rate limiter. Rate is in
// tokens per second, burst is the bucket size.
func NewTokenBucketLimiter(tokensPerSecond float64, burst int, logger observability.Logger) *TokenBucketLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}

	l := &TokenBucketLimiter{
		limit:           rate.Limit(tokensPerSecond),
		burst:           burst,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		bucketTTL:       10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow implements Limiter.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *TokenBucketLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	value, _ := l.buckets.LoadOrStore(key, &bucket{
		limiter: rate.NewLimiter(l.limit, l.burst),
	})
	b := value.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAccess = time.Now()
	allowed := b.limiter.AllowN(time.Now(), n)
	tokens := b.limiter.Tokens()
	if tokens < 0 {
		tokens = 0
	}

	remaining := int(math.Floor(tokens))

	// Time until the bucket refills completely.
	resetAfter := time.Duration(float64(l.burst-remaining) / float64(l.limit) * float64(time.Second))
	if resetAfter < 0 {
		resetAfter = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = time.Duration((float64(n) - tokens) / float64(l.limit) * float64(time.Second))
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.burst,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// GetLimit implements Limiter.
func (l *TokenBucketLimiter) GetLimit(key string) *Limit {
	window := time.Second
	if l.limit > 0 {
		window = time.Duration(float64(l.burst) / float64(l.limit) * float64(time.Second))
	}
	return &Limit{
		Requests: l.burst,
		Window:   window,
		Burst:    l.burst,
	}
}

// Reset implements Limiter.
func (l *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	l.buckets.Delete(key)
	return nil
}

// Close stops the background cleanup goroutine. Idempotent.
func (l *TokenBucketLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}

// cleanupLoop periodically reclaims buckets that have not been touched
// within the TTL.
func (l *TokenBucketLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup removes stale buckets.
func (l *TokenBucketLimiter) cleanup() {
	cutoff := time.Now().Add(-l.bucketTTL)
	removed := 0

	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if b.lastAccess.Before(cutoff) {
			l.buckets.Delete(key)
			removed++
		}
		b.mu.Unlock()
		return true
	})

	if removed > 0 {
		l.logger.Debug("token bucket cleanup completed",
			observability.Int("removed", removed))
	}
}
