package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/edgeward/gateguard/internal/observability"
	"github.com/edgeward/gateguard/internal/ratelimit/store"
)

// Manager owns one rate limiter per API key id, each parameterized by the
// key's own limit. Limiters are built lazily on first consumption and
// rebuilt when the key's limit changes.
type Manager struct {
	store  store.Store
	logger observability.Logger

	mu       sync.Mutex
	limiters map[string]*managedLimiter
}

// managedLimiter pairs a limiter with the limit it was built from.
type managedLimiter struct {
	limiter Limiter
	limit   Limit
}

// NewManager creates a per-key limiter manager. Store may be nil for
// process-local limiting.
func NewManager(s store.Store, logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Manager{
		store:    s,
		logger:   logger,
		limiters: make(map[string]*managedLimiter),
	}
}

// Consume spends one point of the key's budget. A Result with Allowed=false
// means the budget is exhausted; a non-nil error means the limiter itself
// failed.
func (m *Manager) Consume(ctx context.Context, id string, limit Limit) (*Result, error) {
	return m.limiterFor(id, limit).Allow(ctx, id)
}

// Install eagerly builds the limiter for a key id, replacing any limiter
// built from a different limit.
func (m *Manager) Install(id string, limit Limit) {
	m.limiterFor(id, limit)
}

// Peek reports the current budget without consuming any of it.
func (m *Manager) Peek(ctx context.Context, id string, limit Limit) (*Result, error) {
	return m.limiterFor(id, limit).AllowN(ctx, id, 0)
}

// Remove drops the limiter for the key id and resets its stored state.
func (m *Manager) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	ml, ok := m.limiters[id]
	delete(m.limiters, id)
	m.mu.Unlock()

	if !ok {
		return
	}

	if err := ml.limiter.Reset(ctx, id); err != nil {
		m.logger.Warn("failed to reset rate limiter state",
			observability.String("key_id", id),
			observability.Error(err))
	}
	closeLimiter(ml.limiter)
}

// Count returns the number of installed limiters.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

// Close releases all limiters.
func (m *Manager) Close() {
	m.mu.Lock()
	limiters := m.limiters
	m.limiters = make(map[string]*managedLimiter)
	m.mu.Unlock()

	for _, ml := range limiters {
		closeLimiter(ml.limiter)
	}
}

// limiterFor returns the limiter for the key id, building or rebuilding it
// as needed.
func (m *Manager) limiterFor(id string, limit Limit) Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ml, ok := m.limiters[id]; ok && ml.limit == limit {
		return ml.limiter
	}

	limiter := m.build(limit)
	m.limiters[id] = &managedLimiter{limiter: limiter, limit: limit}

	m.logger.Debug("installed rate limiter",
		observability.String("key_id", id),
		observability.Int("requests", limit.Requests),
		observability.Duration("window", limit.Window),
	)

	return limiter
}

// build constructs a limiter for the limit. Keys with a burst use a token
// bucket; everything else gets a fixed window.
func (m *Manager) build(limit Limit) Limiter {
	if limit.Requests <= 0 {
		return NewNoopLimiter()
	}

	if limit.Burst > 0 {
		window := limit.Window
		if window <= 0 {
			window = time.Second
		}
		perSecond := float64(limit.Requests) / window.Seconds()
		return NewTokenBucketLimiter(perSecond, limit.Burst, m.logger)
	}

	return NewFixedWindowLimiter(m.store, limit.Requests, limit.Window, m.logger)
}

// closeLimiter closes limiters that hold background resources.
func closeLimiter(l Limiter) {
	if c, ok := l.(io.Closer); ok {
		_ = c.Close()
	}
}
