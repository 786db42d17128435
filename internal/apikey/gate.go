package apikey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeward/gateguard/internal/observability"
	"github.com/edgeward/gateguard/internal/ratelimit"
	"github.com/edgeward/gateguard/internal/ratelimit/store"
)

// ValidationResult is the outcome of validating a plaintext key. Callers
// branch on Allowed and Denial rather than on error values; Validate only
// returns an error for unexpected backing-store failures.
type ValidationResult struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Key is the validated record, present whenever the key resolved.
	Key *Key

	// RateLimit carries the remaining budget and reset time when rate
	// limiting was evaluated.
	RateLimit *ratelimit.Result

	// Denial classifies a rejection.
	Denial Denial
}

// KeyMetrics reports usage and budget for a single key.
type KeyMetrics struct {
	UsageCount int64             `json:"usageCount"`
	LastUsedAt *time.Time        `json:"lastUsedAt,omitempty"`
	RateLimit  *ratelimit.Result `json:"rateLimit,omitempty"`
}

// Gate owns API key lifecycle and orchestrates the validation cache, rate
// limiter and permission evaluator per validated request.
type Gate struct {
	store   Store
	cache   *Cache
	limits  *ratelimit.Manager
	logger  observability.Logger
	metrics *Metrics

	cacheTTL      time.Duration
	sweepInterval time.Duration
	rlStore       store.Store

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Option is a functional option for the gate.
type Option func(*Gate)

// WithStore sets the backing store for key records.
func WithStore(s Store) Option {
	return func(g *Gate) {
		g.store = s
	}
}

// WithLogger sets the logger for the gate.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics for the gate.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithCacheTTL sets the validation cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		g.cacheTTL = ttl
	}
}

// WithSweepInterval sets how often expired records are deactivated.
func WithSweepInterval(interval time.Duration) Option {
	return func(g *Gate) {
		g.sweepInterval = interval
	}
}

// WithRateLimitStore sets a shared store for rate limit counters, for
// deployments with more than one gateway instance.
func WithRateLimitStore(s store.Store) Option {
	return func(g *Gate) {
		g.rlStore = s
	}
}

// NewGate creates an admission gate and starts its expiry sweeper. Call
// Close on shutdown.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		cacheTTL:      DefaultCacheTTL,
		sweepInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.logger == nil {
		g.logger = observability.NopLogger()
	}
	if g.store == nil {
		g.store = NewMemoryStore()
	}
	if g.metrics == nil {
		g.metrics = NewMetrics("gateguard")
	}

	g.cache = NewCache(g.cacheTTL, g.logger)
	g.limits = ratelimit.NewManager(g.rlStore, g.logger)

	if g.sweepInterval > 0 {
		go g.sweepLoop()
	}

	return g
}

// Generate creates a new API key. The returned plaintext is the only time
// the secret is ever available; the record stores just its hash. A dedicated
// rate limiter is installed for the new key.
func (g *Gate) Generate(
	ctx context.Context,
	name, ownerID string,
	perms []Permission,
	limit *RateLimit,
	expiresAt *time.Time,
) (*Key, string, error) {
	plaintext, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}

	rl := DefaultRateLimit()
	if limit != nil {
		rl = *limit
	}

	now := time.Now()
	key := &Key{
		ID:          uuid.NewString(),
		Name:        name,
		KeyHash:     HashKey(plaintext),
		OwnerID:     ownerID,
		Permissions: perms,
		RateLimit:   rl,
		Enabled:     true,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := g.store.Create(ctx, key); err != nil {
		return nil, "", fmt.Errorf("failed to persist API key: %w", err)
	}

	g.limits.Install(key.ID, rl.toLimit())

	g.logger.Info("API key generated",
		observability.String("key_id", key.ID),
		observability.String("owner_id", ownerID),
		observability.String("name", name),
	)

	return key.Sanitized(), plaintext, nil
}

// Validate authenticates a plaintext key and applies rate limiting.
// Malformed keys are rejected before any store or cache access. On a cache
// miss the backing store is queried and the cache populated; usage recording
// is fire-and-forget and never fails an otherwise valid admission.
func (g *Gate) Validate(ctx context.Context, plaintext string) (*ValidationResult, error) {
	start := time.Now()

	if !IsWellFormed(plaintext) {
		g.metrics.RecordValidation("denied", "invalid_format", time.Since(start))
		return &ValidationResult{Denial: DenialInvalidFormat}, nil
	}

	keyHash := HashKey(plaintext)

	key, hit := g.cache.Get(keyHash)
	if hit {
		g.metrics.RecordCacheHit()
	} else {
		g.metrics.RecordCacheMiss()

		var err error
		key, err = g.store.GetByHash(ctx, keyHash)
		if errors.Is(err, ErrKeyNotFound) {
			g.metrics.RecordValidation("denied", "not_found", time.Since(start))
			return &ValidationResult{Denial: DenialNotFound}, nil
		}
		if err != nil {
			g.metrics.RecordValidation("error", "store_error", time.Since(start))
			return nil, fmt.Errorf("failed to look up API key: %w", err)
		}

		g.cache.Put(keyHash, key)
	}

	// A cached snapshot can outlive the record's own expiry.
	if !key.IsValid(time.Now()) {
		g.cache.Invalidate(keyHash)
		g.metrics.RecordValidation("denied", "not_found", time.Since(start))
		return &ValidationResult{Denial: DenialNotFound}, nil
	}

	go g.recordUsage(key.ID)

	result, err := g.limits.Consume(ctx, key.ID, key.RateLimit.toLimit())
	if err != nil {
		g.logger.Error("rate limiter failure",
			observability.String("key_id", key.ID),
			observability.Error(err),
		)
		g.metrics.RecordValidation("denied", "limiter_error", time.Since(start))
		return &ValidationResult{Key: key, Denial: DenialLimiterError}, nil
	}

	if !result.Allowed {
		g.metrics.RecordValidation("denied", "rate_limited", time.Since(start))
		return &ValidationResult{Key: key, RateLimit: result, Denial: DenialRateLimited}, nil
	}

	g.metrics.RecordValidation("success", "valid", time.Since(start))
	g.logger.Debug("API key validated",
		observability.String("key_id", key.ID),
		observability.Int("remaining", result.Remaining),
	)

	return &ValidationResult{Allowed: true, Key: key, RateLimit: result}, nil
}

// CheckPermission decides whether the key's grants allow the action on the
// resource under the request context. Pure; a deny is a boolean outcome, not
// an error.
func (g *Gate) CheckPermission(key *Key, resource, action string, reqCtx map[string]any) bool {
	if key == nil {
		return false
	}
	return EvaluatePermissions(key.Permissions, resource, action, reqCtx)
}

// Rotate replaces the key's secret in place. The caller must own the key and
// it must be active. Permissions, rate limit and usage counters are
// untouched; the old hash is evicted from the cache so the old plaintext
// stops validating immediately.
func (g *Gate) Rotate(ctx context.Context, keyID, ownerID string) (*Key, string, error) {
	key, err := g.store.GetByIDForOwner(ctx, keyID, ownerID)
	if err != nil {
		return nil, "", err
	}
	if !key.Enabled {
		return nil, "", ErrKeyRevoked
	}

	plaintext, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}

	oldHash := key.KeyHash
	key.KeyHash = HashKey(plaintext)
	key.UpdatedAt = time.Now()

	if err := g.store.Update(ctx, key); err != nil {
		return nil, "", fmt.Errorf("failed to rotate API key: %w", err)
	}

	g.cache.Invalidate(oldHash)

	g.logger.Info("API key rotated",
		observability.String("key_id", keyID),
		observability.String("owner_id", ownerID),
	)

	return key.Sanitized(), plaintext, nil
}

// Revoke deactivates the key. Revoking an already-revoked key is a no-op
// success; a key that never matched the owner reports ErrKeyNotOwned.
func (g *Gate) Revoke(ctx context.Context, keyID, ownerID string) error {
	key, err := g.store.GetByIDForOwner(ctx, keyID, ownerID)
	if err != nil {
		return err
	}
	if !key.Enabled {
		return nil
	}

	key.Enabled = false
	key.UpdatedAt = time.Now()

	if err := g.store.Update(ctx, key); err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}

	g.cache.Invalidate(key.KeyHash)
	g.limits.Remove(ctx, key.ID)

	g.logger.Info("API key revoked",
		observability.String("key_id", keyID),
		observability.String("owner_id", ownerID),
	)

	return nil
}

// ListForOwner returns the owner's key records with secrets stripped.
func (g *Gate) ListForOwner(ctx context.Context, ownerID string) ([]*Key, error) {
	keys, err := g.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}

	sanitized := make([]*Key, len(keys))
	for i, key := range keys {
		sanitized[i] = key.Sanitized()
	}
	return sanitized, nil
}

// MetricsFor reports usage and the current budget for a key.
func (g *Gate) MetricsFor(ctx context.Context, keyID string) (*KeyMetrics, error) {
	key, err := g.store.GetByID(ctx, keyID)
	if err != nil {
		return nil, err
	}

	snapshot, err := g.limits.Peek(ctx, key.ID, key.RateLimit.toLimit())
	if err != nil {
		g.logger.Warn("failed to read rate limit snapshot",
			observability.String("key_id", keyID),
			observability.Error(err),
		)
		snapshot = nil
	}

	return &KeyMetrics{
		UsageCount: key.UsageCount,
		LastUsedAt: key.LastUsedAt,
		RateLimit:  snapshot,
	}, nil
}

// SweepExpired deactivates records whose expiry has passed and evicts them
// from the cache. Returns the number of records deactivated.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	deactivated, err := g.store.DeactivateExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired API keys: %w", err)
	}

	for _, key := range deactivated {
		g.cache.Invalidate(key.KeyHash)
		g.limits.Remove(ctx, key.ID)
	}

	if len(deactivated) > 0 {
		g.logger.Info("deactivated expired API keys",
			observability.Int("count", len(deactivated)))
	}

	return len(deactivated), nil
}

// CacheStats returns validation cache statistics.
func (g *Gate) CacheStats() CacheStats {
	return g.cache.Stats()
}

// Metrics returns the gate's Prometheus metrics.
func (g *Gate) Metrics() *Metrics {
	return g.metrics
}

// Close stops the sweeper, the cache sweep loop and all per-key limiters.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		close(g.stopCh)
		g.cache.Close()
		g.limits.Close()
	})
}

// recordUsage persists a usage increment. Best-effort: failures are logged
// and suppressed, never failing the admission that triggered them.
func (g *Gate) recordUsage(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.store.RecordUsage(ctx, keyID, time.Now()); err != nil {
		g.logger.Warn("failed to record API key usage",
			observability.String("key_id", keyID),
			observability.Error(err),
		)
	}
}

// sweepLoop runs the expiry sweeper on a fixed interval, independent of
// request traffic.
func (g *Gate) sweepLoop() {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := g.SweepExpired(ctx); err != nil {
				g.logger.Error("expiry sweep failed", observability.Error(err))
			}
			cancel()
		case <-g.stopCh:
			return
		}
	}
}
