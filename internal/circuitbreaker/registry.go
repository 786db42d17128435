package circuitbreaker

import (
	"sync"

	"github.com/edgeward/gateguard/internal/observability"
)

// Health summarizes the health of a single circuit breaker.
type Health struct {
	State         string  `json:"state"`
	Healthy       bool    `json:"healthy"`
	SuccessRate   float64 `json:"successRate"`
	TotalRequests int64   `json:"totalRequests"`
}

// Registry owns a named collection of circuit breakers. Breakers are created
// lazily on first lookup; at most one instance exists per name for the
// registry's lifetime. The registry subscribes itself to every breaker it
// creates and keeps the latest stats snapshot per name.
type Registry struct {
	defaults *Config
	logger   observability.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	metrics  map[string]Stats
}

// NewRegistry creates a registry with the given default breaker config.
// The registry is an explicit instance owned by application startup; call
// Close on shutdown to stop all monitoring loops.
func NewRegistry(defaults *Config, logger observability.Logger) *Registry {
	if defaults == nil {
		defaults = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Registry{
		defaults: defaults,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
		metrics:  make(map[string]Stats),
	}
}

// Get returns the breaker for the name, or nil if none exists.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// GetOrCreate returns the existing breaker for the name or constructs one.
// A nil config uses the registry defaults.
func (r *Registry) GetOrCreate(name string, config *Config) *CircuitBreaker {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	if config == nil {
		config = r.defaults
	}

	b := New(name, config, r.logger)
	b.Subscribe(&registryObserver{registry: r})
	r.breakers[name] = b
	r.metrics[name] = b.Stats()

	r.logger.Debug("created circuit breaker",
		observability.String("name", name),
	)

	return b
}

// Remove drops the breaker and its cached metrics, stopping its monitor.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	delete(r.breakers, name)
	delete(r.metrics, name)
	r.mu.Unlock()

	if ok {
		b.Close()
		r.logger.Debug("removed circuit breaker",
			observability.String("name", name),
		)
	}
}

// StatsFor returns the latest stats snapshot for the named breaker.
func (r *Registry) StatsFor(name string) (Stats, bool) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()

	if !ok {
		return Stats{}, false
	}
	return b.Stats(), true
}

// AllStats returns stats snapshots for all breakers keyed by name.
// Breaker locks are taken only after the registry lock is released to keep
// lock ordering compatible with observer callbacks.
func (r *Registry) AllStats() map[string]Stats {
	breakers := r.list()

	stats := make(map[string]Stats, len(breakers))
	for _, b := range breakers {
		stats[b.Name()] = b.Stats()
	}
	return stats
}

// Health returns a health summary per breaker. A breaker is healthy iff its
// circuit is closed.
func (r *Registry) Health() map[string]Health {
	breakers := r.list()

	health := make(map[string]Health, len(breakers))
	for _, b := range breakers {
		stats := b.Stats()
		health[b.Name()] = Health{
			State:         stats.State.String(),
			Healthy:       stats.State == StateClosed,
			SuccessRate:   stats.SuccessRate(),
			TotalRequests: stats.TotalRequests,
		}
	}
	return health
}

// ForceOpenAll administratively opens every breaker.
func (r *Registry) ForceOpenAll() {
	for _, b := range r.list() {
		b.ForceOpen()
	}
	r.logger.Info("forced all circuit breakers open")
}

// ForceCloseAll administratively closes every breaker.
func (r *Registry) ForceCloseAll() {
	for _, b := range r.list() {
		b.ForceClose()
	}
	r.logger.Info("forced all circuit breakers closed")
}

// Names returns the names of all registered breakers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered breakers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

// Close stops every breaker's monitoring loop.
func (r *Registry) Close() {
	for _, b := range r.list() {
		b.Close()
	}
	r.logger.Info("circuit breaker registry closed")
}

// list returns a snapshot of all breakers.
func (r *Registry) list() []*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	return breakers
}

// registryObserver feeds breaker notifications into the registry's metrics
// map. It only touches registry state, never the breaker, so it is safe to
// invoke from inside a transition.
type registryObserver struct {
	registry *Registry
}

// OnStateChange updates the cached state for the breaker.
func (o *registryObserver) OnStateChange(name string, _, to State) {
	o.registry.mu.Lock()
	defer o.registry.mu.Unlock()

	stats := o.registry.metrics[name]
	stats.State = to
	o.registry.metrics[name] = stats
}

// OnMetrics stores the latest snapshot for the breaker.
func (o *registryObserver) OnMetrics(name string, stats Stats) {
	o.registry.mu.Lock()
	defer o.registry.mu.Unlock()

	o.registry.metrics[name] = stats
}
