package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeward/gateguard/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is probing whether the dependency
	// has recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when the circuit is open and no fallback is
// configured.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// ErrOperationTimeout is returned when the wrapped operation exceeds the
// configured timeout.
var ErrOperationTimeout = errors.New("operation timed out")

// Operation is a downstream call guarded by a circuit breaker. The context is
// cancelled when the breaker's timeout fires, so operations should honor it.
type Operation func(ctx context.Context) (any, error)

// Observer receives breaker notifications. Delivery is synchronous and
// in-order relative to the triggering transition; observers must not call
// back into the breaker.
type Observer interface {
	// OnStateChange is invoked for every state transition, including
	// administrative overrides.
	OnStateChange(name string, from, to State)

	// OnMetrics is invoked with a stats snapshot on every monitoring tick.
	OnMetrics(name string, stats Stats)
}

// ObserverFuncs adapts plain functions to the Observer interface.
type ObserverFuncs struct {
	StateChange func(name string, from, to State)
	Metrics     func(name string, stats Stats)
}

// OnStateChange implements Observer.
func (o ObserverFuncs) OnStateChange(name string, from, to State) {
	if o.StateChange != nil {
		o.StateChange(name, from, to)
	}
}

// OnMetrics implements Observer.
func (o ObserverFuncs) OnMetrics(name string, stats Stats) {
	if o.Metrics != nil {
		o.Metrics(name, stats)
	}
}

// Stats holds a snapshot of circuit breaker counters.
type Stats struct {
	State           State
	FailureCount    int
	SuccessCount    int
	NextAttemptAt   time.Time
	TotalRequests   int64
	TotalFailures   int64
	TotalSuccesses  int64
	TotalRejections int64
	LastFailure     time.Time
	LastSuccess     time.Time
	LastStateChange time.Time
}

// SuccessRate returns the fraction of counted requests that succeeded.
func (s Stats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1
	}
	return float64(s.TotalSuccesses) / float64(s.TotalRequests)
}

// CircuitBreaker guards a single named dependency.
type CircuitBreaker struct {
	name   string
	logger observability.Logger

	mu     sync.Mutex
	config *Config
	state  State

	failureCount  int
	successCount  int
	nextAttemptAt time.Time

	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64
	lastFailure     time.Time
	lastSuccess     time.Time
	lastStateChange time.Time

	observers []Observer

	stopMonitor chan struct{}
	closeOnce   sync.Once
}

// New creates a new circuit breaker for the named dependency and starts its
// monitoring loop. Call Close to release it.
func New(name string, config *Config, logger observability.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.clone()
	}
	config.Validate()

	if logger == nil {
		logger = observability.NopLogger()
	}

	b := &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
		stopMonitor:     make(chan struct{}),
	}

	recordState(name, StateClosed)

	if config.MonitoringPeriod > 0 {
		go b.monitorLoop(config.MonitoringPeriod)
	}

	return b
}

// Subscribe registers an observer for state-change and metrics notifications.
func (b *CircuitBreaker) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Execute runs the operation subject to the state machine. When the breaker
// is disabled the operation runs directly with no bookkeeping. While open,
// calls before the reset deadline return the configured fallback or
// ErrBreakerOpen without invoking the operation; the first call at or after
// the deadline transitions to half-open and becomes the probe.
func (b *CircuitBreaker) Execute(ctx context.Context, op Operation) (any, error) {
	b.mu.Lock()

	if !b.config.Enabled {
		b.mu.Unlock()
		return op(ctx)
	}

	now := time.Now()
	if b.state == StateOpen {
		if now.Before(b.nextAttemptAt) {
			b.totalRequests++
			b.totalRejections++
			fallback := b.config.Fallback
			b.mu.Unlock()

			recordRequest(b.name, false)
			if fallback != nil {
				return fallback, nil
			}
			return nil, ErrBreakerOpen
		}

		// Cooldown elapsed; this call is the half-open probe.
		b.transitionLocked(StateHalfOpen)
		b.successCount = 0
	}

	timeout := b.config.Timeout
	fallback := b.config.Fallback
	b.mu.Unlock()

	recordRequest(b.name, true)
	result, err := runWithTimeout(ctx, op, timeout)
	if err != nil {
		b.recordFailure()
		if errors.Is(err, ErrOperationTimeout) && fallback != nil {
			return fallback, nil
		}
		return nil, err
	}

	b.recordSuccess()
	return result, nil
}

// runWithTimeout races the operation against the timeout. The operation's
// context is cancelled on expiry so it can abort instead of leaking work; a
// settlement that arrives after the deadline is dropped.
func runWithTimeout(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		value, err := op(opCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-opCtx.Done():
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrOperationTimeout, timeout)
		}
		return nil, opCtx.Err()
	}
}

// recordFailure applies failure bookkeeping for the current state.
func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalRequests++
	b.totalFailures++
	b.lastFailure = now
	recordFailure(b.name)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.openLocked(now)
		}
	case StateHalfOpen:
		// Any failure during probing reopens the circuit.
		b.openLocked(now)
	case StateOpen:
		// Late settlement from before the circuit opened; the reset
		// deadline is not extended.
	}
}

// recordSuccess applies success bookkeeping for the current state.
func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalSuccesses++
	b.lastSuccess = time.Now()
	recordSuccess(b.name)

	switch b.state {
	case StateClosed:
		// Bounded decay: sporadic failures heal without a full reset.
		if b.failureCount > 0 {
			b.failureCount--
		}
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.closeLocked()
		}
	}
}

// openLocked transitions to open and arms the reset deadline.
// Must be called with the lock held.
func (b *CircuitBreaker) openLocked(now time.Time) {
	b.nextAttemptAt = now.Add(b.config.ResetTimeout)
	b.transitionLocked(StateOpen)
}

// closeLocked transitions to closed and zeroes both counters.
// Must be called with the lock held.
func (b *CircuitBreaker) closeLocked() {
	b.failureCount = 0
	b.successCount = 0
	b.transitionLocked(StateClosed)
}

// transitionLocked moves to a new state and notifies observers synchronously.
// Must be called with the lock held.
func (b *CircuitBreaker) transitionLocked(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState
	b.lastStateChange = time.Now()

	recordStateChange(b.name, oldState, newState)

	b.logger.Info("circuit breaker state changed",
		observability.String("name", b.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)

	for _, o := range b.observers {
		o.OnStateChange(b.name, oldState, newState)
	}
}

// Allow reports whether a request would be admitted right now. It never
// transitions state: closed and half-open always admit; open admits only once
// the reset deadline has passed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		return !time.Now().Before(b.nextAttemptAt)
	default:
		return false
	}
}

// ForceOpen administratively opens the circuit, bypassing transition rules.
func (b *CircuitBreaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextAttemptAt = time.Now().Add(b.config.ResetTimeout)
	b.transitionLocked(StateOpen)
}

// ForceClose administratively closes the circuit and resets its counters.
func (b *CircuitBreaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closeLocked()
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the dependency name this breaker guards.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Stats returns a snapshot of the breaker's counters.
func (b *CircuitBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

// statsLocked builds a snapshot. Must be called with the lock held.
func (b *CircuitBreaker) statsLocked() Stats {
	return Stats{
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		NextAttemptAt:   b.nextAttemptAt,
		TotalRequests:   b.totalRequests,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejections: b.totalRejections,
		LastFailure:     b.lastFailure,
		LastSuccess:     b.lastSuccess,
		LastStateChange: b.lastStateChange,
	}
}

// Config returns a copy of the current configuration.
func (b *CircuitBreaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.config
}

// UpdateConfig applies a partial configuration update. The running monitor
// keeps its original period.
func (b *CircuitBreaker) UpdateConfig(patch Patch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.config = patch.apply(b.config)

	b.logger.Debug("circuit breaker config updated",
		observability.String("name", b.name),
	)
}

// Close stops the monitoring loop. The breaker remains usable afterwards but
// emits no further periodic snapshots.
func (b *CircuitBreaker) Close() {
	b.closeOnce.Do(func() {
		close(b.stopMonitor)
	})
}

// monitorLoop emits stats snapshots on a fixed interval, independent of call
// volume.
func (b *CircuitBreaker) monitorLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.emitMetrics()
		case <-b.stopMonitor:
			return
		}
	}
}

// emitMetrics delivers a stats snapshot to all observers.
func (b *CircuitBreaker) emitMetrics() {
	b.mu.Lock()
	stats := b.statsLocked()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()

	recordState(b.name, stats.State)

	for _, o := range observers {
		o.OnMetrics(b.name, stats)
	}
}
