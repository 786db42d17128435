package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// breakerState shows the current state of circuit breakers.
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateguard_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// breakerRequestsTotal counts requests through circuit breakers.
	breakerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateguard_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breakers",
		},
		[]string{"name", "result"},
	)

	// breakerFailuresTotal counts failures recorded by circuit breakers.
	breakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateguard_circuit_breaker_failures_total",
			Help: "Total number of failures recorded by circuit breakers",
		},
		[]string{"name"},
	)

	// breakerSuccessesTotal counts successes recorded by circuit breakers.
	breakerSuccessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateguard_circuit_breaker_successes_total",
			Help: "Total number of successes recorded by circuit breakers",
		},
		[]string{"name"},
	)

	// breakerStateChangesTotal counts state changes.
	breakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateguard_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state changes",
		},
		[]string{"name", "from", "to"},
	)

	// breakerRejectedTotal counts requests rejected while open.
	breakerRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateguard_circuit_breaker_rejected_total",
			Help: "Total number of requests rejected due to open circuit",
		},
		[]string{"name"},
	)
)

// recordState records the current state of a circuit breaker.
func recordState(name string, state State) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// recordRequest records a request through a circuit breaker.
func recordRequest(name string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
		breakerRejectedTotal.WithLabelValues(name).Inc()
	}
	breakerRequestsTotal.WithLabelValues(name, result).Inc()
}

// recordFailure records a failure.
func recordFailure(name string) {
	breakerFailuresTotal.WithLabelValues(name).Inc()
}

// recordSuccess records a success.
func recordSuccess(name string) {
	breakerSuccessesTotal.WithLabelValues(name).Inc()
}

// recordStateChange records a state change.
func recordStateChange(name string, from, to State) {
	breakerStateChangesTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	recordState(name, to)
}
