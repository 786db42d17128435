package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// testConfig returns a fast config suitable for unit tests. The monitor is
// disabled so tests control every observer notification.
func testConfig() *Config {
	return &Config{
		Enabled:          true,
		Timeout:          time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		MonitoringPeriod: 0,
	}
}

func succeed(ctx context.Context) (any, error) {
	return "ok", nil
}

func fail(ctx context.Context) (any, error) {
	return nil, errBoom
}

func TestExecuteSuccess(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	result, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, b.State())

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalSuccesses)
}

func TestExecutePropagatesOperationError(t *testing.T) {
	cfg := testConfig()
	cfg.Fallback = "cached"
	b := New("test", cfg, nil)
	defer b.Close()

	// The operation's own error is never absorbed by the fallback.
	_, err := b.Execute(context.Background(), fail)
	require.ErrorIs(t, err, errBoom)
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	for i := 0; i < 2; i++ {
		_, err := b.Execute(context.Background(), fail)
		require.Error(t, err)
		assert.Equal(t, StateClosed, b.State())
	}

	_, err := b.Execute(context.Background(), fail)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestOpenRejectsWithoutInvokingOperation(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())

	invoked := false
	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, invoked)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.TotalRejections)
}

func TestOpenReturnsFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Fallback = "cached"
	b := New("test", cfg, nil)
	defer b.Close()

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())

	result, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "cached", result)
}

func TestHalfOpenProbeThenClose(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	// First call after the cooldown is the probe.
	_, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	// Second consecutive success closes the circuit.
	_, err = b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())

	stats := b.Stats()
	assert.Equal(t, 0, stats.FailureCount)
	assert.Equal(t, 0, stats.SuccessCount)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	_, err := b.Execute(context.Background(), fail)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())

	// The reset deadline is re-armed; calls before it are rejected again.
	_, err = b.Execute(context.Background(), succeed)
	require.ErrorIs(t, err, ErrBreakerOpen)
}

func TestFailureCountDecaysOnSuccess(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	_, _ = b.Execute(context.Background(), fail)
	_, _ = b.Execute(context.Background(), fail)
	assert.Equal(t, 2, b.Stats().FailureCount)

	_, _ = b.Execute(context.Background(), succeed)
	assert.Equal(t, 1, b.Stats().FailureCount)

	// Still two failures away from the threshold.
	_, _ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State())
	_, _ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestFailureCountFloorsAtZero(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	for i := 0; i < 5; i++ {
		_, _ = b.Execute(context.Background(), succeed)
	}
	assert.Equal(t, 0, b.Stats().FailureCount)

	// A full threshold of failures is still required to open.
	_, _ = b.Execute(context.Background(), fail)
	_, _ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State())
	_, _ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.FailureThreshold = 1
	b := New("test", cfg, nil)
	defer b.Close()

	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, StateOpen, b.State())
}

func TestTimeoutReturnsFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.Fallback = "cached"
	b := New("test", cfg, nil)
	defer b.Close()

	result, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", result)
	assert.Equal(t, int64(1), b.Stats().TotalFailures)
}

func TestTimeoutCancelsOperationContext(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	b := New("test", cfg, nil)
	defer b.Close()

	cancelled := make(chan struct{})
	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, ErrOperationTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("operation context was not cancelled")
	}
}

func TestDisabledBypassesBookkeeping(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	b := New("test", cfg, nil)
	defer b.Close()

	for i := 0; i < 10; i++ {
		_, err := b.Execute(context.Background(), fail)
		require.ErrorIs(t, err, errBoom)
	}

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, int64(0), b.Stats().TotalRequests)
}

func TestAllow(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	assert.True(t, b.Allow())

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), fail)
	}
	assert.False(t, b.Allow())

	time.Sleep(60 * time.Millisecond)

	// Allow never transitions state, even past the deadline.
	assert.True(t, b.Allow())
	assert.Equal(t, StateOpen, b.State())
}

func TestForceOpenAndForceClose(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	b.ForceOpen()
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Execute(context.Background(), succeed)
	require.ErrorIs(t, err, ErrBreakerOpen)

	b.ForceClose()
	assert.Equal(t, StateClosed, b.State())

	result, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestObserverReceivesTransitionsInOrder(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	var mu sync.Mutex
	var transitions []string
	b.Subscribe(ObserverFuncs{
		StateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
			mu.Unlock()
		},
	})

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), fail)
	}
	time.Sleep(60 * time.Millisecond)
	_, _ = b.Execute(context.Background(), succeed)
	_, _ = b.Execute(context.Background(), succeed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->closed",
	}, transitions)
}

func TestUpdateConfig(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	threshold := 1
	b.UpdateConfig(Patch{FailureThreshold: &threshold})
	assert.Equal(t, 1, b.Config().FailureThreshold)

	_, _ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestConfigValidateClampsInvalidValues(t *testing.T) {
	cfg := &Config{
		Enabled:          true,
		Timeout:          -1,
		FailureThreshold: 0,
		SuccessThreshold: -5,
		ResetTimeout:     0,
		MonitoringPeriod: -1,
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)
	assert.Equal(t, time.Minute, cfg.MonitoringPeriod)
}

func TestStatsSuccessRate(t *testing.T) {
	assert.Equal(t, float64(1), Stats{}.SuccessRate())
	assert.Equal(t, 0.5, Stats{TotalRequests: 4, TotalSuccesses: 2}.SuccessRate())
}

func TestContextCancellationIsNotTimeout(t *testing.T) {
	b := New("test", testConfig(), nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrOperationTimeout)
}
