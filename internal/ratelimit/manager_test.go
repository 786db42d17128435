package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerConsume(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	limit := Limit{Requests: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		result, err := m.Consume(context.Background(), "key1", limit)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := m.Consume(context.Background(), "key1", limit)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestManagerBuildsTokenBucketForBurst(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	limit := Limit{Requests: 60, Window: time.Minute, Burst: 3}

	// Burst admits more than the steady per-second rate up front.
	for i := 0; i < 3; i++ {
		result, err := m.Consume(context.Background(), "key1", limit)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := m.Consume(context.Background(), "key1", limit)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestManagerUnlimitedWhenRequestsZero(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	limit := Limit{Requests: 0, Window: time.Minute}

	for i := 0; i < 50; i++ {
		result, err := m.Consume(context.Background(), "key1", limit)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
}

func TestManagerRebuildsOnLimitChange(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	tight := Limit{Requests: 1, Window: time.Minute}
	_, err := m.Consume(context.Background(), "key1", tight)
	require.NoError(t, err)

	denied, err := m.Consume(context.Background(), "key1", tight)
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	// A changed limit replaces the limiter and its state.
	loose := Limit{Requests: 10, Window: time.Minute}
	result, err := m.Consume(context.Background(), "key1", loose)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 10, result.Limit)
}

func TestManagerPeekDoesNotConsume(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	limit := Limit{Requests: 3, Window: time.Minute}
	_, err := m.Consume(context.Background(), "key1", limit)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		result, err := m.Peek(context.Background(), "key1", limit)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Remaining)
	}
}

func TestManagerInstallAndCount(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	m.Install("key1", Limit{Requests: 5, Window: time.Minute})
	m.Install("key2", Limit{Requests: 5, Window: time.Minute})
	assert.Equal(t, 2, m.Count())
}

func TestManagerRemove(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	limit := Limit{Requests: 1, Window: time.Minute}
	_, err := m.Consume(context.Background(), "key1", limit)
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())

	m.Remove(context.Background(), "key1")
	assert.Equal(t, 0, m.Count())

	// A fresh limiter comes with a fresh budget.
	result, err := m.Consume(context.Background(), "key1", limit)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestManagerClose(t *testing.T) {
	m := NewManager(nil, nil)

	m.Install("key1", Limit{Requests: 60, Window: time.Minute, Burst: 2})
	m.Close()
	assert.Equal(t, 0, m.Count())
}
