package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStoreSetAndGet(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(context.Background(), "counter", 42, time.Minute))

	val, err := s.Get(context.Background(), "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)
}

func TestMemoryStoreIncrement(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	val, err := s.Increment(context.Background(), "counter", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = s.Increment(context.Background(), "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), val)
}

func TestMemoryStoreIncrementWithExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	val, err := s.IncrementWithExpiry(context.Background(), "counter", 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	// The expiry is armed on creation only; later increments keep it.
	val, err = s.IncrementWithExpiry(context.Background(), "counter", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	time.Sleep(40 * time.Millisecond)

	_, err = s.Get(context.Background(), "counter")
	assert.True(t, IsKeyNotFound(err))

	// An expired key restarts from the delta.
	val, err = s.IncrementWithExpiry(context.Background(), "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(context.Background(), "counter", 1, 0))
	require.NoError(t, s.Delete(context.Background(), "counter"))

	_, err := s.Get(context.Background(), "counter")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(context.Background(), "short", 1, 10*time.Millisecond))
	require.NoError(t, s.Set(context.Background(), "long", 1, time.Hour))

	time.Sleep(20 * time.Millisecond)
	s.sweep()

	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreCloseIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
