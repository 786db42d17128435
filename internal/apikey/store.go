package apikey

import (
	"context"
	"sync"
	"time"
)

// Store is the backing-store contract for API key records. Implementations
// must filter GetByHash on active, unexpired records; everything else
// operates on raw records. The gate never physically deletes a record.
type Store interface {
	// Create persists a new key record.
	Create(ctx context.Context, key *Key) error

	// GetByHash returns the active, unexpired key with the given hash, or
	// ErrKeyNotFound.
	GetByHash(ctx context.Context, keyHash string) (*Key, error)

	// GetByID returns the key with the given id regardless of state.
	GetByID(ctx context.Context, id string) (*Key, error)

	// GetByIDForOwner returns the key with the given id owned by ownerID,
	// or ErrKeyNotOwned.
	GetByIDForOwner(ctx context.Context, id, ownerID string) (*Key, error)

	// Update replaces an existing record, reindexing its hash if rotated.
	Update(ctx context.Context, key *Key) error

	// ListByOwner returns all records owned by ownerID.
	ListByOwner(ctx context.Context, ownerID string) ([]*Key, error)

	// RecordUsage increments the usage counter and stamps last-used.
	RecordUsage(ctx context.Context, id string, at time.Time) error

	// DeactivateExpired disables every active record whose expiry has
	// passed and returns the affected records.
	DeactivateExpired(ctx context.Context, now time.Time) ([]*Key, error)
}

// MemoryStore is an in-memory implementation of the Store interface. It owns
// its records: inputs and outputs are deep-copied so callers never alias
// store state.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Key
	byHash map[string]string
}

// NewMemoryStore creates a new in-memory API key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Key),
		byHash: make(map[string]string),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[key.KeyHash]; exists {
		return ErrDuplicateKey
	}
	if _, exists := s.byID[key.ID]; exists {
		return ErrDuplicateKey
	}

	s.byID[key.ID] = key.Clone()
	s.byHash[key.KeyHash] = key.ID
	return nil
}

// GetByHash implements Store.
func (s *MemoryStore) GetByHash(ctx context.Context, keyHash string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrKeyNotFound
	}

	key := s.byID[id]
	if key == nil || !key.IsValid(time.Now()) {
		return nil, ErrKeyNotFound
	}

	return key.Clone(), nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key.Clone(), nil
}

// GetByIDForOwner implements Store.
func (s *MemoryStore) GetByIDForOwner(ctx context.Context, id, ownerID string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byID[id]
	if !ok || key.OwnerID != ownerID {
		return nil, ErrKeyNotOwned
	}
	return key.Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[key.ID]
	if !ok {
		return ErrKeyNotFound
	}

	if existing.KeyHash != key.KeyHash {
		delete(s.byHash, existing.KeyHash)
		s.byHash[key.KeyHash] = key.ID
	}

	s.byID[key.ID] = key.Clone()
	return nil
}

// ListByOwner implements Store.
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []*Key
	for _, key := range s.byID {
		if key.OwnerID == ownerID {
			keys = append(keys, key.Clone())
		}
	}
	return keys, nil
}

// RecordUsage implements Store.
func (s *MemoryStore) RecordUsage(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byID[id]
	if !ok {
		return ErrKeyNotFound
	}

	key.UsageCount++
	stamp := at
	key.LastUsedAt = &stamp
	return nil
}

// DeactivateExpired implements Store.
func (s *MemoryStore) DeactivateExpired(ctx context.Context, now time.Time) ([]*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deactivated []*Key
	for _, key := range s.byID {
		if key.Enabled && key.IsExpired(now) {
			key.Enabled = false
			key.UpdatedAt = now
			deactivated = append(deactivated, key.Clone())
		}
	}
	return deactivated, nil
}

// Count returns the number of records in the store.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
