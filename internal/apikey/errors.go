package apikey

import "errors"

// Common errors for API key operations.
var (
	// ErrInvalidKeyFormat indicates that the plaintext key is malformed.
	ErrInvalidKeyFormat = errors.New("invalid API key format")

	// ErrKeyNotFound indicates that no active, unexpired key matches.
	ErrKeyNotFound = errors.New("API key not found or expired")

	// ErrKeyNotOwned indicates that the target key does not exist for the
	// calling owner.
	ErrKeyNotOwned = errors.New("API key not found for owner")

	// ErrKeyRevoked indicates that the target key has been revoked.
	ErrKeyRevoked = errors.New("API key revoked")

	// ErrDuplicateKey indicates that a key with the same hash already exists.
	ErrDuplicateKey = errors.New("API key already exists")
)

// Denial classifies why a validation was not allowed. Callers branch on this
// rather than on error types; in particular an exhausted budget
// (DenialRateLimited) is distinct from a limiter malfunction
// (DenialLimiterError).
type Denial string

const (
	// DenialNone means the request was allowed.
	DenialNone Denial = ""

	// DenialInvalidFormat means the plaintext key was malformed.
	DenialInvalidFormat Denial = "invalid_format"

	// DenialNotFound means no active, unexpired key matched.
	DenialNotFound Denial = "not_found"

	// DenialRateLimited means the key's budget is exhausted; retry later.
	DenialRateLimited Denial = "rate_limited"

	// DenialLimiterError means the rate limiter malfunctioned; the system
	// is degraded, not the caller's quota.
	DenialLimiterError Denial = "limiter_error"
)
