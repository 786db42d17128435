// Package apikey implements the admission gate for API-key authenticated
// callers: key lifecycle, a short-TTL validation cache, fine-grained
// permission evaluation and per-key rate limiting.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/edgeward/gateguard/internal/ratelimit"
)

// KeyPrefix is the fixed ASCII prefix of every plaintext key.
const KeyPrefix = "sk_"

// secretBytes is the number of random bytes behind each key.
const secretBytes = 32

// secretHexLen is the length of the hex-encoded secret.
const secretHexLen = secretBytes * 2

// Key is the stored record for an API key. The plaintext secret is never
// stored; only its SHA-256 hash.
type Key struct {
	// ID is the unique identifier for the key.
	ID string `json:"id"`

	// Name is a human-readable name for the key.
	Name string `json:"name"`

	// KeyHash is the SHA-256 hex digest of the plaintext key. Unique.
	KeyHash string `json:"-"`

	// OwnerID identifies the principal that owns the key.
	OwnerID string `json:"ownerId"`

	// Permissions are the grants evaluated by CheckPermission.
	Permissions []Permission `json:"permissions"`

	// RateLimit is the per-key request budget.
	RateLimit RateLimit `json:"rateLimit"`

	// Enabled indicates whether the key is active. Revocation is a soft
	// delete: records are deactivated, never physically removed.
	Enabled bool `json:"enabled"`

	// ExpiresAt is when the key expires, if set.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// UsageCount is the number of successful validations.
	UsageCount int64 `json:"usageCount"`

	// LastUsedAt is when the key last validated successfully.
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`

	// CreatedAt is when the key was generated.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the key was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Permission grants a set of actions on resources matching a pattern.
type Permission struct {
	// Resource is an exact resource name or a glob-style pattern where *
	// matches any run of characters.
	Resource string `json:"resource"`

	// Actions is the set of allowed actions.
	Actions []string `json:"actions"`

	// Conditions, when present, must all match the request context for the
	// permission to apply.
	Conditions map[string]any `json:"conditions,omitempty"`
}

// RateLimit is the per-key request budget.
type RateLimit struct {
	// Requests is the maximum number of requests allowed in the window.
	Requests int `json:"requests"`

	// Window is the time window for the budget.
	Window time.Duration `json:"window"`

	// Burst, when positive, switches the key to token-bucket limiting with
	// the given bucket size.
	Burst int `json:"burst,omitempty"`
}

// DefaultRateLimit returns the budget applied to keys generated without one.
func DefaultRateLimit() RateLimit {
	return RateLimit{
		Requests: 100,
		Window:   time.Minute,
	}
}

// toLimit converts to the rate limiter's configuration type.
func (r RateLimit) toLimit() ratelimit.Limit {
	return ratelimit.Limit{
		Requests: r.Requests,
		Window:   r.Window,
		Burst:    r.Burst,
	}
}

// IsExpired reports whether the key has passed its expiry.
func (k *Key) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// IsValid reports whether the key is active and unexpired.
func (k *Key) IsValid(now time.Time) bool {
	return k.Enabled && !k.IsExpired(now)
}

// Clone returns a deep copy of the key.
func (k *Key) Clone() *Key {
	clone := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		clone.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		clone.LastUsedAt = &t
	}
	clone.Permissions = make([]Permission, len(k.Permissions))
	for i, p := range k.Permissions {
		clone.Permissions[i] = p.clone()
	}
	return &clone
}

// Sanitized returns a copy safe to hand to callers: the hash is stripped.
func (k *Key) Sanitized() *Key {
	clone := k.Clone()
	clone.KeyHash = ""
	return clone
}

// clone deep-copies a permission.
func (p Permission) clone() Permission {
	clone := p
	clone.Actions = append([]string(nil), p.Actions...)
	if p.Conditions != nil {
		clone.Conditions = make(map[string]any, len(p.Conditions))
		for k, v := range p.Conditions {
			clone.Conditions[k] = v
		}
	}
	return clone
}

// GenerateSecret produces a new plaintext key: the fixed prefix followed by
// 64 lowercase hex characters.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// HashKey returns the SHA-256 hex digest of the plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// IsWellFormed reports whether the plaintext has the expected shape. A
// malformed key is rejected before any store or cache access.
func IsWellFormed(plaintext string) bool {
	if len(plaintext) != len(KeyPrefix)+secretHexLen {
		return false
	}
	if plaintext[:len(KeyPrefix)] != KeyPrefix {
		return false
	}
	for _, c := range plaintext[len(KeyPrefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
