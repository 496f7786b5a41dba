package token

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// RevocationStore is consulted by TokenValidator after all other checks pass.
type RevocationStore interface {
	Revoke(jti string, expiresAt time.Time) error
	IsRevoked(jti string) (bool, error)
}

// RevocationList is an in-memory RevocationStore. Entries live until the
// revoked token would have expired anyway.
type RevocationList struct {
	entries *cache.Cache
	nowFn   func() time.Time
}

// RevocationOption customizes a RevocationList.
type RevocationOption func(*RevocationList)

// WithRevocationNow injects the clock used to compute entry lifetimes.
func WithRevocationNow(fn func() time.Time) RevocationOption {
	return func(r *RevocationList) {
		if fn != nil {
			r.nowFn = fn
		}
	}
}

// NewRevocationList creates a list that purges expired entries every
// cleanupInterval. A non-positive interval disables the janitor.
func NewRevocationList(cleanupInterval time.Duration, opts ...RevocationOption) *RevocationList {
	r := &RevocationList{
		entries: cache.New(cache.NoExpiration, cleanupInterval),
		nowFn:   defaultNow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Revoke marks jti as revoked until expiresAt. Revoking an already
// expired token is a no-op.
func (r *RevocationList) Revoke(jti string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.nowFn())
	if ttl <= 0 {
		return nil
	}
	r.entries.Set(jti, expiresAt, ttl)
	return nil
}

// RevokePayload revokes a validated token.
func (r *RevocationList) RevokePayload(p *Payload) error {
	return r.Revoke(p.ID, p.Expiry())
}

func (r *RevocationList) IsRevoked(jti string) (bool, error) {
	_, found := r.entries.Get(jti)
	return found, nil
}

// Len returns the number of live revocations.
func (r *RevocationList) Len() int {
	return r.entries.ItemCount()
}
