package token

import (
	"errors"
	"time"

	"github.com/oarkflow/qauth/value"
)

var (
	// ErrKeyGeneration is returned when the entropy source cannot supply key material.
	ErrKeyGeneration = errors.New("token: key generation failed")
	// ErrInvalidOptions is returned for empty or out-of-range token creation arguments.
	ErrInvalidOptions = errors.New("token: invalid options")
	// ErrMalformedToken is returned when the wire structure, encoding or field types are invalid.
	ErrMalformedToken = errors.New("token: malformed token")
	// ErrMalformedProof is returned when a proof cannot be parsed.
	ErrMalformedProof = errors.New("token: malformed proof")
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrTokenNotYetValid = errors.New("token: not yet valid")
	ErrTokenExpired     = errors.New("token: expired")
	ErrIssuerMismatch   = errors.New("token: issuer mismatch")
	ErrAudienceMismatch = errors.New("token: audience mismatch")
	// ErrTokenRevoked is returned for a valid token whose jti was revoked.
	ErrTokenRevoked = errors.New("token: revoked")
	// ErrSealedClaims is returned when sealed claims cannot be opened.
	ErrSealedClaims = errors.New("token: sealed claims cannot be opened")

	// Maximum wire token size to prevent resource exhaustion attacks
	maxTokenSize = 8192
)

// Algorithm and header constants
const (
	AlgSign   = "EdDSA" // Ed25519
	TokenType = "qauth"

	tokenVersion = 1
)

// DefaultValidity applies when neither the caller nor the issuer config sets one.
const DefaultValidity = time.Hour

// Header is the first wire segment.
type Header struct {
	Version int    `json:"v"`
	Alg     string `json:"alg"`
	KeyID   string `json:"kid"`
	Type    string `json:"typ"`
}

// Payload is the signed claim set. Times are Unix seconds.
type Payload struct {
	Subject   string    `json:"sub"`
	Issuer    string    `json:"iss"`
	Audience  []string  `json:"aud"`
	ExpiresAt int64     `json:"exp"`
	IssuedAt  int64     `json:"iat"`
	NotBefore int64     `json:"nbf"`
	ID        string    `json:"jti"`
	RID       string    `json:"rid"`
	Policy    string    `json:"pol"`
	Custom    value.Map `json:"cst,omitempty"`
	// Sealed holds custom claims encrypted with the issuer's
	// encryption key. Open with OpenSealedClaims.
	Sealed []byte `json:"sct,omitempty"`
}

// Bound reports whether the token is bound to a client key.
func (p *Payload) Bound() bool {
	return p != nil && p.RID != ""
}

// Expiry returns exp as a time.Time.
func (p *Payload) Expiry() time.Time {
	return time.Unix(p.ExpiresAt, 0).UTC()
}

// RemainingTTL returns the duration until expiration (or zero if expired).
func (p *Payload) RemainingTTL(now time.Time) time.Duration {
	if p == nil {
		return 0
	}
	exp := p.Expiry()
	if !now.Before(exp) {
		return 0
	}
	return exp.Sub(now)
}

// wellFormed checks nbf ≤ iat < exp and a non-empty audience.
func (p *Payload) wellFormed() bool {
	return len(p.Audience) > 0 &&
		p.NotBefore <= p.IssuedAt &&
		p.IssuedAt < p.ExpiresAt &&
		p.ID != "" &&
		p.Subject != "" &&
		p.Policy != ""
}
