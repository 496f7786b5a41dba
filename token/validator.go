package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ValidatorConfig lists what a validator accepts.
type ValidatorConfig struct {
	Issuer string
	// Audience is accepted when it shares at least one entry with the token's aud.
	Audience []string
}

// TokenValidator verifies tokens against one issuer's public keys.
type TokenValidator struct {
	keys        PublicKeys
	issuer      string
	audience    map[string]struct{}
	leeway      time.Duration
	nowFn       func() time.Time
	revocations RevocationStore
	logger      *zap.Logger
}

// ValidatorOption customizes a TokenValidator.
type ValidatorOption func(*TokenValidator)

// WithValidatorNow injects a deterministic clock source (useful for tests).
func WithValidatorNow(fn func() time.Time) ValidatorOption {
	return func(v *TokenValidator) {
		if fn != nil {
			v.nowFn = fn
		}
	}
}

// WithLeeway tolerates clock skew on nbf and exp. The default is zero.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(v *TokenValidator) {
		if d > 0 {
			v.leeway = d
		}
	}
}

// WithRevocationStore rejects revoked jti values.
func WithRevocationStore(s RevocationStore) ValidatorOption {
	return func(v *TokenValidator) { v.revocations = s }
}

// WithValidatorLogger sets the logger. The default discards everything.
func WithValidatorLogger(l *zap.Logger) ValidatorOption {
	return func(v *TokenValidator) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewTokenValidator creates a validator for tokens signed by keys.
func NewTokenValidator(keys PublicKeys, cfg ValidatorConfig, opts ...ValidatorOption) (*TokenValidator, error) {
	if len(keys.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key size: %d", len(keys.PublicKey))
	}
	if cfg.Issuer == "" {
		return nil, errors.New("validator issuer must not be empty")
	}
	if len(cfg.Audience) == 0 {
		return nil, errors.New("validator audience must not be empty")
	}
	v := &TokenValidator{
		keys:     PublicKeys{KeyID: keys.KeyID, PublicKey: append(ed25519.PublicKey(nil), keys.PublicKey...)},
		issuer:   cfg.Issuer,
		audience: make(map[string]struct{}, len(cfg.Audience)),
		nowFn:    defaultNow,
		logger:   zap.NewNop(),
	}
	for _, a := range cfg.Audience {
		v.audience[a] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// ValidateToken verifies tok at the current time and returns its payload.
func (v *TokenValidator) ValidateToken(tok string) (*Payload, error) {
	return v.ValidateTokenAt(tok, v.nowFn())
}

// ValidateTokenAt verifies tok as of now. Checks run in a fixed order:
// structure, signature, time window, issuer, audience, revocation.
func (v *TokenValidator) ValidateTokenAt(tok string, now time.Time) (*Payload, error) {
	p, err := v.validate(tok, now)
	if err != nil {
		v.logger.Debug("token rejected", zap.Error(err))
		return nil, err
	}
	return p, nil
}

func (v *TokenValidator) validate(tok string, now time.Time) (*Payload, error) {
	pt, err := parseToken(tok)
	if err != nil {
		return nil, err
	}
	if len(pt.signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature length %d", ErrMalformedToken, len(pt.signature))
	}
	if pt.header.KeyID != v.keys.KeyID {
		return nil, fmt.Errorf("%w: unknown key id", ErrInvalidSignature)
	}
	method, _ := lookupSigningMethod(pt.header.Alg)
	in := tokenSigningInput(pt.headerRaw, pt.payloadRaw)
	err = method.Verify(in.Bytes(), pt.signature, v.keys.PublicKey)
	in.Release()
	if err != nil {
		return nil, ErrInvalidSignature
	}

	p, err := decodePayload(pt.payloadRaw)
	if err != nil {
		return nil, err
	}

	ts := now.Unix()
	lee := int64(v.leeway / time.Second)
	if ts+lee < p.NotBefore {
		return nil, ErrTokenNotYetValid
	}
	if ts-lee >= p.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if p.Issuer != v.issuer {
		return nil, ErrIssuerMismatch
	}
	if !v.audienceOverlaps(p.Audience) {
		return nil, ErrAudienceMismatch
	}
	if v.revocations != nil {
		revoked, err := v.revocations.IsRevoked(p.ID)
		if err != nil {
			return nil, fmt.Errorf("revocation check: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return p, nil
}

func (v *TokenValidator) audienceOverlaps(aud []string) bool {
	for _, a := range aud {
		if _, ok := v.audience[a]; ok {
			return true
		}
	}
	return false
}
