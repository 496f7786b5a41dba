package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oarkflow/qauth/value"
)

// IssuerConfig identifies an issuer and the audience it mints tokens for.
type IssuerConfig struct {
	Issuer   string
	Audience []string
	// DefaultValidity applies when CreateOptions.ValiditySeconds is unset.
	// Zero means DefaultValidity.
	DefaultValidity time.Duration
}

// CreateOptions describes one token. Pointer and nil-slice fields are
// optional; an explicitly empty value is rejected rather than defaulted.
type CreateOptions struct {
	// Subject is the subject identifier. Exactly one of Subject and
	// SubjectBytes must be set; raw bytes are carried base64url encoded.
	Subject      string
	SubjectBytes []byte
	// PolicyRef names the policy that governs the token's use.
	PolicyRef string
	// ValiditySeconds overrides the issuer's default validity. Must be > 0.
	ValiditySeconds *int64
	// ClientKey binds the token to a client keypair.
	ClientKey ed25519.PublicKey
	// Audience overrides the issuer's audience for this token.
	Audience []string
	Claims   value.Map
	// SealedClaims are encrypted with the issuer's encryption key.
	SealedClaims value.Map
}

// Seconds returns a pointer for CreateOptions.ValiditySeconds.
func Seconds(n int64) *int64 { return &n }

// TokenIssuer mints signed tokens.
type TokenIssuer struct {
	keys     *KeyManager
	issuer   string
	audience []string
	validity int64
	nowFn    func() time.Time
	idFn     func() string
	entropy  io.Reader
	logger   *zap.Logger
}

// IssuerOption customizes a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithIssuerNow injects a deterministic clock source (useful for tests).
func WithIssuerNow(fn func() time.Time) IssuerOption {
	return func(g *TokenIssuer) {
		if fn != nil {
			g.nowFn = fn
		}
	}
}

// WithIssuerLogger sets the logger. The default discards everything.
func WithIssuerLogger(l *zap.Logger) IssuerOption {
	return func(g *TokenIssuer) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithIssuerEntropy sets the source for sealed-claim nonces.
func WithIssuerEntropy(r io.Reader) IssuerOption {
	return func(g *TokenIssuer) {
		if r != nil {
			g.entropy = r
		}
	}
}

// withIDFunc replaces jti generation in tests.
func withIDFunc(fn func() string) IssuerOption {
	return func(g *TokenIssuer) { g.idFn = fn }
}

func defaultNow() time.Time { return time.Now().UTC() }

// NewTokenIssuer creates an issuer signing with km.
func NewTokenIssuer(km *KeyManager, cfg IssuerConfig, opts ...IssuerOption) (*TokenIssuer, error) {
	if km == nil {
		return nil, errors.New("key manager is nil")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, fmt.Errorf("%w: issuer must not be empty", ErrInvalidOptions)
	}
	if err := checkAudience(cfg.Audience); err != nil {
		return nil, err
	}
	validity := cfg.DefaultValidity
	if validity == 0 {
		validity = DefaultValidity
	}
	if validity < time.Second {
		return nil, fmt.Errorf("%w: default validity must be at least 1s", ErrInvalidOptions)
	}
	g := &TokenIssuer{
		keys:     km,
		issuer:   cfg.Issuer,
		audience: append([]string(nil), cfg.Audience...),
		validity: int64(validity / time.Second),
		nowFn:    defaultNow,
		idFn:     uuid.NewString,
		entropy:  NewSecretGenerator().Reader(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

func checkAudience(aud []string) error {
	if len(aud) == 0 {
		return fmt.Errorf("%w: audience must not be empty", ErrInvalidOptions)
	}
	for _, a := range aud {
		if a == "" {
			return fmt.Errorf("%w: audience entries must not be empty", ErrInvalidOptions)
		}
	}
	return nil
}

// CreateToken mints and signs a token.
func (g *TokenIssuer) CreateToken(opts CreateOptions) (string, error) {
	tok, _, err := g.Issue(opts)
	return tok, err
}

// Issue is CreateToken that also returns the signed payload.
func (g *TokenIssuer) Issue(opts CreateOptions) (string, *Payload, error) {
	p, err := g.buildPayload(opts)
	if err != nil {
		g.logger.Debug("token creation rejected", zap.Error(err))
		return "", nil, err
	}
	h := Header{Version: tokenVersion, Alg: AlgSign, KeyID: g.keys.KeyID(), Type: TokenType}
	tok, err := encodeToken(g.keys, h, p)
	if err != nil {
		return "", nil, err
	}
	if len(tok) > maxTokenSize {
		return "", nil, fmt.Errorf("%w: token exceeds %d bytes", ErrInvalidOptions, maxTokenSize)
	}
	g.logger.Debug("token issued",
		zap.String("jti", p.ID),
		zap.String("kid", h.KeyID),
		zap.String("pol", p.Policy),
		zap.Bool("bound", p.Bound()),
		zap.Int64("exp", p.ExpiresAt),
	)
	return tok, p, nil
}

func (g *TokenIssuer) buildPayload(opts CreateOptions) (*Payload, error) {
	var sub string
	switch {
	case opts.Subject != "" && opts.SubjectBytes != nil:
		return nil, fmt.Errorf("%w: both Subject and SubjectBytes set", ErrInvalidOptions)
	case opts.SubjectBytes != nil:
		if len(opts.SubjectBytes) == 0 {
			return nil, fmt.Errorf("%w: subject must not be empty", ErrInvalidOptions)
		}
		sub = base64.RawURLEncoding.EncodeToString(opts.SubjectBytes)
	case opts.Subject != "":
		sub = opts.Subject
	default:
		return nil, fmt.Errorf("%w: subject must not be empty", ErrInvalidOptions)
	}
	if opts.PolicyRef == "" {
		return nil, fmt.Errorf("%w: policy reference must not be empty", ErrInvalidOptions)
	}

	validity := g.validity
	if opts.ValiditySeconds != nil {
		if *opts.ValiditySeconds <= 0 {
			return nil, fmt.Errorf("%w: validity must be positive, got %d", ErrInvalidOptions, *opts.ValiditySeconds)
		}
		validity = *opts.ValiditySeconds
	}

	aud := g.audience
	if opts.Audience != nil {
		if err := checkAudience(opts.Audience); err != nil {
			return nil, err
		}
		aud = opts.Audience
	}

	var rid string
	if opts.ClientKey != nil {
		if len(opts.ClientKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: client key must be %d bytes, got %d", ErrInvalidOptions, ed25519.PublicKeySize, len(opts.ClientKey))
		}
		rid = ComputeRID(opts.ClientKey)
	}

	now := g.nowFn().Unix()
	if validity > math.MaxInt64-now {
		return nil, fmt.Errorf("%w: validity %d overflows expiry", ErrInvalidOptions, validity)
	}
	p := &Payload{
		Subject:   sub,
		Issuer:    g.issuer,
		Audience:  append([]string(nil), aud...),
		IssuedAt:  now,
		NotBefore: now,
		ExpiresAt: now + validity,
		ID:        g.idFn(),
		RID:       rid,
		Policy:    opts.PolicyRef,
	}
	if len(opts.Claims) > 0 {
		p.Custom = make(value.Map, len(opts.Claims))
		for k, v := range opts.Claims {
			p.Custom[k] = v
		}
	}
	if len(opts.SealedClaims) > 0 {
		sealed, err := g.keys.sealClaims(p.ID, opts.SealedClaims, g.entropy)
		if err != nil {
			return nil, err
		}
		p.Sealed = sealed
	}
	return p, nil
}
