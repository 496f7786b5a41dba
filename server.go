package qauth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/oarkflow/qauth/internal/telemetry"
	"github.com/oarkflow/qauth/policy"
	"github.com/oarkflow/qauth/token"
)

// Config identifies the issuer and the audience its tokens are for.
type Config struct {
	Issuer   string
	Audience []string
	// DefaultValidity applies to tokens created without an explicit
	// validity. Zero means token.DefaultValidity.
	DefaultValidity time.Duration
}

type serverOptions struct {
	logger       *zap.Logger
	meter        metric.MeterProvider
	nowFn        func() time.Time
	keys         *token.KeyManager
	revocations  token.RevocationStore
	leeway       time.Duration
	maxProofAge  time.Duration
	replayWindow time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// WithLogger sets the logger shared by every server component.
func WithLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) ServerOption {
	return func(o *serverOptions) { o.meter = mp }
}

// WithNow sets the clock used for issuance, validation and policy time conditions.
func WithNow(fn func() time.Time) ServerOption {
	return func(o *serverOptions) {
		if fn != nil {
			o.nowFn = fn
		}
	}
}

// WithKeyManager uses existing issuer keys instead of generating new ones.
func WithKeyManager(km *token.KeyManager) ServerOption {
	return func(o *serverOptions) { o.keys = km }
}

// WithRevocationStore replaces the in-memory revocation list.
func WithRevocationStore(s token.RevocationStore) ServerOption {
	return func(o *serverOptions) { o.revocations = s }
}

// WithLeeway tolerates clock skew when checking nbf and exp.
func WithLeeway(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.leeway = d }
}

// WithMaxProofAge rejects proofs whose timestamp is further than d from now.
func WithMaxProofAge(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.maxProofAge = d }
}

// WithReplayWindow rejects a proof nonce seen again within d.
func WithReplayWindow(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.replayWindow = d }
}

// Server issues and validates tokens and authorizes requests against
// loaded policies.
type Server struct {
	keys      *token.KeyManager
	issuer    *token.TokenIssuer
	validator *token.TokenValidator
	engine    *policy.Engine
	revoked   token.RevocationStore
	metrics   *telemetry.Recorder
	logger    *zap.Logger
	nowFn     func() time.Time

	proofOpts []token.ProofValidatorOption
	// proof validators keyed by rid; seen nonces live in a separate
	// store shared by all of them
	proofs *cache.Cache
}

// NewServer creates a server for cfg, initializing the library if needed.
func NewServer(cfg Config, opts ...ServerOption) (*Server, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	o := serverOptions{
		logger: zap.NewNop(),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	km := o.keys
	if km == nil {
		var err error
		if km, err = token.NewKeyManager(); err != nil {
			return nil, err
		}
	}
	if o.revocations == nil {
		o.revocations = token.NewRevocationList(time.Minute, token.WithRevocationNow(o.nowFn))
	}

	issuer, err := token.NewTokenIssuer(km, token.IssuerConfig{
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		DefaultValidity: cfg.DefaultValidity,
	}, token.WithIssuerNow(o.nowFn), token.WithIssuerLogger(o.logger))
	if err != nil {
		return nil, err
	}
	validator, err := token.NewTokenValidator(km.PublicKeys(), token.ValidatorConfig{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
	},
		token.WithValidatorNow(o.nowFn),
		token.WithLeeway(o.leeway),
		token.WithRevocationStore(o.revocations),
		token.WithValidatorLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}
	recorder, err := telemetry.New(o.meter)
	if err != nil {
		return nil, fmt.Errorf("qauth: metrics: %w", err)
	}

	proofOpts := []token.ProofValidatorOption{
		token.WithProofValidatorNow(o.nowFn),
		token.WithProofLogger(o.logger),
	}
	if o.maxProofAge > 0 {
		proofOpts = append(proofOpts, token.WithMaxProofAge(o.maxProofAge))
	}
	if o.replayWindow > 0 {
		nonces := cache.New(o.replayWindow, o.replayWindow)
		proofOpts = append(proofOpts, token.WithNonceStore(nonces, o.replayWindow))
	}

	return &Server{
		keys:      km,
		issuer:    issuer,
		validator: validator,
		engine:    policy.NewEngine(policy.WithNow(o.nowFn), policy.WithLogger(o.logger)),
		revoked:   o.revocations,
		metrics:   recorder,
		logger:    o.logger,
		nowFn:     o.nowFn,
		proofOpts: proofOpts,
		proofs:    cache.New(time.Hour, 10*time.Minute),
	}, nil
}

// PublicKeys returns the key id and public key validators need.
func (s *Server) PublicKeys() token.PublicKeys { return s.keys.PublicKeys() }

// KeyManager returns the issuer keys.
func (s *Server) KeyManager() *token.KeyManager { return s.keys }

// Engine returns the policy engine.
func (s *Server) Engine() *policy.Engine { return s.engine }

// CreateToken mints a token.
func (s *Server) CreateToken(opts token.CreateOptions) (string, error) {
	tok, _, err := s.issuer.Issue(opts)
	if err != nil {
		return "", err
	}
	s.metrics.TokenIssued(context.Background())
	return tok, nil
}

// ValidateToken verifies tok and returns its payload.
func (s *Server) ValidateToken(tok string) (*token.Payload, error) {
	return s.validateToken(context.Background(), tok)
}

func (s *Server) validateToken(ctx context.Context, tok string) (*token.Payload, error) {
	p, err := s.validator.ValidateToken(tok)
	s.metrics.TokenValidated(ctx, resultOf(err))
	return p, err
}

// Revoke rejects the token with payload p until it would have expired.
func (s *Server) Revoke(p *token.Payload) error {
	if p == nil {
		return errors.New("qauth: nil payload")
	}
	return s.revoked.Revoke(p.ID, p.Expiry())
}

// ValidateProof checks a proof of possession for a request carrying tok.
func (s *Server) ValidateProof(clientKey ed25519.PublicKey, proof, method, uri, tok string, body []byte) (bool, error) {
	return s.validateProof(context.Background(), clientKey, proof, method, uri, tok, body)
}

func (s *Server) validateProof(ctx context.Context, clientKey ed25519.PublicKey, proof, method, uri, tok string, body []byte) (bool, error) {
	v, err := s.proofValidator(clientKey)
	if err != nil {
		s.metrics.ProofValidated(ctx, telemetry.ResultError)
		return false, err
	}
	ok, err := v.Validate(proof, method, uri, tok, body)
	switch {
	case err != nil:
		s.metrics.ProofValidated(ctx, resultOf(err))
	case ok:
		s.metrics.ProofValidated(ctx, telemetry.ResultOK)
	default:
		s.metrics.ProofValidated(ctx, telemetry.ResultInvalid)
	}
	return ok, err
}

func (s *Server) proofValidator(clientKey ed25519.PublicKey) (*token.ProofValidator, error) {
	rid := token.ComputeRID(clientKey)
	if v, ok := s.proofs.Get(rid); ok {
		return v.(*token.ProofValidator), nil
	}
	v, err := token.NewProofValidator(clientKey, s.proofOpts...)
	if err != nil {
		return nil, err
	}
	// keep the first validator if another request raced us here
	if err := s.proofs.Add(rid, v, cache.DefaultExpiration); err != nil {
		if cur, ok := s.proofs.Get(rid); ok {
			return cur.(*token.ProofValidator), nil
		}
	}
	return v, nil
}

// LoadPolicy adds or replaces a policy.
func (s *Server) LoadPolicy(p policy.Policy) error { return s.engine.LoadPolicy(p) }

// LoadPolicyFile loads every policy in a YAML or JSON file.
func (s *Server) LoadPolicyFile(path string) ([]string, error) { return s.engine.LoadFile(path) }

// Evaluate runs policy id against ctx.
func (s *Server) Evaluate(id string, ctx policy.Context) (policy.Result, error) {
	return s.evaluate(context.Background(), id, ctx)
}

func (s *Server) evaluate(ctx context.Context, id string, pctx policy.Context) (policy.Result, error) {
	res, err := s.engine.Evaluate(id, pctx)
	if err != nil {
		return res, err
	}
	s.metrics.PolicyEvaluated(ctx, id, string(res.Effect))
	return res, nil
}

// AuthorizeRequest is everything presented with one protected request.
type AuthorizeRequest struct {
	Token string
	// Proof and ClientKey are required when the token is bound to a key.
	Proof     string
	ClientKey ed25519.PublicKey
	Method    string
	URI       string
	Body      []byte
	// Context is evaluated against the token's policy. Subject.ID,
	// Resource.Path and Request.Method default to the token subject,
	// the URI path and Method.
	Context policy.Context
}

// Decision is the outcome of a request that passed token and proof checks.
type Decision struct {
	Payload *token.Payload
	Result  policy.Result
}

// Allowed reports whether the policy permitted the request.
func (d *Decision) Allowed() bool { return d != nil && d.Result.Allowed() }

// Authorize validates the token, checks that a bound token is presented
// with its client key and a valid proof, then evaluates the token's
// policy. A policy deny is a Decision, not an error.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.validateToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("jti", p.ID), zap.String("policy", p.Policy))

	if p.Bound() {
		if !token.MatchRID(p.RID, req.ClientKey) {
			log.Debug("client key does not match binding")
			return nil, ErrKeyBindingMismatch
		}
		ok, err := s.validateProof(ctx, req.ClientKey, req.Proof, req.Method, req.URI, req.Token, req.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidProof, err)
		}
		if !ok {
			log.Debug("proof rejected")
			return nil, ErrInvalidProof
		}
	}

	pctx := s.requestContext(p, req)
	res, err := s.evaluate(ctx, p.Policy, pctx)
	if err != nil {
		return nil, err
	}
	log.Debug("request authorized",
		zap.String("effect", string(res.Effect)),
		zap.String("rule", res.MatchedRule),
	)
	return &Decision{Payload: p, Result: res}, nil
}

func (s *Server) requestContext(p *token.Payload, req AuthorizeRequest) policy.Context {
	pctx := req.Context
	subject := policy.Subject{ID: p.Subject}
	if pctx.Subject != nil {
		subject = *pctx.Subject
		if subject.ID == "" {
			subject.ID = p.Subject
		}
	}
	pctx.Subject = &subject

	resource := policy.Resource{}
	if pctx.Resource != nil {
		resource = *pctx.Resource
	}
	if resource.Path == "" {
		resource.Path = uriPath(req.URI)
	}
	pctx.Resource = &resource

	request := policy.Request{}
	if pctx.Request != nil {
		request = *pctx.Request
	}
	if request.Method == "" {
		request.Method = req.Method
	}
	pctx.Request = &request
	return pctx
}

func uriPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return u.EscapedPath()
}

var invalidTokenErrors = []error{
	token.ErrMalformedToken,
	token.ErrMalformedProof,
	token.ErrInvalidSignature,
	token.ErrTokenNotYetValid,
	token.ErrTokenExpired,
	token.ErrIssuerMismatch,
	token.ErrAudienceMismatch,
	token.ErrTokenRevoked,
}

func resultOf(err error) string {
	if err == nil {
		return telemetry.ResultOK
	}
	for _, target := range invalidTokenErrors {
		if errors.Is(err, target) {
			return telemetry.ResultInvalid
		}
	}
	return telemetry.ResultError
}
