package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/oarkflow/qauth/internal/codec"
)

const (
	proofSigningTag = "qauth-proof-v1"
	proofVersion    = 1
	proofNonceSize  = 16
)

// Proof is the decoded proof-of-possession. Timestamp is Unix milliseconds.
type Proof struct {
	Version   int    `json:"v"`
	Timestamp int64  `json:"ts"`
	Nonce     []byte `json:"n"`
	Signature []byte `json:"sig"`
}

// DecodeProof parses the wire form of a proof.
func DecodeProof(s string) (*Proof, error) {
	raw, err := b64.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding", ErrMalformedProof)
	}
	var p Proof
	if err := codec.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if p.Version != proofVersion || len(p.Nonce) != proofNonceSize || len(p.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: field sizes", ErrMalformedProof)
	}
	return &p, nil
}

func (p *Proof) encode() (string, error) {
	raw, err := codec.Marshal(p)
	if err != nil {
		return "", err
	}
	return b64.EncodeToString(raw), nil
}

// proofSigningInput binds the request method, URI, body, token and the
// proof's own timestamp and nonce.
func proofSigningInput(method, uri string, body []byte, tok string, ts int64, nonce []byte) *signingInput {
	bodyHash := blake3.Sum256(body)
	tokHash := blake3.Sum256([]byte(tok))
	in := newSigningInput(proofSigningTag)
	in.str(method)
	in.str(uri)
	in.field(bodyHash[:])
	in.field(tokHash[:])
	in.u64(uint64(ts))
	in.field(nonce)
	return in
}

// ProofSigner creates proofs with a client's private key.
type ProofSigner struct {
	keys    *ClientKeys
	nowFn   func() time.Time
	entropy *SecretGenerator
}

// SignerOption customizes a ProofSigner.
type SignerOption func(*ProofSigner)

// WithSignerNow injects a deterministic clock source (useful for tests).
func WithSignerNow(fn func() time.Time) SignerOption {
	return func(s *ProofSigner) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// WithSignerEntropy sets the nonce source.
func WithSignerEntropy(r io.Reader) SignerOption {
	return func(s *ProofSigner) { s.entropy = NewSecretGenerator(r) }
}

// NewProofSigner creates a signer for keys.
func NewProofSigner(keys *ClientKeys, opts ...SignerOption) (*ProofSigner, error) {
	if keys == nil {
		return nil, fmt.Errorf("client keys are nil")
	}
	s := &ProofSigner{keys: keys, nowFn: defaultNow, entropy: NewSecretGenerator()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// CreateProof signs a request. A nil body is treated as empty.
func (s *ProofSigner) CreateProof(method, uri, tok string, body []byte) (string, error) {
	nonce := make([]byte, proofNonceSize)
	if err := s.entropy.KeyInto(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrKeyGeneration, err)
	}
	ts := s.nowFn().UnixMilli()
	in := proofSigningInput(method, uri, body, tok, ts, nonce)
	sig, err := s.keys.Sign(in.Bytes())
	in.Release()
	if err != nil {
		return "", err
	}
	p := &Proof{Version: proofVersion, Timestamp: ts, Nonce: nonce, Signature: sig}
	return p.encode()
}

// ProofValidator checks proofs against one client public key.
type ProofValidator struct {
	clientKey ed25519.PublicKey
	rid       string
	maxAge    time.Duration
	seen      *cache.Cache
	seenTTL   time.Duration
	nowFn     func() time.Time
	logger    *zap.Logger
}

// ProofValidatorOption customizes a ProofValidator.
type ProofValidatorOption func(*ProofValidator)

// WithMaxProofAge rejects proofs whose timestamp differs from now by
// more than d. Disabled by default.
func WithMaxProofAge(d time.Duration) ProofValidatorOption {
	return func(v *ProofValidator) { v.maxAge = d }
}

// WithReplayCache rejects a nonce seen within ttl. Disabled by default.
// Pair it with WithMaxProofAge(ttl) so proofs cannot outlive the cache.
func WithReplayCache(ttl time.Duration) ProofValidatorOption {
	return func(v *ProofValidator) {
		if ttl > 0 {
			v.seenTTL = ttl
			v.seen = cache.New(ttl, ttl)
		}
	}
}

// WithNonceStore records nonces in store for ttl. Validators for
// different client keys may share one store: entries are keyed by the
// client's rid and the nonce.
func WithNonceStore(store *cache.Cache, ttl time.Duration) ProofValidatorOption {
	return func(v *ProofValidator) {
		if store != nil && ttl > 0 {
			v.seenTTL = ttl
			v.seen = store
		}
	}
}

// WithProofValidatorNow injects a deterministic clock source (useful for tests).
func WithProofValidatorNow(fn func() time.Time) ProofValidatorOption {
	return func(v *ProofValidator) {
		if fn != nil {
			v.nowFn = fn
		}
	}
}

// WithProofLogger sets the logger. The default discards everything.
func WithProofLogger(l *zap.Logger) ProofValidatorOption {
	return func(v *ProofValidator) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewProofValidator creates a validator for proofs signed by clientKey.
func NewProofValidator(clientKey ed25519.PublicKey, opts ...ProofValidatorOption) (*ProofValidator, error) {
	if len(clientKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key size: %d", len(clientKey))
	}
	v := &ProofValidator{
		clientKey: append(ed25519.PublicKey(nil), clientKey...),
		rid:       ComputeRID(clientKey),
		nowFn:     defaultNow,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Validate reports whether proof was made by the client key for exactly
// this method, URI, token and body. A proof that parses but does not
// match returns false with a nil error; ErrMalformedProof is returned
// only when the proof cannot be parsed.
func (v *ProofValidator) Validate(proof, method, uri, tok string, body []byte) (bool, error) {
	p, err := DecodeProof(proof)
	if err != nil {
		v.logger.Debug("proof rejected", zap.Error(err))
		return false, err
	}
	in := proofSigningInput(method, uri, body, tok, p.Timestamp, p.Nonce)
	err = SigningMethodEdDSA.Verify(in.Bytes(), p.Signature, v.clientKey)
	in.Release()
	if err != nil {
		v.logger.Debug("proof signature mismatch", zap.String("method", method), zap.String("uri", uri))
		return false, nil
	}

	if v.maxAge > 0 {
		age := v.nowFn().Sub(time.UnixMilli(p.Timestamp))
		if age > v.maxAge || age < -v.maxAge {
			v.logger.Debug("proof outside freshness window", zap.Duration("age", age))
			return false, nil
		}
	}
	if v.seen != nil {
		key := v.rid + "." + base64.RawURLEncoding.EncodeToString(p.Nonce)
		if err := v.seen.Add(key, struct{}{}, v.seenTTL); err != nil {
			v.logger.Debug("proof nonce replayed")
			return false, nil
		}
	}
	return true, nil
}
