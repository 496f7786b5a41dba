package token

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyIDLength = 16
	ridTag      = "qauth-rid-v1"
)

// PublicKeys is the shareable half of an issuer identity.
type PublicKeys struct {
	KeyID     string            `json:"kid"`
	PublicKey ed25519.PublicKey `json:"pub"`
}

// KeyManager owns an issuer's signing keypair and its symmetric
// encryption key. Private material is never returned.
type KeyManager struct {
	keyID         string
	public        ed25519.PublicKey
	private       ed25519.PrivateKey
	encryptionKey []byte
}

type keyConfig struct {
	entropy io.Reader
	keyID   string
}

// KeyOption configures key generation.
type KeyOption func(*keyConfig)

// WithEntropy replaces crypto/rand as the entropy source.
func WithEntropy(r io.Reader) KeyOption {
	return func(c *keyConfig) { c.entropy = r }
}

// WithKeyID sets the key identifier instead of generating one.
func WithKeyID(id string) KeyOption {
	return func(c *keyConfig) { c.keyID = id }
}

// NewKeyManager generates a fresh Ed25519 keypair, a 32-byte encryption
// key and a random key ID.
func NewKeyManager(opts ...KeyOption) (*KeyManager, error) {
	cfg := keyConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	gen := NewSecretGenerator(cfg.entropy)

	seed, err := gen.Key(ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: signing seed: %v", ErrKeyGeneration, err)
	}
	encKey, err := gen.Key(chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key: %v", ErrKeyGeneration, err)
	}
	keyID := cfg.keyID
	if keyID == "" {
		if keyID, err = gen.String(keyIDLength); err != nil {
			return nil, fmt.Errorf("%w: key id: %v", ErrKeyGeneration, err)
		}
	}
	return ImportKeyManager(keyID, seed, encKey)
}

// ImportKeyManager rebuilds a KeyManager from persisted material.
func ImportKeyManager(keyID string, seed, encryptionKey []byte) (*KeyManager, error) {
	if keyID == "" {
		return nil, errors.New("key id must not be empty")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if len(encryptionKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(encryptionKey))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	km := &KeyManager{
		keyID:         keyID,
		public:        priv.Public().(ed25519.PublicKey),
		private:       priv,
		encryptionKey: append([]byte(nil), encryptionKey...),
	}
	return km, nil
}

// KeyID returns the key identifier carried in token headers.
func (km *KeyManager) KeyID() string { return km.keyID }

// PublicKeys returns only public material.
func (km *KeyManager) PublicKeys() PublicKeys {
	return PublicKeys{
		KeyID:     km.keyID,
		PublicKey: append(ed25519.PublicKey(nil), km.public...),
	}
}

// PublicKey returns a copy of the issuer's signing public key.
func (km *KeyManager) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), km.public...)
}

// Sign signs msg with the issuer key.
func (km *KeyManager) Sign(msg []byte) ([]byte, error) {
	return SigningMethodEdDSA.Sign(msg, km.private)
}

// ClientKeys is a client's proof-of-possession keypair.
type ClientKeys struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewClientKeys generates a client keypair.
func NewClientKeys(opts ...KeyOption) (*ClientKeys, error) {
	cfg := keyConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	seed, err := NewSecretGenerator(cfg.entropy).Key(ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: client seed: %v", ErrKeyGeneration, err)
	}
	return ImportClientKeys(seed)
}

// ImportClientKeys rebuilds a client keypair from its seed.
func ImportClientKeys(seed []byte) (*ClientKeys, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("client seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &ClientKeys{public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// PublicKey returns a copy of the client's public key.
func (c *ClientKeys) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), c.public...)
}

// Sign signs msg with the client key.
func (c *ClientKeys) Sign(msg []byte) ([]byte, error) {
	return SigningMethodEdDSA.Sign(msg, c.private)
}

// RID returns the token binding identifier for this client.
func (c *ClientKeys) RID() string { return ComputeRID(c.public) }

// ComputeRID derives the rid claim for a client public key:
// base64url(BLAKE3-256(tag || key)).
func ComputeRID(pub ed25519.PublicKey) string {
	h := blake3.New()
	_, _ = h.Write([]byte(ridTag))
	_, _ = h.Write(pub)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// MatchRID reports whether rid was derived from pub, in constant time.
func MatchRID(rid string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	want := ComputeRID(pub)
	return subtle.ConstantTimeCompare([]byte(rid), []byte(want)) == 1
}
