package token

import (
	"crypto/ed25519"
	"errors"
)

// SigningMethod signs and verifies canonical inputs.
// Only EdDSA is supported here.
type SigningMethod interface {
	Alg() string
	Sign(input []byte, key ed25519.PrivateKey) ([]byte, error)
	Verify(input, sig []byte, key ed25519.PublicKey) error
}

// SigningMethodEdDSA implements Ed25519 signing
var SigningMethodEdDSA SigningMethod = &signingMethodEdDSA{}

var signingMethods = map[string]SigningMethod{
	AlgSign: SigningMethodEdDSA,
}

// lookupSigningMethod returns the method registered for alg.
func lookupSigningMethod(alg string) (SigningMethod, bool) {
	m, ok := signingMethods[alg]
	return m, ok
}

type signingMethodEdDSA struct{}

func (m *signingMethodEdDSA) Alg() string { return AlgSign }

func (m *signingMethodEdDSA) Sign(input []byte, key ed25519.PrivateKey) ([]byte, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid Ed25519 private key")
	}
	return ed25519.Sign(key, input), nil
}

func (m *signingMethodEdDSA) Verify(input, sig []byte, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return errors.New("invalid Ed25519 public key")
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(key, input, sig) {
		return ErrInvalidSignature
	}
	return nil
}
