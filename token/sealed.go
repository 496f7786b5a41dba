package token

import (
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/oarkflow/qauth/internal/codec"
	"github.com/oarkflow/qauth/value"
)

// seal encrypts plaintext with XChaCha20-Poly1305. The output is
// nonce || ciphertext. aad binds the ciphertext to its token.
func seal(key, plaintext, aad []byte, entropy io.Reader) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(entropy, dst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReaderFailed, err)
	}
	return aead.Seal(dst, dst, plaintext, aad), nil
}

// open reverses seal.
func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrSealedClaims
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrSealedClaims
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], aad)
	if err != nil {
		return nil, ErrSealedClaims
	}
	return plain, nil
}

// sealClaims encodes claims as CBOR and encrypts them bound to jti.
func (km *KeyManager) sealClaims(jti string, claims value.Map, entropy io.Reader) ([]byte, error) {
	plain, err := codec.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("encode sealed claims: %w", err)
	}
	return seal(km.encryptionKey, plain, []byte(jti), entropy)
}

// OpenSealedClaims decrypts the sealed claims of a validated payload.
// A payload without sealed claims yields an empty map.
func OpenSealedClaims(km *KeyManager, p *Payload) (value.Map, error) {
	if len(p.Sealed) == 0 {
		return value.Map{}, nil
	}
	plain, err := open(km.encryptionKey, p.Sealed, []byte(p.ID))
	if err != nil {
		return nil, err
	}
	var claims value.Map
	if err := codec.Unmarshal(plain, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedClaims, err)
	}
	return claims, nil
}
