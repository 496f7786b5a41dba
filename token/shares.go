package token

import (
	"errors"
	"fmt"

	"github.com/oarkflow/shamir"
	"golang.org/x/crypto/chacha20poly1305"
)

// SplitEncryptionKey splits the encryption key into total Shamir shares,
// any threshold of which recover it. Persist the shares separately.
func (km *KeyManager) SplitEncryptionKey(total, threshold int) ([][]byte, error) {
	if threshold < 2 || total < threshold {
		return nil, errors.New("shares: need 2 ≤ threshold ≤ total")
	}
	shares, err := shamir.Split(km.encryptionKey, total, threshold)
	if err != nil {
		return nil, fmt.Errorf("shares: split: %w", err)
	}
	return shares, nil
}

// RecoverEncryptionKey reconstructs an encryption key from shares.
// Pass the result to ImportKeyManager.
func RecoverEncryptionKey(shares [][]byte) ([]byte, error) {
	secret, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("shares: combine: %w", err)
	}
	if len(secret) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("shares: recovered key is %d bytes, want %d", len(secret), chacha20poly1305.KeySize)
	}
	return secret, nil
}
