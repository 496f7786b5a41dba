package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/oarkflow/qauth"
	"github.com/oarkflow/qauth/token"
)

// Entry names in a key file.
const (
	keyIDEntry         = "QAUTH_KEY_ID"
	signingSeedEntry   = "QAUTH_SIGNING_SEED"
	encryptionKeyEntry = "QAUTH_ENCRYPTION_KEY"
	publicKeyEntry     = "QAUTH_PUBLIC_KEY"
	clientSeedEntry    = "QAUTH_CLIENT_SEED"
	clientPublicEntry  = "QAUTH_CLIENT_PUBLIC_KEY"
)

var b64 = base64.RawURLEncoding

// writeIssuerKeys generates issuer key material and stores it in path.
func writeIssuerKeys(path, keyID string) (*token.KeyManager, error) {
	gen := token.NewSecretGenerator()
	seed, err := gen.Key(ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	enc, err := gen.Key(chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	if keyID == "" {
		if keyID, err = gen.String(16); err != nil {
			return nil, err
		}
	}
	km, err := token.ImportKeyManager(keyID, seed, enc)
	if err != nil {
		return nil, err
	}
	entries := [][2]string{
		{keyIDEntry, keyID},
		{signingSeedEntry, b64.EncodeToString(seed)},
		{encryptionKeyEntry, b64.EncodeToString(enc)},
		{publicKeyEntry, b64.EncodeToString(km.PublicKey())},
	}
	if err := writeEntries(path, entries); err != nil {
		return nil, err
	}
	return km, nil
}

// writeClientKeys generates a client seed and stores it in path.
func writeClientKeys(path string) (*qauth.Client, error) {
	seed, err := token.NewSecretGenerator().Key(ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	c, err := qauth.ImportClient(seed)
	if err != nil {
		return nil, err
	}
	entries := [][2]string{
		{clientSeedEntry, b64.EncodeToString(seed)},
		{clientPublicEntry, b64.EncodeToString(c.PublicKey())},
	}
	if err := writeEntries(path, entries); err != nil {
		return nil, err
	}
	return c, nil
}

func writeEntries(path string, entries [][2]string) error {
	for _, e := range entries {
		if err := token.WriteSecret(path, e[0], e[1]); err != nil {
			return fmt.Errorf("write %s: %w", e[0], err)
		}
	}
	return nil
}

func readBytes(path, key string) ([]byte, error) {
	s, err := token.ReadSecret(path, key)
	if err != nil {
		return nil, err
	}
	b, err := b64.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s in %s: %w", key, path, err)
	}
	return b, nil
}

// loadIssuerKeys reads a key file written by writeIssuerKeys.
func loadIssuerKeys(path string) (*token.KeyManager, error) {
	keyID, err := token.ReadSecret(path, keyIDEntry)
	if err != nil {
		return nil, err
	}
	seed, err := readBytes(path, signingSeedEntry)
	if err != nil {
		return nil, err
	}
	enc, err := readBytes(path, encryptionKeyEntry)
	if err != nil {
		return nil, err
	}
	return token.ImportKeyManager(keyID, seed, enc)
}

// loadClient reads a key file written by writeClientKeys.
func loadClient(path string) (*qauth.Client, error) {
	seed, err := readBytes(path, clientSeedEntry)
	if err != nil {
		return nil, err
	}
	return qauth.ImportClient(seed)
}

// parseClientKey accepts a base64url public key or the path of a client
// key file.
func parseClientKey(s string) (ed25519.PublicKey, error) {
	if s == "" {
		return nil, nil
	}
	if _, err := os.Stat(s); err == nil {
		return readBytes(s, clientPublicEntry)
	}
	b, err := b64.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("client key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("client key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return b, nil
}

// createBackup copies path to path.bak when path exists.
func createBackup(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := os.WriteFile(path+".bak", data, 0o600); err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	return nil
}
