// Package qauth ties together key management, token issuance and
// validation, proof-of-possession and policy evaluation.
//
// A process calls Init once before use; NewServer and NewClient call it
// on demand. Lower-level building blocks live in the token and policy
// packages.
package qauth

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/qauth/token"
)

const (
	version         = "1.0.0"
	protocolVersion = "1"
)

var (
	// ErrNotInitialized is returned by Init when the crypto self-test fails.
	ErrNotInitialized = errors.New("qauth: library not initialized")
	// ErrKeyBindingMismatch is returned when a bound token is presented
	// with a client key other than the one it was issued to.
	ErrKeyBindingMismatch = errors.New("qauth: client key does not match token binding")
	// ErrInvalidProof is returned when the proof of possession does not verify.
	ErrInvalidProof = errors.New("qauth: invalid proof of possession")
)

var (
	initOnce    sync.Once
	initErr     error
	initialized atomic.Bool
)

// Version returns the library version.
func Version() string { return version }

// ProtocolVersion returns the token wire protocol version.
func ProtocolVersion() string { return protocolVersion }

// Init prepares the library for use. It is safe to call from several
// goroutines; only the first call does any work and every caller sees
// the same result.
func Init() error {
	initOnce.Do(func() {
		if err := selfTest(); err != nil {
			initErr = fmt.Errorf("%w: %v", ErrNotInitialized, err)
			return
		}
		initialized.Store(true)
	})
	return initErr
}

// IsInitialized reports whether Init has completed successfully.
func IsInitialized() bool { return initialized.Load() }

// selfTest signs and verifies with a throwaway key and checks that a
// corrupted signature is rejected.
func selfTest() error {
	keys, err := token.NewClientKeys()
	if err != nil {
		return err
	}
	msg := []byte("qauth self-test")
	sig, err := keys.Sign(msg)
	if err != nil {
		return err
	}
	if err := token.SigningMethodEdDSA.Verify(msg, sig, keys.PublicKey()); err != nil {
		return err
	}
	bad := bytes.Clone(sig)
	bad[0] ^= 0xff
	if token.SigningMethodEdDSA.Verify(msg, bad, keys.PublicKey()) == nil {
		return errors.New("corrupted signature verified")
	}
	return nil
}
