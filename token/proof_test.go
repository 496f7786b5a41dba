package token_test

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/qauth/token"
)

func newProofPair(t testing.TB, vopts ...token.ProofValidatorOption) (*token.ProofSigner, *token.ProofValidator, *token.ClientKeys) {
	t.Helper()
	client, err := token.NewClientKeys()
	require.NoError(t, err)
	signer, err := token.NewProofSigner(client, token.WithSignerNow(fixed(t0)))
	require.NoError(t, err)
	validator, err := token.NewProofValidator(client.PublicKey(), vopts...)
	require.NoError(t, err)
	return signer, validator, client
}

func TestProofBinding(t *testing.T) {
	signer, validator, _ := newProofPair(t)
	const tok = "h.p.s"
	body := []byte(`{"amount":10}`)

	proof, err := signer.CreateProof("POST", "/api/transfer", tok, body)
	require.NoError(t, err)

	ok, err := validator.Validate(proof, "POST", "/api/transfer", tok, body)
	require.NoError(t, err)
	assert.True(t, ok)

	cases := []struct {
		name               string
		method, uri, token string
		body               []byte
	}{
		{"method", "PUT", "/api/transfer", tok, body},
		{"uri", "POST", "/api/transfer?x=1", tok, body},
		{"token", "POST", "/api/transfer", "h.p.t", body},
		{"body", "POST", "/api/transfer", tok, []byte(`{"amount":11}`)},
		{"no body", "POST", "/api/transfer", tok, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := validator.Validate(proof, tc.method, tc.uri, tc.token, tc.body)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestProofSeparatorsCannotShift(t *testing.T) {
	signer, validator, _ := newProofPair(t)
	proof, err := signer.CreateProof("GET", "/a/b", "tok", nil)
	require.NoError(t, err)
	ok, err := validator.Validate(proof, "GET/a", "/b", "tok", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProofNilAndEmptyBodyEquivalent(t *testing.T) {
	signer, validator, _ := newProofPair(t)
	proof, err := signer.CreateProof("GET", "/", "tok", nil)
	require.NoError(t, err)
	ok, err := validator.Validate(proof, "GET", "/", "tok", []byte{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProofWrongClientKey(t *testing.T) {
	signer, _, _ := newProofPair(t)
	_, other, _ := newProofPair(t)
	proof, err := signer.CreateProof("GET", "/", "tok", nil)
	require.NoError(t, err)
	ok, err := other.Validate(proof, "GET", "/", "tok", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedProof(t *testing.T) {
	_, validator, _ := newProofPair(t)
	cases := map[string]string{
		"empty":      "",
		"not base64": "***",
		"not cbor":   base64.RawURLEncoding.EncodeToString([]byte{0xff, 0x00}),
		"wrong type": base64.RawURLEncoding.EncodeToString([]byte{0x01}),
	}
	for name, proof := range cases {
		t.Run(name, func(t *testing.T) {
			ok, err := validator.Validate(proof, "GET", "/", "tok", nil)
			assert.False(t, ok)
			assert.ErrorIs(t, err, token.ErrMalformedProof)
		})
	}
}

func TestDecodeProof(t *testing.T) {
	client, err := token.NewClientKeys()
	require.NoError(t, err)
	signer, err := token.NewProofSigner(client,
		token.WithSignerNow(fixed(t0)),
		token.WithSignerEntropy(bytes.NewReader(bytes.Repeat([]byte{5}, 16))),
	)
	require.NoError(t, err)
	proof, err := signer.CreateProof("GET", "/", "tok", nil)
	require.NoError(t, err)

	p, err := token.DecodeProof(proof)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, t0.UnixMilli(), p.Timestamp)
	assert.Equal(t, bytes.Repeat([]byte{5}, 16), p.Nonce)
	assert.Len(t, p.Signature, 64)

	_, err = signer.CreateProof("GET", "/", "tok", nil)
	assert.ErrorIs(t, err, token.ErrKeyGeneration, "entropy exhausted")
}

func TestProofMaxAge(t *testing.T) {
	now := t0.Add(30 * time.Second)
	signer, validator, _ := newProofPair(t,
		token.WithMaxProofAge(time.Minute),
		token.WithProofValidatorNow(func() time.Time { return now }),
	)
	proof, err := signer.CreateProof("GET", "/", "tok", nil)
	require.NoError(t, err)

	ok, err := validator.Validate(proof, "GET", "/", "tok", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	now = t0.Add(2 * time.Minute)
	ok, err = validator.Validate(proof, "GET", "/", "tok", nil)
	require.NoError(t, err)
	assert.False(t, ok, "stale proof")

	now = t0.Add(-2 * time.Minute)
	ok, err = validator.Validate(proof, "GET", "/", "tok", nil)
	require.NoError(t, err)
	assert.False(t, ok, "proof from the future")
}

func TestProofReplayCache(t *testing.T) {
	signer, validator, _ := newProofPair(t, token.WithReplayCache(time.Minute))
	proof, err := signer.CreateProof("GET", "/", "tok", nil)
	require.NoError(t, err)

	ok, err := validator.Validate(proof, "GET", "/", "tok", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = validator.Validate(proof, "GET", "/", "tok", nil)
	require.NoError(t, err)
	assert.False(t, ok, "replayed nonce")

	fresh, err := signer.CreateProof("GET", "/", "tok", nil)
	require.NoError(t, err)
	ok, err = validator.Validate(fresh, "GET", "/", "tok", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProofNonceStoreShared(t *testing.T) {
	store := cache.New(time.Minute, time.Minute)
	signer, first, client := newProofPair(t, token.WithNonceStore(store, time.Minute))
	proof, err := signer.CreateProof("GET", "/", "tok", nil)
	require.NoError(t, err)

	ok, err := first.Validate(proof, "GET", "/", "tok", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	second, err := token.NewProofValidator(client.PublicKey(), token.WithNonceStore(store, time.Minute))
	require.NoError(t, err)
	ok, err = second.Validate(proof, "GET", "/", "tok", nil)
	require.NoError(t, err)
	assert.False(t, ok, "nonce recorded by another validator")

	other, otherValidator, _ := newProofPair(t, token.WithNonceStore(store, time.Minute))
	otherProof, err := other.CreateProof("GET", "/", "tok", nil)
	require.NoError(t, err)
	ok, err = otherValidator.Validate(otherProof, "GET", "/", "tok", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProofNonceEntropyFailure(t *testing.T) {
	client, err := token.NewClientKeys()
	require.NoError(t, err)
	signer, err := token.NewProofSigner(client, token.WithSignerEntropy(bytes.NewReader(make([]byte, 8))))
	require.NoError(t, err)
	_, err = signer.CreateProof("GET", "/", "tok", nil)
	assert.ErrorIs(t, err, token.ErrKeyGeneration)
}

func TestProofReplayAllowedByDefault(t *testing.T) {
	signer, validator, _ := newProofPair(t)
	proof, err := signer.CreateProof("GET", "/", "tok", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ok, err := validator.Validate(proof, "GET", "/", "tok", nil)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func BenchmarkProofRoundTrip(b *testing.B) {
	signer, validator, _ := newProofPair(b)
	body := bytes.Repeat([]byte("x"), 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		proof, err := signer.CreateProof("POST", "/api", "tok", body)
		if err != nil {
			b.Fatal(err)
		}
		if ok, err := validator.Validate(proof, "POST", "/api", "tok", body); err != nil || !ok {
			b.Fatal("proof rejected", err)
		}
	}
}
