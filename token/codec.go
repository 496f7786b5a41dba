package token

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/oarkflow/qauth/internal/codec"
)

const tokenSigningTag = "qauth-token-v1"

// b64 is strict unpadded base64url: non-canonical trailing bits are
// rejected so a token has exactly one valid encoding.
var b64 = base64.RawURLEncoding.Strict()

// parsedToken is a token split into its segments. Raw header and
// payload bytes are kept because the signature covers them verbatim.
type parsedToken struct {
	header     Header
	headerRaw  []byte
	payloadRaw []byte
	signature  []byte
}

// encodeToken serializes header and payload, signs them with km and
// returns the three-segment wire form.
func encodeToken(km *KeyManager, h Header, p *Payload) (string, error) {
	headerRaw, err := codec.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	payloadRaw, err := codec.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	in := tokenSigningInput(headerRaw, payloadRaw)
	sig, err := km.Sign(in.Bytes())
	in.Release()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.Grow(b64.EncodedLen(len(headerRaw)) + b64.EncodedLen(len(payloadRaw)) + b64.EncodedLen(len(sig)) + 2)
	sb.WriteString(b64.EncodeToString(headerRaw))
	sb.WriteByte('.')
	sb.WriteString(b64.EncodeToString(payloadRaw))
	sb.WriteByte('.')
	sb.WriteString(b64.EncodeToString(sig))
	return sb.String(), nil
}

func tokenSigningInput(headerRaw, payloadRaw []byte) *signingInput {
	in := newSigningInput(tokenSigningTag)
	in.field(headerRaw)
	in.field(payloadRaw)
	return in
}

// parseToken splits and decodes the wire form and checks the header.
// Every failure is ErrMalformedToken.
func parseToken(s string) (*parsedToken, error) {
	if s == "" || len(s) > maxTokenSize {
		return nil, ErrMalformedToken
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	var pt parsedToken
	var err error
	if pt.headerRaw, err = b64.DecodeString(parts[0]); err != nil {
		return nil, fmt.Errorf("%w: header encoding", ErrMalformedToken)
	}
	if pt.payloadRaw, err = b64.DecodeString(parts[1]); err != nil {
		return nil, fmt.Errorf("%w: payload encoding", ErrMalformedToken)
	}
	if pt.signature, err = b64.DecodeString(parts[2]); err != nil {
		return nil, fmt.Errorf("%w: signature encoding", ErrMalformedToken)
	}
	if err := codec.Unmarshal(pt.headerRaw, &pt.header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	if pt.header.Version != tokenVersion || pt.header.Type != TokenType {
		return nil, fmt.Errorf("%w: unsupported version or type", ErrMalformedToken)
	}
	if _, ok := lookupSigningMethod(pt.header.Alg); !ok {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrMalformedToken, pt.header.Alg)
	}
	return &pt, nil
}

func decodePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := codec.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	if !p.wellFormed() {
		return nil, fmt.Errorf("%w: payload fields out of range", ErrMalformedToken)
	}
	return &p, nil
}

// Inspect decodes a token without verifying it. The result must not be
// used for authorization decisions.
func Inspect(s string) (Header, *Payload, error) {
	pt, err := parseToken(s)
	if err != nil {
		return Header{}, nil, err
	}
	p, err := decodePayload(pt.payloadRaw)
	if err != nil {
		return Header{}, nil, err
	}
	return pt.header, p, nil
}
