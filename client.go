package qauth

import (
	"crypto/ed25519"

	"github.com/oarkflow/qauth/token"
)

// Client holds a client keypair and signs proofs of possession with it.
type Client struct {
	keys   *token.ClientKeys
	signer *token.ProofSigner
}

// NewClient generates a client keypair, initializing the library if needed.
func NewClient(opts ...token.KeyOption) (*Client, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	keys, err := token.NewClientKeys(opts...)
	if err != nil {
		return nil, err
	}
	return newClient(keys)
}

// ImportClient restores a client from its 32-byte Ed25519 seed.
func ImportClient(seed []byte) (*Client, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	keys, err := token.ImportClientKeys(seed)
	if err != nil {
		return nil, err
	}
	return newClient(keys)
}

func newClient(keys *token.ClientKeys, opts ...token.SignerOption) (*Client, error) {
	signer, err := token.NewProofSigner(keys, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{keys: keys, signer: signer}, nil
}

// PublicKey returns a copy of the client public key. Pass it as
// token.CreateOptions.ClientKey to bind a token to this client.
func (c *Client) PublicKey() ed25519.PublicKey { return c.keys.PublicKey() }

// RID returns the binding identifier tokens issued to this client carry.
func (c *Client) RID() string { return c.keys.RID() }

// CreateProof signs a proof that the caller holds the client key for a
// request with the given method, URI, token and body.
func (c *Client) CreateProof(method, uri, tok string, body []byte) (string, error) {
	return c.signer.CreateProof(method, uri, tok, body)
}
