package client

import (
	"golang.org/x/crypto/ed25519"

	"github.com/tenzoki/brokerlink/internal/auth"
)

// NewNkeySigner builds a nonce-signing callback from a user nkey seed,
// for Options.NonceSigner, without requiring the caller to import
// internal/auth directly.
func NewNkeySigner(seed string) (auth.SignerFunc, error) {
	return auth.NewNkeySigner(seed)
}

// NKeyPublicKey returns the public identity matching an nkey seed, for
// Options.NKeyPub.
func NKeyPublicKey(seed string) (string, error) {
	return auth.NKeyPublicKey(seed)
}

// NewEd25519Signer builds a nonce-signing callback from a raw ed25519
// private key, for a caller holding key material outside the nkey seed
// encoding.
func NewEd25519Signer(priv ed25519.PrivateKey) auth.SignerFunc {
	return auth.NewEd25519Signer(priv)
}
