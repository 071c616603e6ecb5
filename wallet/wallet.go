package wallet

import (
	"crypto/ed25519"

	"github.com/tolelom/quorumnet/crypto"
)

// Wallet holds a validator's ed25519 key pair and its derived committee
// address.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// Ed25519PrivateKey returns the key in the stdlib ed25519.PrivateKey shape
// expected by primary.Identity and the gateway's handshake signer.
func (w *Wallet) Ed25519PrivateKey() ed25519.PrivateKey {
	return ed25519.PrivateKey(w.priv)
}

// PubKey returns the hex-encoded ed25519 public key.
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// Address returns the validator's committee address: the first 20 bytes of
// SHA-256(pubkey), hex-encoded.
func (w *Wallet) Address() string {
	return w.pub.Address()
}
