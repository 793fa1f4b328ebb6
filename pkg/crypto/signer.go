// Package crypto signs and verifies archive bundles with Ed25519.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidKey is returned for keys or signatures of the wrong shape.
var ErrInvalidKey = errors.New("invalid key")

// Signer interface for cryptographic signatures.
type Signer interface {
	// Sign returns the hex-encoded signature of data.
	Sign(data []byte) (string, error)
	// PublicKey returns the hex-encoded public key.
	PublicKey() string
	PublicKeyBytes() []byte
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

var _ Signer = (*Ed25519Signer)(nil)

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewEd25519SignerFromKey(priv, keyID), nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// Seed returns the 32-byte private seed.
func (s *Ed25519Signer) Seed() []byte {
	return s.privKey.Seed()
}

// Verify verifies a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	v, err := NewEd25519VerifierFromHex(pubKeyHex)
	if err != nil {
		return false, err
	}
	return v.VerifyHex(data, sigHex)
}
