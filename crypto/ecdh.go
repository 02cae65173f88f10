package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

var x25519Curve = ecdh.X25519()

// GenerateX25519PrivateKey creates a new ephemeral X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ParseX25519PublicKey parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// SharedSecret runs X25519 between a local private key and a remote public key.
func SharedSecret(privateKey *ecdh.PrivateKey, remote *ecdh.PublicKey) ([]byte, error) {
	secret, err := privateKey.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// X25519PublicFromEd25519 maps an Ed25519 public key onto its Montgomery form
// so a peer's signing key doubles as its static encryption key.
func X25519PublicFromEd25519(publicKey ed25519.PublicKey) (*ecdh.PublicKey, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key length: got %d want %d", len(publicKey), ed25519.PublicKeySize)
	}
	point, err := new(edwards25519.Point).SetBytes(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return ParseX25519PublicKey(point.BytesMontgomery())
}

// X25519PrivateFromEd25519 derives the X25519 scalar matching X25519PublicFromEd25519.
func X25519PrivateFromEd25519(privateKey ed25519.PrivateKey) (*ecdh.PrivateKey, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	h := sha512.Sum512(privateKey.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	scalar, err := x25519Curve.NewPrivateKey(h[:32])
	if err != nil {
		return nil, fmt.Errorf("derive X25519 private key: %w", err)
	}
	return scalar, nil
}
