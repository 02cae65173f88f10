package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// Identity is a node's long-term signing key and the wallet address derived from it.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Address    string
}

// NewIdentity wraps an existing Ed25519 private key.
func NewIdentity(privateKey ed25519.PrivateKey) (Identity, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return Identity{}, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return Identity{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		Address:    AddressFromPublicKey(publicKey),
	}, nil
}

// GenerateIdentity creates a fresh in-memory identity.
func GenerateIdentity() (Identity, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return NewIdentity(privateKey)
}

// AddressFromPublicKey derives the wallet-style address of a public key:
// "0x" followed by the last 20 bytes of its Keccak-256 digest in hex.
func AddressFromPublicKey(publicKey ed25519.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(publicKey)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[len(sum)-20:])
}

// ValidAddress reports whether address has the "0x" + 40 lowercase hex form.
func ValidAddress(address string) bool {
	if len(address) != 42 || !strings.HasPrefix(address, "0x") {
		return false
	}
	for _, c := range address[2:] {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// LoadOrCreateIdentity loads the identity keypair from disk, generating it on first run.
func LoadOrCreateIdentity(privatePath, publicPath string) (Identity, error) {
	privateKey, err := LoadEd25519PrivateKey(privatePath)
	if err == nil {
		identity, err := NewIdentity(privateKey)
		if err != nil {
			return Identity{}, err
		}

		storedPublic, pubErr := LoadEd25519PublicKey(publicPath)
		if pubErr != nil || !bytes.Equal(storedPublic, identity.PublicKey) {
			if err := SaveEd25519PublicKey(publicPath, identity.PublicKey); err != nil {
				return Identity{}, err
			}
		}
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	identity, err := GenerateIdentity()
	if err != nil {
		return Identity{}, err
	}
	if err := SaveEd25519PrivateKey(privatePath, identity.PrivateKey); err != nil {
		return Identity{}, err
	}
	if err := SaveEd25519PublicKey(publicPath, identity.PublicKey); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// LoadEd25519PrivateKey loads an Ed25519 private key from a PEM file.
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readPEMKey(path, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadEd25519PublicKey loads an Ed25519 public key from a PEM file.
func LoadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readPEMKey(path, ed25519PublicPEMType, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// SaveEd25519PrivateKey writes an Ed25519 private key PEM file with 0600 permissions.
func SaveEd25519PrivateKey(path string, key ed25519.PrivateKey) error {
	return writePEMKey(path, ed25519PrivatePEMType, key, ed25519.PrivateKeySize, 0o600)
}

// SaveEd25519PublicKey writes an Ed25519 public key PEM file.
func SaveEd25519PublicKey(path string, key ed25519.PublicKey) error {
	return writePEMKey(path, ed25519PublicPEMType, key, ed25519.PublicKeySize, 0o644)
}

func readPEMKey(path, pemType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(pemType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", strings.ToLower(pemType))
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", strings.ToLower(pemType), block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", strings.ToLower(pemType), len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEMKey(path, pemType string, key []byte, size int, mode os.FileMode) error {
	if len(key) != size {
		return fmt.Errorf("save %s: invalid key size %d", strings.ToLower(pemType), len(key))
	}
	block := &pem.Block{Type: pemType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	var groups []string
	for len(clean) > 4 {
		groups = append(groups, clean[:4])
		clean = clean[4:]
	}
	if clean != "" {
		groups = append(groups, clean)
	}
	return strings.Join(groups, " ")
}
