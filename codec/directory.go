package codec

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"walletchat/crypto"
)

// Directory maps wallet addresses to the Ed25519 keys they were derived from.
// It is fed by signaling announces and explicit additions.
type Directory struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{keys: make(map[string]ed25519.PublicKey)}
}

// Add records a public key and returns the address derived from it.
func (d *Directory) Add(publicKey ed25519.PublicKey) string {
	address := crypto.AddressFromPublicKey(publicKey)
	d.mu.Lock()
	d.keys[address] = append(ed25519.PublicKey(nil), publicKey...)
	d.mu.Unlock()
	return address
}

// AddEncoded records a base64 public key announced for address. The address
// must match the key.
func (d *Directory) AddEncoded(address, publicKeyB64 string) error {
	publicKey, err := crypto.DecodePublicKey(publicKeyB64)
	if err != nil {
		return err
	}
	if derived := crypto.AddressFromPublicKey(publicKey); derived != address {
		return fmt.Errorf("codec: public key belongs to %s, not %s", derived, address)
	}
	d.Add(publicKey)
	return nil
}

// Lookup returns the public key for address.
func (d *Directory) Lookup(address string) (ed25519.PublicKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[address]
	return key, ok
}

// Len returns the number of known addresses.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}
