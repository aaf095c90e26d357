package crypto

import (
	"fmt"
	"sort"
	"sync"
)

// KeyRing holds multiple signing keys to support rotation: CATs signed
// under a retired key must remain verifiable as long as the key is not
// revoked from the ring.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]*Ed25519Signer // keyID -> signer
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		signers: make(map[string]*Ed25519Signer),
	}
}

// AddKey adds a signer to the keyring.
func (k *KeyRing) AddKey(s *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID] = s
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
}

// activeKeyID returns the lexicographically last key, treated as the
// newest/active signing key.
func (k *KeyRing) activeKeyID() (string, error) {
	keys := make([]string, 0, len(k.signers))
	for id := range k.signers {
		keys = append(keys, id)
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("crypto: no keyring keys available")
	}
	sort.Strings(keys)
	return keys[len(keys)-1], nil
}

// Sign signs data with the active key and returns the hex signature and
// the ID of the key that produced it.
func (k *KeyRing) Sign(data []byte) (string, string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keyID, err := k.activeKeyID()
	if err != nil {
		return "", "", err
	}
	sig, err := k.signers[keyID].Sign(data)
	if err != nil {
		return "", "", err
	}
	return sig, keyID, nil
}

// VerifyWithKey verifies a signature against a specific key ID, which may
// be a retired (non-active) key still in the ring. A revoked key has been
// removed from the ring and yields an error.
func (k *KeyRing) VerifyWithKey(keyID string, message []byte, signature []byte) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	signer, exists := k.signers[keyID]
	if !exists {
		return false, fmt.Errorf("crypto: unknown or revoked key: %s", keyID)
	}
	return signer.Verify(message, signature), nil
}
