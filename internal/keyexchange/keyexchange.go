// Package keyexchange implements the per-call key exchange used to encrypt
// signaling payloads end to end, so the relay store never observes session
// descriptions or network-path candidates in the clear.
package keyexchange

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this protocol
const hkdfInfo = "peercall/call-signal/v1"

// KeyPair is a fresh asymmetric key pair generated for a single call.
// Key pairs are never reused across calls.
type KeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateKeyPair produces a fresh X25519 key pair for one call
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// PublicKey returns the serialized public key published on the call invitation
func (kp *KeyPair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(kp.private.PublicKey().Bytes())
}

// SessionKey is the symmetric key material used to encrypt and decrypt all
// signals for one call. Its lifetime is exactly the duration of the call.
type SessionKey struct {
	aead cipher.AEAD
}

// SessionKey derives the caller-side session key from the pair
func (kp *KeyPair) SessionKey() (*SessionKey, error) {
	return deriveSessionKey(kp.private.PublicKey().Bytes())
}

// ImportKey derives the callee-side session key from the caller's published
// public key, matching the key the caller derived at invitation time.
func ImportKey(serializedPublicKey string) (*SessionKey, error) {
	raw, err := base64.StdEncoding.DecodeString(serializedPublicKey)
	if err != nil {
		return nil, fmt.Errorf("malformed public key: %w", err)
	}
	if _, err := ecdh.X25519().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return deriveSessionKey(raw)
}

func deriveSessionKey(material []byte) (*SessionKey, error) {
	kdf := hkdf.New(sha256.New, material, nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct cipher: %w", err)
	}
	return &SessionKey{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext)
func (k *SessionKey) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a payload produced by Encrypt
func (k *SessionKey) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	if len(raw) < k.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:k.aead.NonceSize()], raw[k.aead.NonceSize():]
	plaintext, err := k.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

// Codec owns the call-scoped session key cache. One instance is constructed
// per process and shared by the signaling channel and orchestrator.
type Codec struct {
	mu   sync.RWMutex
	keys map[string]*SessionKey
}

// NewCodec creates an empty codec
func NewCodec() *Codec {
	return &Codec{keys: make(map[string]*SessionKey)}
}

// CacheKey stores the session key for a call; it replaces any previous key
func (c *Codec) CacheKey(callID string, key *SessionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[callID] = key
}

// CachedKey returns the session key for a call, if one is cached
func (c *Codec) CachedKey(callID string) (*SessionKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[callID]
	return key, ok
}

// ClearCachedKey destroys the session key for a call; called when the call ends
func (c *Codec) ClearCachedKey(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, callID)
}

// Size returns the number of cached keys
func (c *Codec) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
