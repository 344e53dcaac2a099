package keyexchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestImportKeyMatchesCallerDerivation tests that the callee derives the same
// session key from the published public key as the caller derived locally
func TestImportKeyMatchesCallerDerivation(t *testing.T) {
	pair, err := GenerateKeyPair()
	assert.NoError(t, err)

	callerKey, err := pair.SessionKey()
	assert.NoError(t, err)

	calleeKey, err := ImportKey(pair.PublicKey())
	assert.NoError(t, err)

	ciphertext, err := callerKey.Encrypt([]byte(`{"type":"offer","sdp":"v=0"}`))
	assert.NoError(t, err)

	plaintext, err := calleeKey.Decrypt(ciphertext)
	assert.NoError(t, err)
	assert.Equal(t, `{"type":"offer","sdp":"v=0"}`, string(plaintext))
}

// TestKeyPairsAreUnique tests that no two calls share key material
func TestKeyPairsAreUnique(t *testing.T) {
	first, err := GenerateKeyPair()
	assert.NoError(t, err)
	second, err := GenerateKeyPair()
	assert.NoError(t, err)

	assert.NotEqual(t, first.PublicKey(), second.PublicKey())
}

// TestDecryptRejectsTamperedPayload tests AEAD integrity
func TestDecryptRejectsTamperedPayload(t *testing.T) {
	pair, err := GenerateKeyPair()
	assert.NoError(t, err)
	key, err := pair.SessionKey()
	assert.NoError(t, err)

	ciphertext, err := key.Encrypt([]byte("candidate"))
	assert.NoError(t, err)

	// Flip a character in the middle of the payload
	tampered := []byte(ciphertext)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}

	_, err = key.Decrypt(string(tampered))
	assert.Error(t, err)
}

// TestDecryptRejectsWrongKey tests that a key from a different call cannot
// open payloads
func TestDecryptRejectsWrongKey(t *testing.T) {
	firstPair, _ := GenerateKeyPair()
	secondPair, _ := GenerateKeyPair()
	firstKey, _ := firstPair.SessionKey()
	secondKey, _ := secondPair.SessionKey()

	ciphertext, err := firstKey.Encrypt([]byte("sdp"))
	assert.NoError(t, err)

	_, err = secondKey.Decrypt(ciphertext)
	assert.Error(t, err)
}

// TestImportKeyRejectsGarbage tests malformed public key handling
func TestImportKeyRejectsGarbage(t *testing.T) {
	_, err := ImportKey("not base64!!!")
	assert.Error(t, err)

	_, err = ImportKey("c2hvcnQ=") // valid base64, wrong length
	assert.Error(t, err)
}

// TestCodecKeyLifecycle tests the call-scoped cache
func TestCodecKeyLifecycle(t *testing.T) {
	codec := NewCodec()

	_, ok := codec.CachedKey("call_1")
	assert.False(t, ok)

	pair, _ := GenerateKeyPair()
	key, _ := pair.SessionKey()
	codec.CacheKey("call_1", key)

	cached, ok := codec.CachedKey("call_1")
	assert.True(t, ok)
	assert.Same(t, key, cached)
	assert.Equal(t, 1, codec.Size())

	codec.ClearCachedKey("call_1")
	_, ok = codec.CachedKey("call_1")
	assert.False(t, ok)
	assert.Equal(t, 0, codec.Size())

	// Clearing an absent key is a no-op
	codec.ClearCachedKey("call_1")
}
