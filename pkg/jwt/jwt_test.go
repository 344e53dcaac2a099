package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewManager(t *testing.T) {
	secret := "test-secret-key-for-testing-purposes"
	lifetime := 15 * time.Minute

	manager := NewManager(secret, lifetime)

	assert.NotNil(t, manager)
	assert.Equal(t, secret, manager.secretKey)
	assert.Equal(t, lifetime, manager.tokenLifetime)
}

func TestGenerateToken(t *testing.T) {
	manager := NewManager("test-secret", 15*time.Minute)

	token, err := manager.GenerateToken("user_a")

	assert.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewManager("test-secret", 15*time.Minute)

	token, err := manager.GenerateToken("user_a")
	assert.NoError(t, err)

	claims, err := manager.ValidateToken(token)

	assert.NoError(t, err)
	assert.NotNil(t, claims)
	assert.Equal(t, "user_a", claims.UserID)
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	// Create manager with very short expiry
	manager := NewManager("test-secret", 1*time.Nanosecond)

	token, err := manager.GenerateToken("user_a")
	assert.NoError(t, err)

	// Wait for token to expire
	time.Sleep(10 * time.Millisecond)

	claims, err := manager.ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateToken_InvalidToken(t *testing.T) {
	manager := NewManager("test-secret", 15*time.Minute)

	claims, err := manager.ValidateToken("invalid.token.here")

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	// Generate with one secret
	manager1 := NewManager("secret-1", 15*time.Minute)
	token, err := manager1.GenerateToken("user_a")
	assert.NoError(t, err)

	// Validate with a different secret
	manager2 := NewManager("secret-2", 15*time.Minute)
	claims, err := manager2.ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestTokenClaims(t *testing.T) {
	manager := NewManager("test-secret", 15*time.Minute)

	token, err := manager.GenerateToken("user_a")
	assert.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	assert.NoError(t, err)

	assert.Equal(t, "user_a", claims.UserID)
	assert.NotZero(t, claims.IssuedAt)
	assert.NotZero(t, claims.ExpiresAt)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt.Time))
	assert.Equal(t, "peercall-relay", claims.Issuer)
	assert.Equal(t, "user_a", claims.Subject)
}

func TestIsTokenExpired(t *testing.T) {
	manager := NewManager("test-secret", 1*time.Nanosecond)

	token, err := manager.GenerateToken("user_a")
	assert.NoError(t, err)

	// Wait for expiration
	time.Sleep(10 * time.Millisecond)

	assert.True(t, IsTokenExpired(token))
}
