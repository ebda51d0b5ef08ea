package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewManager(t *testing.T) {
	secret := "test-secret-key-for-testing-purposes"
	accessExpiry := 15 * time.Minute
	refreshExpiry := 24 * time.Hour

	manager := NewManager(secret, accessExpiry, refreshExpiry)

	assert.NotNil(t, manager)
	assert.Equal(t, secret, manager.secretKey)
	assert.Equal(t, accessExpiry, manager.accessTokenDuration)
	assert.Equal(t, refreshExpiry, manager.refreshTokenDuration)
}

func TestGenerateAccessToken(t *testing.T) {
	manager := NewManager("test-secret", 15*time.Minute, 24*time.Hour)
	identityID := uuid.New()

	token, err := manager.GenerateAccessToken(identityID, "patient@example.com", "patient")

	assert.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewManager("test-secret", 15*time.Minute, 24*time.Hour)
	identityID := uuid.New()

	token, err := manager.GenerateAccessToken(identityID, "doctor@example.com", "doctor")
	assert.NoError(t, err)

	claims, err := manager.ValidateToken(token)

	assert.NoError(t, err)
	assert.Equal(t, identityID, claims.IdentityID)
	assert.Equal(t, "doctor@example.com", claims.Email)
	assert.Equal(t, "doctor", claims.Role)
	assert.Contains(t, claims.Audience, Audience)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	manager := NewManager("test-secret", 15*time.Minute, 24*time.Hour)
	otherManager := NewManager("other-secret", 15*time.Minute, 24*time.Hour)
	identityID := uuid.New()

	token, err := manager.GenerateAccessToken(identityID, "patient@example.com", "patient")
	assert.NoError(t, err)

	_, err = otherManager.ValidateToken(token)

	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewManager("test-secret", -1*time.Minute, 24*time.Hour)
	identityID := uuid.New()

	token, err := manager.GenerateAccessToken(identityID, "patient@example.com", "patient")
	assert.NoError(t, err)

	_, err = manager.ValidateToken(token)

	assert.Error(t, err)
	assert.True(t, IsTokenExpired(token))
}

func TestValidateToken_Garbage(t *testing.T) {
	manager := NewManager("test-secret", 15*time.Minute, 24*time.Hour)

	_, err := manager.ValidateToken("not-a-token")

	assert.Error(t, err)
}

func TestExtractIdentityID(t *testing.T) {
	manager := NewManager("test-secret", 15*time.Minute, 24*time.Hour)
	identityID := uuid.New()

	token, err := manager.GenerateAccessToken(identityID, "patient@example.com", "patient")
	assert.NoError(t, err)

	extracted, err := manager.ExtractIdentityID(token)

	assert.NoError(t, err)
	assert.Equal(t, identityID, extracted)
}
