package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/models"
)

func testUser() *models.User {
	return &models.User{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Email:    "user@example.com",
		Role:     "user",
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	u := testUser()

	token, err := IssueAccessToken(secret, u, time.Minute)
	require.NoError(t, err)

	claims, err := VerifyAccessToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, u.ID.String(), claims.Subject)
	assert.Equal(t, u.TenantID.String(), claims.TenantID)
	assert.Equal(t, "user", claims.Role)
}

func TestVerifyExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueAccessToken(secret, testUser(), -time.Minute)
	require.NoError(t, err)

	_, err = VerifyAccessToken(secret, token)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := IssueAccessToken([]byte("secret-a"), testUser(), time.Minute)
	require.NoError(t, err)

	_, err = VerifyAccessToken([]byte("secret-b"), token)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))
}

func TestVerifyMalformedToken(t *testing.T) {
	for _, tok := range []string{"", "garbage", "a.b.c"} {
		_, err := VerifyAccessToken([]byte("secret"), tok)
		require.Error(t, err, "token %q", tok)
		assert.True(t, apperr.Is(err, apperr.KindAuthentication))
	}
}

func TestRefreshTokenHash(t *testing.T) {
	token, hash, err := NewRefreshToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, hash, HashRefreshToken(token))
	assert.NotEqual(t, token, hash)

	other, _, err := NewRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}
