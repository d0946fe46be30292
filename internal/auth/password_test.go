package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.NoError(t, CheckPassword(hash, "correct horse battery staple"))
	assert.Error(t, CheckPassword(hash, "wrong password"))
}

func TestPasswordMinimumLength(t *testing.T) {
	_, err := HashPassword("short")
	require.Error(t, err)
}
