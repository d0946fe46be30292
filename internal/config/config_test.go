package config

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 32))
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "MASTER_KEY")
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := &Config{}
	cfg.Database.URL = "postgres://localhost/docvault"
	cfg.Auth.JWTSecret = "secret"
	cfg.Keys.MasterKey = validKey()

	assert.NoError(t, cfg.Validate())
}

func TestMasterKeyBytes(t *testing.T) {
	cfg := &Config{}

	cfg.Keys.MasterKey = "not base64!!!"
	_, err := cfg.MasterKeyBytes()
	assert.Error(t, err)

	cfg.Keys.MasterKey = base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = cfg.MasterKeyBytes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")

	cfg.Keys.MasterKey = validKey()
	key, err := cfg.MasterKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(50<<20), cfg.Upload.MaxSizeBytes)
	assert.Equal(t, 3, cfg.Ingest.MaxRetries)
	assert.Equal(t, 1000, cfg.Ingest.ChunkSize)
	assert.Equal(t, "openai", cfg.LLM.DefaultProvider)
	assert.Equal(t, "text-embedding-3-small", cfg.LLM.EmbeddingModel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("INGEST_MAX_RETRIES", "7")
	t.Setenv("AUTH_ACCESS_TTL", "1h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Ingest.MaxRetries)
	assert.Equal(t, "1h0m0s", cfg.Auth.AccessTTL.String())
}
