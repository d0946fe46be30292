package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Keys     KeysConfig
	Upload   UploadConfig
	Ingest   IngestConfig
	LLM      LLMConfig
	Index    IndexConfig
	Storage  StorageConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type KeysConfig struct {
	// MasterKey is the base64-encoded 32-byte master secret that wraps
	// every tenant key. The process refuses to start without it.
	MasterKey       string
	RotationLockTTL time.Duration
}

type UploadConfig struct {
	MaxSizeBytes int64
}

type IngestConfig struct {
	MaxRetries       int
	ChunkSize        int
	ChunkOverlap     int
	EmbedConcurrency int
	StageTimeout     time.Duration
}

type LLMConfig struct {
	OpenAIKey        string
	AnthropicKey     string
	DefaultProvider  string
	FallbackProvider string
	DefaultModel     string
	EmbeddingModel   string
	MaxRetries       int
}

type IndexConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type StorageConfig struct {
	Backend  string // "local" or "http"
	BaseURL  string
	APIKey   string
	Bucket   string
	LocalDir string
}

func Load() (*Config, error) {
	port, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxUpload, err := getEnvInt("UPLOAD_MAX_SIZE_MB", 50)
	if err != nil {
		return nil, fmt.Errorf("invalid UPLOAD_MAX_SIZE_MB: %w", err)
	}

	ingestRetries, err := getEnvInt("INGEST_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid INGEST_MAX_RETRIES: %w", err)
	}

	chunkSize, err := getEnvInt("INGEST_CHUNK_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("invalid INGEST_CHUNK_SIZE: %w", err)
	}

	chunkOverlap, err := getEnvInt("INGEST_CHUNK_OVERLAP", 200)
	if err != nil {
		return nil, fmt.Errorf("invalid INGEST_CHUNK_OVERLAP: %w", err)
	}

	embedConcurrency, err := getEnvInt("INGEST_EMBED_CONCURRENCY", 4)
	if err != nil {
		return nil, fmt.Errorf("invalid INGEST_EMBED_CONCURRENCY: %w", err)
	}

	llmRetries, err := getEnvInt("LLM_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid LLM_MAX_RETRIES: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: port,
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       maxConns,
			MinConns:       minConns,
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			JWTSecret:  getEnv("JWT_SECRET", ""),
			AccessTTL:  getEnvDuration("AUTH_ACCESS_TTL", 15*time.Minute),
			RefreshTTL: getEnvDuration("AUTH_REFRESH_TTL", 30*24*time.Hour),
		},
		Keys: KeysConfig{
			MasterKey:       getEnv("MASTER_KEY", ""),
			RotationLockTTL: getEnvDuration("KEY_ROTATION_LOCK_TTL", 30*time.Second),
		},
		Upload: UploadConfig{
			MaxSizeBytes: int64(maxUpload) << 20,
		},
		Ingest: IngestConfig{
			MaxRetries:       ingestRetries,
			ChunkSize:        chunkSize,
			ChunkOverlap:     chunkOverlap,
			EmbedConcurrency: embedConcurrency,
			StageTimeout:     getEnvDuration("INGEST_STAGE_TIMEOUT", 5*time.Minute),
		},
		LLM: LLMConfig{
			OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
			AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
			DefaultProvider:  getEnv("LLM_DEFAULT_PROVIDER", "openai"),
			FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
			DefaultModel:     getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			EmbeddingModel:   getEnv("LLM_EMBEDDING_MODEL", "text-embedding-3-small"),
			MaxRetries:       llmRetries,
		},
		Index: IndexConfig{
			BaseURL: getEnv("VECTOR_INDEX_URL", ""),
			APIKey:  getEnv("VECTOR_INDEX_API_KEY", ""),
			Timeout: getEnvDuration("VECTOR_INDEX_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Backend:  getEnv("STORAGE_BACKEND", "local"),
			BaseURL:  getEnv("STORAGE_URL", ""),
			APIKey:   getEnv("STORAGE_API_KEY", ""),
			Bucket:   getEnv("STORAGE_BUCKET", "documents"),
			LocalDir: getEnv("STORAGE_LOCAL_DIR", "data/uploads"),
		},
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.Keys.MasterKey == "" {
		missing = append(missing, "MASTER_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	if _, err := c.MasterKeyBytes(); err != nil {
		return err
	}
	return nil
}

// MasterKeyBytes decodes and validates the configured master secret.
// A bad master key is fatal: no tenant can be served safely without it.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(c.Keys.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("MASTER_KEY is not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("MASTER_KEY must decode to 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
