package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/docvault/docvault/internal/config"
)

type Storage interface {
	Upload(ctx context.Context, bucket, path string, data io.Reader) error
	Download(ctx context.Context, bucket, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, path string) error
}

func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalStorage(cfg.LocalDir), nil
	case "http":
		return NewHTTPStorage(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
