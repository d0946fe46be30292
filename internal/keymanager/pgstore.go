package keymanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/models"
)

type PgStore struct {
	db *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) InsertTx(ctx context.Context, tx pgx.Tx, k *models.EncryptionKey) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO encryption_keys (id, tenant_id, fingerprint, wrapped_key, active)
		 VALUES ($1, $2, $3, $4, $5)`,
		k.ID, k.TenantID, k.Fingerprint, k.WrappedKey, k.Active,
	)
	if err != nil {
		return fmt.Errorf("insert encryption key: %w", err)
	}
	return nil
}

func (s *PgStore) ActiveKey(ctx context.Context, tenantID uuid.UUID) (*models.EncryptionKey, error) {
	var k models.EncryptionKey
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, fingerprint, wrapped_key, active, created_at, rotated_at
		 FROM encryption_keys WHERE tenant_id = $1 AND active`, tenantID,
	).Scan(&k.ID, &k.TenantID, &k.Fingerprint, &k.WrappedKey, &k.Active, &k.CreatedAt, &k.RotatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("active key not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get active key: %w", err)
	}
	return &k, nil
}

func (s *PgStore) ByFingerprint(ctx context.Context, tenantID uuid.UUID, fingerprint string) (*models.EncryptionKey, error) {
	var k models.EncryptionKey
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, fingerprint, wrapped_key, active, created_at, rotated_at
		 FROM encryption_keys WHERE tenant_id = $1 AND fingerprint = $2`,
		tenantID, fingerprint,
	).Scan(&k.ID, &k.TenantID, &k.Fingerprint, &k.WrappedKey, &k.Active, &k.CreatedAt, &k.RotatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// A foreign tenant's fingerprint and a missing one look the same.
		return nil, apperr.NotFound("key not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get key by fingerprint: %w", err)
	}
	return &k, nil
}

// Rotate deactivates the previous active key and inserts the new one in a
// single transaction. The partial unique index on (tenant_id) WHERE active
// forces this ordering inside the transaction; commit is atomic, so no
// zero-active-key state is ever observable. Previous keys are kept for
// decrypting chunks sealed under them.
func (s *PgStore) Rotate(ctx context.Context, newKey *models.EncryptionKey) (string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var prev string
	err = tx.QueryRow(ctx,
		`UPDATE encryption_keys SET active = false, rotated_at = now()
		 WHERE tenant_id = $1 AND active
		 RETURNING fingerprint`,
		newKey.TenantID,
	).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.NotFound("active key not found")
	}
	if err != nil {
		return "", fmt.Errorf("deactivate previous key: %w", err)
	}

	if err := s.InsertTx(ctx, tx, newKey); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit rotation: %w", err)
	}
	return prev, nil
}
