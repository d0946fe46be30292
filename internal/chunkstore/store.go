package chunkstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/tenant"
)

// Store persists encrypted chunk rows. Every query filters on the tenant
// from the context binding; a chunk belonging to another tenant is
// indistinguishable from a missing one.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) InsertBatch(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		if c.TenantID != b.TenantID {
			return apperr.Authorization("chunk tenant mismatch")
		}
		batch.Queue(`
			INSERT INTO document_chunks (id, document_id, tenant_id, sequence, ciphertext, key_fingerprint, embedding_dimension, vector_ciphertext, indexed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.DocumentID, c.TenantID, c.Sequence, c.Ciphertext, c.KeyFingerprint, c.EmbeddingDimension, c.VectorCiphertext, c.Indexed,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert chunk batch: %w", err)
		}
	}
	return nil
}

func (s *Store) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]models.DocumentChunk, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, document_id, tenant_id, sequence, ciphertext, key_fingerprint, embedding_dimension, vector_ciphertext, indexed, created_at
		FROM document_chunks
		WHERE document_id = $1 AND tenant_id = $2
		ORDER BY sequence`,
		documentID, b.TenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(ctx, rows)
}

// GetByIDs resolves index hits back to chunk rows. IDs from other tenants
// are silently absent from the result.
func (s *Store) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.DocumentChunk, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, document_id, tenant_id, sequence, ciphertext, key_fingerprint, embedding_dimension, vector_ciphertext, indexed, created_at
		FROM document_chunks
		WHERE id = ANY($1) AND tenant_id = $2`,
		ids, b.TenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(ctx, rows)
}

func (s *Store) SetVectorCiphertext(ctx context.Context, chunkID uuid.UUID, dimension int, vectorCiphertext []byte) error {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE document_chunks
		SET embedding_dimension = $1, vector_ciphertext = $2
		WHERE id = $3 AND tenant_id = $4`,
		dimension, vectorCiphertext, chunkID, b.TenantID,
	)
	if err != nil {
		return fmt.Errorf("set vector ciphertext: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("chunk not found")
	}
	return nil
}

func (s *Store) MarkIndexed(ctx context.Context, documentID uuid.UUID) error {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		UPDATE document_chunks SET indexed = TRUE
		WHERE document_id = $1 AND tenant_id = $2`,
		documentID, b.TenantID,
	)
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	return nil
}

func (s *Store) DeleteForDocument(ctx context.Context, documentID uuid.UUID) error {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		DELETE FROM document_chunks WHERE document_id = $1 AND tenant_id = $2`,
		documentID, b.TenantID,
	)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func scanChunks(ctx context.Context, rows pgx.Rows) ([]models.DocumentChunk, error) {
	var chunks []models.DocumentChunk
	for rows.Next() {
		var c models.DocumentChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.TenantID, &c.Sequence, &c.Ciphertext, &c.KeyFingerprint, &c.EmbeddingDimension, &c.VectorCiphertext, &c.Indexed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := tenant.AssertOwned(ctx, c.TenantID); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
