package document

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/storage"
	"github.com/docvault/docvault/internal/tenant"
)

// Enqueuer kicks off the first pipeline stage after an upload commits.
type Enqueuer interface {
	EnqueueExtract(ctx context.Context, documentID, tenantID uuid.UUID) error
}

type Service struct {
	db       *pgxpool.Pool
	store    storage.Storage
	bucket   string
	queue    Enqueuer
	maxBytes int64
}

func NewService(db *pgxpool.Pool, store storage.Storage, bucket string, queue Enqueuer, maxBytes int64) *Service {
	return &Service{db: db, store: store, bucket: bucket, queue: queue, maxBytes: maxBytes}
}

type UploadInput struct {
	Filename string
	DocType  string
	Data     []byte
}

// UploadResult reports whether the upload resolved to an existing document
// instead of creating a new one.
type UploadResult struct {
	Document  *models.Document
	Duplicate bool
}

func (s *Service) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}

	if !models.ValidDocType(in.DocType) {
		return nil, apperr.Validation(fmt.Sprintf("unsupported document type %q", in.DocType))
	}
	if len(in.Data) == 0 {
		return nil, apperr.Validation("empty upload")
	}
	if int64(len(in.Data)) > s.maxBytes {
		return nil, apperr.Validation(fmt.Sprintf("file exceeds maximum size of %d bytes", s.maxBytes))
	}

	sum := sha256.Sum256(in.Data)
	contentHash := hex.EncodeToString(sum[:])

	// Same content uploaded twice by the same tenant resolves to the
	// existing document, whatever state its pipeline is in.
	if existing, err := s.getByContentHash(ctx, b.TenantID, contentHash); err == nil {
		return &UploadResult{Document: existing, Duplicate: true}, nil
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}

	docID := uuid.New()
	storagePath := path.Join(b.TenantID.String(), docID.String()+"."+in.DocType)

	if err := s.store.Upload(ctx, s.bucket, storagePath, bytes.NewReader(in.Data)); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	doc := &models.Document{
		ID:          docID,
		TenantID:    b.TenantID,
		Filename:    in.Filename,
		StoragePath: storagePath,
		DocType:     in.DocType,
		SizeBytes:   int64(len(in.Data)),
		ContentHash: contentHash,
		Status:      models.DocStatusUploaded,
	}
	if b.UserID != uuid.Nil {
		doc.CreatedBy = &b.UserID
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO documents (id, tenant_id, filename, storage_path, doc_type, size_bytes, content_hash, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, content_hash) DO NOTHING
		RETURNING created_at, updated_at`,
		doc.ID, doc.TenantID, doc.Filename, doc.StoragePath, doc.DocType, doc.SizeBytes, doc.ContentHash, doc.Status, doc.CreatedBy,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race to a concurrent identical upload. Drop our blob
		// and return the winner.
		if delErr := s.store.Delete(ctx, s.bucket, storagePath); delErr != nil {
			slog.Warn("failed to delete orphaned upload", "path", storagePath, "error", delErr)
		}
		existing, lookupErr := s.getByContentHash(ctx, b.TenantID, contentHash)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return &UploadResult{Document: existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	if err := s.queue.EnqueueExtract(ctx, doc.ID, b.TenantID); err != nil {
		return nil, fmt.Errorf("enqueue extract: %w", err)
	}

	slog.Info("document uploaded",
		"document_id", doc.ID,
		"tenant_id", b.TenantID,
		"doc_type", doc.DocType,
		"size_bytes", doc.SizeBytes,
	)
	return &UploadResult{Document: doc}, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, "id = $1 AND tenant_id = $2", id, b.TenantID)
}

func (s *Service) getByContentHash(ctx context.Context, tenantID uuid.UUID, hash string) (*models.Document, error) {
	return s.get(ctx, "tenant_id = $1 AND content_hash = $2", tenantID, hash)
}

func (s *Service) get(ctx context.Context, where string, args ...any) (*models.Document, error) {
	var d models.Document
	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, filename, storage_path, doc_type, size_bytes, content_hash,
		       status, COALESCE(error_message, ''), retry_count, chunk_count, created_by, created_at, updated_at
		FROM documents WHERE `+where,
		args...,
	).Scan(&d.ID, &d.TenantID, &d.Filename, &d.StoragePath, &d.DocType, &d.SizeBytes, &d.ContentHash,
		&d.Status, &d.ErrorMessage, &d.RetryCount, &d.ChunkCount, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("document not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if err := tenant.AssertOwned(ctx, d.TenantID); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]models.Document, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, filename, storage_path, doc_type, size_bytes, content_hash,
		       status, COALESCE(error_message, ''), retry_count, chunk_count, created_by, created_at, updated_at
		FROM documents
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		b.TenantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Filename, &d.StoragePath, &d.DocType, &d.SizeBytes, &d.ContentHash,
			&d.Status, &d.ErrorMessage, &d.RetryCount, &d.ChunkCount, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := tenant.AssertOwned(ctx, d.TenantID); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Delete removes the document row (chunks cascade), the stored blob, and
// returns the document so the caller can purge the vector index.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	doc, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1 AND tenant_id = $2`, doc.ID, doc.TenantID); err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}

	if err := s.store.Delete(ctx, s.bucket, doc.StoragePath); err != nil {
		slog.Warn("failed to delete stored blob", "path", doc.StoragePath, "error", err)
	}
	return doc, nil
}

// TransitionStatus advances a document from one pipeline state to the
// next. It only succeeds if the row is still in the expected state, so a
// stale worker retrying an already-advanced stage becomes a no-op.
func (s *Service) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return false, err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE documents SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3 AND status = $4`,
		to, id, b.TenantID, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementRetry bumps the persisted retry counter and returns the new
// value. The counter survives worker restarts.
func (s *Service) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.db.QueryRow(ctx, `
		UPDATE documents SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING retry_count`,
		id, b.TenantID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("document not found")
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

// MarkFailed moves a document to the terminal failed state from any
// non-terminal state, recording the reason.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		UPDATE documents SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3 AND tenant_id = $4 AND status NOT IN ($5, $1)`,
		models.DocStatusFailed, reason, id, b.TenantID, models.DocStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *Service) SetChunkCount(ctx context.Context, id uuid.UUID, count int) error {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		UPDATE documents SET chunk_count = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3`,
		count, id, b.TenantID,
	)
	if err != nil {
		return fmt.Errorf("set chunk count: %w", err)
	}
	return nil
}

// ResetForReingest rewinds a failed document to uploaded and clears its
// error state so the pipeline can run again from the top.
func (s *Service) ResetForReingest(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE documents SET status = $1, error_message = NULL, retry_count = 0, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3 AND status = $4`,
		models.DocStatusUploaded, id, b.TenantID, models.DocStatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("reset for reingest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.Validation("document is not in a failed state")
	}

	doc, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.queue.EnqueueExtract(ctx, doc.ID, b.TenantID); err != nil {
		return nil, fmt.Errorf("enqueue extract: %w", err)
	}
	return doc, nil
}

// DownloadRaw fetches the original uploaded bytes for extraction.
func (s *Service) DownloadRaw(ctx context.Context, doc *models.Document) ([]byte, error) {
	rc, err := s.store.Download(ctx, s.bucket, doc.StoragePath)
	if err != nil {
		return nil, apperr.Extraction(fmt.Errorf("download source: %w", err))
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperr.Extraction(fmt.Errorf("read source: %w", err))
	}
	return data, nil
}
