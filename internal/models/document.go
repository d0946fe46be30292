package models

import (
	"time"

	"github.com/google/uuid"
)

type Document struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	TenantID     uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	Filename     string     `json:"filename" db:"filename"`
	StoragePath  string     `json:"-" db:"storage_path"`
	DocType      string     `json:"doc_type" db:"doc_type"`
	SizeBytes    int64      `json:"size_bytes" db:"size_bytes"`
	ContentHash  string     `json:"content_hash" db:"content_hash"`
	Status       string     `json:"status" db:"status"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
	ChunkCount   int        `json:"chunk_count" db:"chunk_count"`
	CreatedBy    *uuid.UUID `json:"created_by,omitempty" db:"created_by"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Pipeline states. A document only ever moves forward through this
// sequence, or sideways to failed from any non-terminal state.
const (
	DocStatusUploaded   = "uploaded"
	DocStatusExtracting = "extracting"
	DocStatusChunking   = "chunking"
	DocStatusEmbedding  = "embedding"
	DocStatusIndexing   = "indexing"
	DocStatusCompleted  = "completed"
	DocStatusFailed     = "failed"
)

const (
	DocTypePDF  = "pdf"
	DocTypeDOCX = "docx"
	DocTypeTXT  = "txt"
)

func ValidDocType(t string) bool {
	switch t {
	case DocTypePDF, DocTypeDOCX, DocTypeTXT:
		return true
	}
	return false
}

// DocumentChunk rows store only ciphertext. The tenant id is denormalized
// so isolation can be checked at the leaf without joining documents.
type DocumentChunk struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	DocumentID         uuid.UUID `json:"document_id" db:"document_id"`
	TenantID           uuid.UUID `json:"tenant_id" db:"tenant_id"`
	Sequence           int       `json:"sequence" db:"sequence"`
	Ciphertext         []byte    `json:"-" db:"ciphertext"`
	KeyFingerprint     string    `json:"-" db:"key_fingerprint"`
	EmbeddingDimension int       `json:"embedding_dimension" db:"embedding_dimension"`
	VectorCiphertext   []byte    `json:"-" db:"vector_ciphertext"`
	Indexed            bool      `json:"indexed" db:"indexed"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}
