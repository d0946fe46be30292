package vectorindex

import (
	"context"

	"github.com/google/uuid"
)

// CipherVector is a vector whose float payload has been encrypted with a
// tenant key. The index service only ever sees ciphertext.
type CipherVector struct {
	ChunkID          uuid.UUID `json:"chunk_id"`
	DocumentID       uuid.UUID `json:"document_id"`
	Dimension        int       `json:"dimension"`
	VectorCiphertext []byte    `json:"vector_ciphertext"`
	KeyFingerprint   string    `json:"key_fingerprint"`
}

// Hit is a single similarity match returned by the index.
type Hit struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Score      float64   `json:"score"`
}

// Index is the encrypted vector index collaborator. Namespaces are opaque
// strings; every call is scoped to exactly one namespace.
type Index interface {
	CreateNamespace(ctx context.Context, namespace string) error
	DeleteNamespace(ctx context.Context, namespace string) error
	Upsert(ctx context.Context, namespace string, vectors []CipherVector) error
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Hit, error)
	DeleteDocument(ctx context.Context, namespace string, documentID uuid.UUID) error
}
