// Package ingest implements the document ingestion pipeline stages.
// Each stage is re-runnable from the last persisted document status, so a
// crashed worker resumes exactly where the previous one committed.
package ingest

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/extract"
	"github.com/docvault/docvault/internal/keymanager"
	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/vectorindex"
	"github.com/docvault/docvault/pkg/chunker"
)

// Documents is the slice of the document service the pipeline needs.
type Documents interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error)
	DownloadRaw(ctx context.Context, doc *models.Document) ([]byte, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	SetChunkCount(ctx context.Context, id uuid.UUID, count int) error
}

// Chunks is the slice of the chunk store the pipeline needs.
type Chunks interface {
	InsertBatch(ctx context.Context, chunks []models.DocumentChunk) error
	ListForDocument(ctx context.Context, documentID uuid.UUID) ([]models.DocumentChunk, error)
	DeleteForDocument(ctx context.Context, documentID uuid.UUID) error
	SetVectorCiphertext(ctx context.Context, chunkID uuid.UUID, dimension int, vectorCiphertext []byte) error
	MarkIndexed(ctx context.Context, documentID uuid.UUID) error
}

// Keys resolves tenant keys from the context binding.
type Keys interface {
	ActiveKey(ctx context.Context) (*keymanager.KeyHandle, error)
	KeyByFingerprint(ctx context.Context, fingerprint string) (*keymanager.KeyHandle, error)
}

// Embedder turns chunk text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	ChunkSize        int
	ChunkOverlap     int
	EmbedConcurrency int
}

type Pipeline struct {
	docs      Documents
	chunks    Chunks
	keys      Keys
	extractor extract.Extractor
	embedder  Embedder
	index     vectorindex.Index
	opts      Options
}

func NewPipeline(docs Documents, chunks Chunks, keys Keys, ex extract.Extractor, em Embedder, idx vectorindex.Index, opts Options) *Pipeline {
	if opts.EmbedConcurrency <= 0 {
		opts.EmbedConcurrency = 4
	}
	return &Pipeline{
		docs:      docs,
		chunks:    chunks,
		keys:      keys,
		extractor: ex,
		embedder:  em,
		index:     idx,
		opts:      opts,
	}
}

// RunExtract verifies the source can be extracted, then hands off to the
// chunking stage. Nothing is persisted here, so a failed attempt leaves no
// partial state behind.
func (p *Pipeline) RunExtract(ctx context.Context, documentID uuid.UUID) (advanced bool, err error) {
	ok, err := p.docs.TransitionStatus(ctx, documentID, models.DocStatusUploaded, models.DocStatusExtracting)
	if err != nil {
		return false, err
	}
	if !ok {
		// Another worker already moved it, or a retry is resuming
		// mid-stage. Only proceed if the document is still extracting.
		doc, err := p.docs.GetByID(ctx, documentID)
		if err != nil {
			return false, err
		}
		if doc.Status != models.DocStatusExtracting {
			slog.Info("extract stage skipped, document already advanced",
				"document_id", documentID, "status", doc.Status)
			return false, nil
		}
	}

	doc, err := p.docs.GetByID(ctx, documentID)
	if err != nil {
		return false, err
	}
	data, err := p.docs.DownloadRaw(ctx, doc)
	if err != nil {
		return false, err
	}
	if _, err := p.extractor.Extract(ctx, data, doc.DocType); err != nil {
		return false, err
	}

	ok, err = p.docs.TransitionStatus(ctx, documentID, models.DocStatusExtracting, models.DocStatusChunking)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// RunChunk re-derives the text (extraction is deterministic), splits it,
// encrypts each chunk under the active key and inserts the rows. Partial
// chunks from an earlier attempt are removed first so the stage is
// idempotent.
func (p *Pipeline) RunChunk(ctx context.Context, documentID uuid.UUID) (advanced bool, err error) {
	doc, err := p.docs.GetByID(ctx, documentID)
	if err != nil {
		return false, err
	}
	if doc.Status != models.DocStatusChunking {
		slog.Info("chunk stage skipped", "document_id", documentID, "status", doc.Status)
		return false, nil
	}

	data, err := p.docs.DownloadRaw(ctx, doc)
	if err != nil {
		return false, err
	}
	res, err := p.extractor.Extract(ctx, data, doc.DocType)
	if err != nil {
		return false, err
	}

	pieces := chunker.Split(res.Content, chunker.Options{
		ChunkSize: p.opts.ChunkSize,
		Overlap:   p.opts.ChunkOverlap,
	})

	key, err := p.keys.ActiveKey(ctx)
	if err != nil {
		return false, err
	}

	if err := p.chunks.DeleteForDocument(ctx, documentID); err != nil {
		return false, err
	}

	rows := make([]models.DocumentChunk, 0, len(pieces))
	for _, piece := range pieces {
		ciphertext, err := key.Encrypt([]byte(piece.Content))
		if err != nil {
			return false, err
		}
		rows = append(rows, models.DocumentChunk{
			ID:             uuid.New(),
			DocumentID:     documentID,
			TenantID:       doc.TenantID,
			Sequence:       piece.Sequence,
			Ciphertext:     ciphertext,
			KeyFingerprint: key.Fingerprint,
		})
	}
	if err := p.chunks.InsertBatch(ctx, rows); err != nil {
		return false, err
	}

	return p.docs.TransitionStatus(ctx, documentID, models.DocStatusChunking, models.DocStatusEmbedding)
}

// RunEmbed decrypts each chunk, embeds it, and persists the vector as
// ciphertext. Chunks that already carry a vector are skipped, so a
// retried stage only pays for what is missing. Plaintext vectors never
// leave process memory.
func (p *Pipeline) RunEmbed(ctx context.Context, documentID uuid.UUID) (advanced bool, err error) {
	doc, err := p.docs.GetByID(ctx, documentID)
	if err != nil {
		return false, err
	}
	if doc.Status != models.DocStatusEmbedding {
		slog.Info("embed stage skipped", "document_id", documentID, "status", doc.Status)
		return false, nil
	}

	chunks, err := p.chunks.ListForDocument(ctx, documentID)
	if err != nil {
		return false, err
	}

	key, err := p.keys.ActiveKey(ctx)
	if err != nil {
		return false, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.EmbedConcurrency)

	for i := range chunks {
		c := chunks[i]
		if len(c.VectorCiphertext) > 0 {
			continue
		}
		g.Go(func() error {
			// Chunks written before a rotation decrypt with the key
			// named by their own fingerprint.
			ck := key
			if c.KeyFingerprint != key.Fingerprint {
				var err error
				ck, err = p.keys.KeyByFingerprint(gctx, c.KeyFingerprint)
				if err != nil {
					return err
				}
			}
			plaintext, err := ck.Decrypt(c.Ciphertext)
			if err != nil {
				return err
			}

			vectors, err := p.embedder.Embed(gctx, []string{string(plaintext)})
			if err != nil {
				return err
			}
			if len(vectors) != 1 {
				return apperr.Embedding(fmt.Errorf("expected 1 vector, got %d", len(vectors)))
			}

			// The vector is sealed under the same key as the chunk text,
			// so the row's key_fingerprint covers both ciphertexts.
			sealed, err := ck.Encrypt(encodeVector(vectors[0]))
			if err != nil {
				return err
			}
			return p.chunks.SetVectorCiphertext(gctx, c.ID, len(vectors[0]), sealed)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	return p.docs.TransitionStatus(ctx, documentID, models.DocStatusEmbedding, models.DocStatusIndexing)
}

// RunIndex pushes the ciphertext vectors to the external index under the
// tenant namespace, then completes the document.
func (p *Pipeline) RunIndex(ctx context.Context, documentID uuid.UUID, namespace string) (advanced bool, err error) {
	doc, err := p.docs.GetByID(ctx, documentID)
	if err != nil {
		return false, err
	}
	if doc.Status != models.DocStatusIndexing {
		slog.Info("index stage skipped", "document_id", documentID, "status", doc.Status)
		return false, nil
	}

	chunks, err := p.chunks.ListForDocument(ctx, documentID)
	if err != nil {
		return false, err
	}

	vectors := make([]vectorindex.CipherVector, 0, len(chunks))
	for _, c := range chunks {
		if len(c.VectorCiphertext) == 0 {
			return false, apperr.Index(fmt.Errorf("chunk %s has no vector", c.ID))
		}
		vectors = append(vectors, vectorindex.CipherVector{
			ChunkID:          c.ID,
			DocumentID:       c.DocumentID,
			Dimension:        c.EmbeddingDimension,
			VectorCiphertext: c.VectorCiphertext,
			KeyFingerprint:   c.KeyFingerprint,
		})
	}

	if err := p.index.Upsert(ctx, namespace, vectors); err != nil {
		return false, err
	}
	if err := p.chunks.MarkIndexed(ctx, documentID); err != nil {
		return false, err
	}
	if err := p.docs.SetChunkCount(ctx, documentID, len(chunks)); err != nil {
		return false, err
	}

	return p.docs.TransitionStatus(ctx, documentID, models.DocStatusIndexing, models.DocStatusCompleted)
}

// CleanupFailed removes partial chunks after a document is marked failed.
func (p *Pipeline) CleanupFailed(ctx context.Context, documentID uuid.UUID) error {
	return p.chunks.DeleteForDocument(ctx, documentID)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of the encoding used before vector
// encryption.
func DecodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
