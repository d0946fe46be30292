// Package search implements the query path: embed, retrieve from the
// encrypted index, decrypt, and optionally synthesize an answer.
package search

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/keymanager"
	"github.com/docvault/docvault/internal/metrics"
	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/vectorindex"
)

const (
	defaultTopK = 5
	maxTopK     = 20
)

// Embedder embeds the query text.
type Embedder interface {
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// Chunks resolves index hits to encrypted chunk rows.
type Chunks interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.DocumentChunk, error)
}

// Keys resolves historical tenant keys for decryption.
type Keys interface {
	KeyByFingerprint(ctx context.Context, fingerprint string) (*keymanager.KeyHandle, error)
}

// Logger appends the audit row for a served query.
type Logger interface {
	Append(ctx context.Context, log *models.SearchLog) error
}

// ResultChunk is a decrypted, ranked chunk returned to the caller.
type ResultChunk struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Sequence   int       `json:"sequence"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
}

// Result is a search response. Answer is nil when synthesis was skipped
// or degraded; the ranked chunks are always present.
type Result struct {
	Answer   *Synthesis    `json:"answer,omitempty"`
	Chunks   []ResultChunk `json:"chunks"`
	Degraded bool          `json:"degraded,omitempty"`
}

type Gateway struct {
	embedder    Embedder
	index       vectorindex.Index
	chunks      Chunks
	keys        Keys
	synthesizer Synthesizer
	logs        Logger
}

func NewGateway(embedder Embedder, index vectorindex.Index, chunks Chunks, keys Keys, synthesizer Synthesizer, logs Logger) *Gateway {
	return &Gateway{
		embedder:    embedder,
		index:       index,
		chunks:      chunks,
		keys:        keys,
		synthesizer: synthesizer,
		logs:        logs,
	}
}

// Search runs the full query path for the bound tenant. The index is
// queried under the binding's namespace only; namespace never comes from
// client input.
func (g *Gateway) Search(ctx context.Context, query string, topK int) (*Result, error) {
	start := time.Now()

	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("query must not be empty")
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	result, err := g.run(ctx, b, query, topK)

	latency := time.Since(start)
	metrics.SearchResultsTotal.Inc()
	metrics.SearchLatency.Observe(latency.Seconds())

	// The audit row is written whether the search succeeded or not.
	resultCount := 0
	if result != nil {
		resultCount = len(result.Chunks)
	}
	logErr := g.logs.Append(ctx, &models.SearchLog{
		QueryText:   query,
		LatencyMs:   latency.Milliseconds(),
		ResultCount: resultCount,
	})
	if logErr != nil {
		slog.Error("failed to append search log", "tenant_id", b.TenantID, "error", logErr)
	}

	return result, err
}

func (g *Gateway) run(ctx context.Context, b tenant.Binding, query string, topK int) (*Result, error) {
	vector, err := g.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := g.index.Query(ctx, b.Namespace, vector, topK)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return &Result{Chunks: []ResultChunk{}}, nil
	}

	ids := make([]uuid.UUID, len(hits))
	scores := make(map[uuid.UUID]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		scores[h.ChunkID] = h.Score
	}

	rows, err := g.chunks.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]models.DocumentChunk, len(rows))
	for _, c := range rows {
		byID[c.ID] = c
	}

	handles := make(map[string]*keymanager.KeyHandle)
	chunks := make([]ResultChunk, 0, len(hits))
	for _, h := range hits {
		c, ok := byID[h.ChunkID]
		if !ok {
			// Hit points at a chunk this tenant does not own, or one
			// deleted since indexing. Skip it.
			continue
		}

		key, ok := handles[c.KeyFingerprint]
		if !ok {
			key, err = g.keys.KeyByFingerprint(ctx, c.KeyFingerprint)
			if err != nil {
				return nil, err
			}
			handles[c.KeyFingerprint] = key
		}

		plaintext, err := key.Decrypt(c.Ciphertext)
		if err != nil {
			return nil, err
		}

		chunks = append(chunks, ResultChunk{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Sequence:   c.Sequence,
			Text:       string(plaintext),
			Score:      scores[c.ID],
		})
	}

	result := &Result{Chunks: chunks}
	if len(chunks) == 0 || g.synthesizer == nil {
		return result, nil
	}

	passages := make([]string, len(chunks))
	for i, c := range chunks {
		passages[i] = c.Text
	}

	synthesis, err := g.synthesizer.Synthesize(ctx, query, passages)
	if err != nil {
		if apperr.Is(err, apperr.KindLLM) {
			// Synthesis is best effort; the ranked chunks still answer.
			slog.Warn("answer synthesis degraded", "tenant_id", b.TenantID, "error", err)
			result.Degraded = true
			return result, nil
		}
		return nil, err
	}
	// Passage numbers in the answer map back to the ranked chunks.
	for _, n := range citedPassages(synthesis.Answer, len(chunks)) {
		synthesis.CitedChunkIDs = append(synthesis.CitedChunkIDs, chunks[n-1].ChunkID)
	}
	result.Answer = synthesis
	return result, nil
}
