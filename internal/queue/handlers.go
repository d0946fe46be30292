package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/ingest"
	"github.com/docvault/docvault/internal/metrics"
	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/tenant"
)

// DocumentFailer is the slice of the document service the handlers use to
// track retries and terminal failure.
type DocumentFailer interface {
	IncrementRetry(ctx context.Context, id uuid.UUID) (int, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// TenantBinder rebuilds a worker binding from a task payload.
type TenantBinder interface {
	BindWorker(ctx context.Context, tenantID uuid.UUID) (context.Context, error)
}

// NextEnqueuer hands a document to the next stage.
type NextEnqueuer interface {
	EnqueueChunk(ctx context.Context, documentID, tenantID uuid.UUID) error
	EnqueueEmbed(ctx context.Context, documentID, tenantID uuid.UUID) error
	EnqueueIndex(ctx context.Context, documentID, tenantID uuid.UUID) error
}

// Handlers wires the pipeline stages into asynq task handlers. Each
// handler rebuilds the tenant binding from the task payload before any
// data access.
type Handlers struct {
	tenants    TenantBinder
	pipeline   *ingest.Pipeline
	docs       DocumentFailer
	client     NextEnqueuer
	maxRetries int
}

func NewHandlers(tenants TenantBinder, pipeline *ingest.Pipeline, docs DocumentFailer, client NextEnqueuer, maxRetries int) *Handlers {
	return &Handlers{
		tenants:    tenants,
		pipeline:   pipeline,
		docs:       docs,
		client:     client,
		maxRetries: maxRetries,
	}
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeDocumentExtract, h.HandleExtract)
	mux.HandleFunc(TypeDocumentChunk, h.HandleChunk)
	mux.HandleFunc(TypeDocumentEmbed, h.HandleEmbed)
	mux.HandleFunc(TypeDocumentIndex, h.HandleIndex)
}

func (h *Handlers) HandleExtract(ctx context.Context, t *asynq.Task) error {
	p, ctx, err := h.bind(ctx, t)
	if err != nil {
		return err
	}

	advanced, err := h.pipeline.RunExtract(ctx, p.DocumentID)
	if err != nil {
		return h.stageError(ctx, "extract", p, err)
	}
	metrics.IngestStageTotal.WithLabelValues("extract", "ok").Inc()

	if advanced {
		return h.client.EnqueueChunk(ctx, p.DocumentID, p.TenantID)
	}
	return nil
}

func (h *Handlers) HandleChunk(ctx context.Context, t *asynq.Task) error {
	p, ctx, err := h.bind(ctx, t)
	if err != nil {
		return err
	}

	advanced, err := h.pipeline.RunChunk(ctx, p.DocumentID)
	if err != nil {
		return h.stageError(ctx, "chunk", p, err)
	}
	metrics.IngestStageTotal.WithLabelValues("chunk", "ok").Inc()

	if advanced {
		return h.client.EnqueueEmbed(ctx, p.DocumentID, p.TenantID)
	}
	return nil
}

func (h *Handlers) HandleEmbed(ctx context.Context, t *asynq.Task) error {
	p, ctx, err := h.bind(ctx, t)
	if err != nil {
		return err
	}

	advanced, err := h.pipeline.RunEmbed(ctx, p.DocumentID)
	if err != nil {
		return h.stageError(ctx, "embed", p, err)
	}
	metrics.IngestStageTotal.WithLabelValues("embed", "ok").Inc()

	if advanced {
		return h.client.EnqueueIndex(ctx, p.DocumentID, p.TenantID)
	}
	return nil
}

func (h *Handlers) HandleIndex(ctx context.Context, t *asynq.Task) error {
	p, ctx, err := h.bind(ctx, t)
	if err != nil {
		return err
	}

	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	advanced, err := h.pipeline.RunIndex(ctx, p.DocumentID, b.Namespace)
	if err != nil {
		return h.stageError(ctx, "index", p, err)
	}
	metrics.IngestStageTotal.WithLabelValues("index", "ok").Inc()

	if advanced {
		metrics.IngestDocumentsTotal.WithLabelValues(models.DocStatusCompleted).Inc()
		slog.Info("document completed", "document_id", p.DocumentID, "tenant_id", p.TenantID)
	}
	return nil
}

func (h *Handlers) bind(ctx context.Context, t *asynq.Task) (StagePayload, context.Context, error) {
	p, err := parseStagePayload(t)
	if err != nil {
		// Malformed payloads can never succeed.
		return p, ctx, fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	bound, err := h.tenants.BindWorker(ctx, p.TenantID)
	if err != nil {
		// Tenant deleted or deactivated mid-pipeline. Drop the task.
		slog.Warn("dropping task for unavailable tenant",
			"type", t.Type(), "tenant_id", p.TenantID, "error", err)
		return p, ctx, fmt.Errorf("bind tenant: %v: %w", err, asynq.SkipRetry)
	}
	return p, bound, nil
}

// stageError applies the retry policy. Below the ceiling the error goes
// back to asynq for redelivery; at the ceiling the document is failed
// terminally and its partial chunks are removed. Decryption errors skip
// the ladder and fail immediately.
func (h *Handlers) stageError(ctx context.Context, stage string, p StagePayload, stageErr error) error {
	if apperr.Is(stageErr, apperr.KindNotFound) {
		// Document deleted while in flight.
		slog.Info("stage target gone", "stage", stage, "document_id", p.DocumentID)
		return nil
	}

	if apperr.Is(stageErr, apperr.KindDecryption) {
		// Redelivery would run the same key against the same ciphertext.
		reason := fmt.Sprintf("%s stage: %v", stage, stageErr)
		return h.failTerminally(ctx, stage, p, stageErr, reason)
	}

	count, err := h.docs.IncrementRetry(ctx, p.DocumentID)
	if err != nil {
		slog.Error("failed to record retry", "stage", stage, "document_id", p.DocumentID, "error", err)
		return stageErr
	}

	if count >= h.maxRetries {
		reason := fmt.Sprintf("%s stage failed after %d attempts: %v", stage, count, stageErr)
		return h.failTerminally(ctx, stage, p, stageErr, reason)
	}

	metrics.IngestStageTotal.WithLabelValues(stage, "retry").Inc()
	slog.Warn("stage failed, will retry",
		"stage", stage, "document_id", p.DocumentID, "attempt", count, "error", stageErr)
	return fmt.Errorf("%s stage: %w", stage, stageErr)
}

func (h *Handlers) failTerminally(ctx context.Context, stage string, p StagePayload, stageErr error, reason string) error {
	if err := h.docs.MarkFailed(ctx, p.DocumentID, reason); err != nil {
		slog.Error("failed to mark document failed", "document_id", p.DocumentID, "error", err)
		return stageErr
	}
	if err := h.pipeline.CleanupFailed(ctx, p.DocumentID); err != nil {
		slog.Error("failed to remove partial chunks", "document_id", p.DocumentID, "error", err)
	}
	metrics.IngestStageTotal.WithLabelValues(stage, "failed").Inc()
	metrics.IngestDocumentsTotal.WithLabelValues(models.DocStatusFailed).Inc()
	slog.Error("document failed terminally",
		"stage", stage, "document_id", p.DocumentID, "tenant_id", p.TenantID, "error", stageErr)
	return fmt.Errorf("%s: %v: %w", stage, stageErr, asynq.SkipRetry)
}
