package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/docvault/docvault/internal/config"
)

// Client enqueues pipeline stage tasks. Retries across process crashes
// are driven by the persisted documents.retry_count, so asynq's own retry
// budget is set high enough to never be the limiting factor.
type Client struct {
	inner   *asynq.Client
	timeout time.Duration
}

func NewClient(cfg config.RedisConfig, stageTimeout time.Duration) *Client {
	if stageTimeout <= 0 {
		stageTimeout = 10 * time.Minute
	}
	return &Client{
		inner: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		timeout: stageTimeout,
	}
}

func (c *Client) Close() error { return c.inner.Close() }

func (c *Client) EnqueueExtract(ctx context.Context, documentID, tenantID uuid.UUID) error {
	return c.enqueue(ctx, TypeDocumentExtract, documentID, tenantID)
}

func (c *Client) EnqueueChunk(ctx context.Context, documentID, tenantID uuid.UUID) error {
	return c.enqueue(ctx, TypeDocumentChunk, documentID, tenantID)
}

func (c *Client) EnqueueEmbed(ctx context.Context, documentID, tenantID uuid.UUID) error {
	return c.enqueue(ctx, TypeDocumentEmbed, documentID, tenantID)
}

func (c *Client) EnqueueIndex(ctx context.Context, documentID, tenantID uuid.UUID) error {
	return c.enqueue(ctx, TypeDocumentIndex, documentID, tenantID)
}

func (c *Client) enqueue(ctx context.Context, taskType string, documentID, tenantID uuid.UUID) error {
	task, err := newStageTask(taskType, documentID, tenantID)
	if err != nil {
		return err
	}

	info, err := c.inner.EnqueueContext(ctx, task,
		asynq.Queue(QueueIngest),
		asynq.MaxRetry(20),
		asynq.Timeout(c.timeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}

	slog.Debug("task enqueued", "type", taskType, "task_id", info.ID, "document_id", documentID)
	return nil
}
