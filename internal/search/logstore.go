package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/tenant"
)

// LogStore appends search audit rows. Rows are never updated or deleted
// except by tenant cascade.
type LogStore struct {
	db *pgxpool.Pool
}

func NewLogStore(db *pgxpool.Pool) *LogStore {
	return &LogStore{db: db}
}

func (s *LogStore) Append(ctx context.Context, log *models.SearchLog) error {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return err
	}

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	log.TenantID = b.TenantID
	if b.UserID != uuid.Nil {
		log.UserID = &b.UserID
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO search_logs (id, tenant_id, user_id, query_text, latency_ms, result_count)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		log.ID, log.TenantID, log.UserID, log.QueryText, log.LatencyMs, log.ResultCount,
	)
	if err != nil {
		return fmt.Errorf("append search log: %w", err)
	}
	return nil
}

// List returns recent searches for the bound tenant, newest first.
func (s *LogStore) List(ctx context.Context, limit, offset int) ([]models.SearchLog, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, user_id, query_text, latency_ms, result_count, created_at
		FROM search_logs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		b.TenantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list search logs: %w", err)
	}
	defer rows.Close()

	var logs []models.SearchLog
	for rows.Next() {
		var l models.SearchLog
		if err := rows.Scan(&l.ID, &l.TenantID, &l.UserID, &l.QueryText, &l.LatencyMs, &l.ResultCount, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search log: %w", err)
		}
		if err := tenant.AssertOwned(ctx, l.TenantID); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
