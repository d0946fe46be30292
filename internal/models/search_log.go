package models

import (
	"time"

	"github.com/google/uuid"
)

// SearchLog is append-only; rows are never updated.
type SearchLog struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	TenantID    uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	UserID      *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	QueryText   string     `json:"query_text" db:"query_text"`
	LatencyMs   int64      `json:"latency_ms" db:"latency_ms"`
	ResultCount int        `json:"result_count" db:"result_count"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
