package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeDocumentExtract = "document:extract"
	TypeDocumentChunk   = "document:chunk"
	TypeDocumentEmbed   = "document:embed"
	TypeDocumentIndex   = "document:index"
)

const QueueIngest = "ingest"

// StagePayload identifies the document a stage task operates on. The
// tenant id travels with the task so the worker can rebuild the binding.
type StagePayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
}

func newStageTask(taskType string, documentID, tenantID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(StagePayload{DocumentID: documentID, TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return asynq.NewTask(taskType, payload), nil
}

func parseStagePayload(t *asynq.Task) (StagePayload, error) {
	var p StagePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return StagePayload{}, fmt.Errorf("unmarshal %s payload: %w", t.Type(), err)
	}
	if p.DocumentID == uuid.Nil || p.TenantID == uuid.Nil {
		return StagePayload{}, fmt.Errorf("%s payload missing ids", t.Type())
	}
	return p, nil
}
