package webhook

import (
	"encoding/json"
	"time"

	"github.com/dedezza1D/taskpulse/internal/store"
)

// Payload is the canonical body POSTed to a callback URL when a task reaches
// completed or failed. metadata is passed through from submission unmodified.
type Payload struct {
	TaskID         string          `json:"task_id"`
	ProjectID      string          `json:"project_id"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ProcessingTime int64           `json:"processing_time"`
	CompletedAt    string          `json:"completed_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// BuildPayload snapshots a terminal task into the wire shape. processing_time
// is whole seconds from started_at (created_at if the task was completed
// straight out of the queue) to completed_at.
func BuildPayload(task *store.Task) Payload {
	completedAt := time.Now().UTC()
	if task.CompletedAt != nil {
		completedAt = task.CompletedAt.UTC()
	}

	startedAt := task.CreatedAt
	if task.StartedAt != nil {
		startedAt = *task.StartedAt
	}

	processing := int64(completedAt.Sub(startedAt) / time.Second)
	if processing < 0 {
		processing = 0
	}

	p := Payload{
		TaskID:         task.TaskID,
		ProjectID:      task.ProjectID,
		Status:         string(task.Status),
		ProcessingTime: processing,
		CompletedAt:    completedAt.Format(time.RFC3339),
		Metadata:       task.Metadata,
	}

	switch task.Status {
	case store.StatusCompleted:
		p.Result = task.Result
	case store.StatusFailed:
		p.Error = task.Error
	}
	return p
}
