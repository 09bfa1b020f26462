package store

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Counter names kept in the task_metrics hash. Counters carry no TTL and
// survive individual record expiry.
const (
	MetricTotalTasks     = "total_tasks"
	MetricCompletedTasks = "completed_tasks"
	MetricFailedTasks    = "failed_tasks"
	MetricCancelledTasks = "cancelled_tasks"
	MetricRetriedTasks   = "retried_tasks"
)

type Task struct {
	TaskID      string          `json:"task_id"`
	ProjectID   string          `json:"project_id"`
	Type        string          `json:"task_type"`
	Status      TaskStatus      `json:"status"`
	TaskData    json.RawMessage `json:"task_data"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// hash field names inside task:<id>
const (
	fieldTaskID      = "task_id"
	fieldProjectID   = "project_id"
	fieldType        = "task_type"
	fieldStatus      = "status"
	fieldTaskData    = "task_data"
	fieldResult      = "result"
	fieldError       = "error"
	fieldCallbackURL = "callback_url"
	fieldMetadata    = "metadata"
	fieldCreatedAt   = "created_at"
	fieldUpdatedAt   = "updated_at"
	fieldStartedAt   = "started_at"
	fieldCompletedAt = "completed_at"
)

func (t *Task) toHash() map[string]string {
	h := map[string]string{
		fieldTaskID:      t.TaskID,
		fieldProjectID:   t.ProjectID,
		fieldType:        t.Type,
		fieldStatus:      string(t.Status),
		fieldTaskData:    rawOrEmptyObject(t.TaskData),
		fieldResult:      string(t.Result),
		fieldError:       t.Error,
		fieldCallbackURL: t.CallbackURL,
		fieldMetadata:    string(t.Metadata),
		fieldCreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		fieldStartedAt:   formatOptionalTime(t.StartedAt),
		fieldCompletedAt: formatOptionalTime(t.CompletedAt),
	}
	return h
}

func taskFromHash(h map[string]string) (*Task, error) {
	t := &Task{
		TaskID:      h[fieldTaskID],
		ProjectID:   h[fieldProjectID],
		Type:        h[fieldType],
		Status:      TaskStatus(h[fieldStatus]),
		Error:       h[fieldError],
		CallbackURL: h[fieldCallbackURL],
	}
	if v := h[fieldTaskData]; v != "" {
		t.TaskData = json.RawMessage(v)
	}
	if v := h[fieldResult]; v != "" {
		t.Result = json.RawMessage(v)
	}
	if v := h[fieldMetadata]; v != "" {
		t.Metadata = json.RawMessage(v)
	}

	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, h[fieldCreatedAt]); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, h[fieldUpdatedAt]); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseOptionalTime(h[fieldStartedAt]); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseOptionalTime(h[fieldCompletedAt]); err != nil {
		return nil, err
	}
	return t, nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func rawOrEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
