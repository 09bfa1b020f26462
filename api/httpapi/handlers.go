package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/dedezza1D/taskpulse/internal/lifecycle"
	"github.com/dedezza1D/taskpulse/internal/observability"
	"github.com/dedezza1D/taskpulse/internal/query"
	"github.com/dedezza1D/taskpulse/internal/queue"
	"github.com/dedezza1D/taskpulse/internal/store"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var projectIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

type submitTaskRequest struct {
	ProjectID   string          `json:"project_id"`
	TaskType    string          `json:"task_type"`
	TaskData    json.RawMessage `json:"task_data"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type taskResponse struct {
	Task store.Task `json:"task"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if !projectIDRe.MatchString(req.ProjectID) {
		writeErr(w, http.StatusBadRequest, "validation_error", "project_id must match [a-zA-Z0-9_-]{1,100}")
		return
	}
	if req.TaskType == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "task_type is required")
		return
	}
	if len(req.TaskData) == 0 {
		writeErr(w, http.StatusBadRequest, "validation_error", "task_data is required")
		return
	}
	if req.CallbackURL != "" && !strings.HasPrefix(req.CallbackURL, "http://") && !strings.HasPrefix(req.CallbackURL, "https://") {
		writeErr(w, http.StatusBadRequest, "validation_error", "callback_url must be HTTP or HTTPS")
		return
	}

	task, err := s.coordinator.Submit(r.Context(), lifecycle.SubmitParams{
		ProjectID:   req.ProjectID,
		Type:        req.TaskType,
		TaskData:    req.TaskData,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.enqueueBestEffort(r, task)

	writeJSON(w, http.StatusCreated, taskResponse{Task: *task})
}

// enqueueBestEffort hands the task to the execution transport. The store is
// the source of truth; a failed publish leaves the record queued and is only
// logged.
func (s *Server) enqueueBestEffort(r *http.Request, task *store.Task) {
	if s.queue == nil {
		return
	}

	hdr := nats.Header{}
	otel.GetTextMapPropagator().Inject(r.Context(), observability.NATSHeaderCarrier{H: hdr})

	err := s.queue.PublishTask(r.Context(), queue.TaskMessage{
		TaskID: task.TaskID,
		Type:   task.Type,
	}, hdr)
	if err != nil {
		s.logger.Warn("failed to enqueue task",
			zap.Error(err),
			zap.String("task_id", task.TaskID),
		)
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{Task: *task})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := s.coordinator.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeErr(w, http.StatusNotFound, "not_found", "task not found")
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			writeErr(w, http.StatusConflict, "invalid_transition", "task already reached a terminal state")
		default:
			writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{Task: *task})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := s.coordinator.Retry(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeErr(w, http.StatusNotFound, "not_found", "task not found")
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			writeErr(w, http.StatusConflict, "invalid_transition", "only failed tasks can be retried")
		default:
			writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	s.enqueueBestEffort(r, task)

	writeJSON(w, http.StatusCreated, taskResponse{Task: *task})
}

type projectTasksResponse struct {
	Items  []store.Task `json:"items"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleProjectTasks(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	if !projectIDRe.MatchString(projectID) {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid project id")
		return
	}

	qp := r.URL.Query()

	var status *store.TaskStatus
	if v := qp.Get("status"); v != "" {
		sv := store.TaskStatus(v)
		switch sv {
		case store.StatusQueued, store.StatusProcessing, store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
			status = &sv
		default:
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid status")
			return
		}
	}

	var taskType *string
	if v := qp.Get("type"); v != "" {
		taskType = &v
	}

	limit := 50
	if v := qp.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeErr(w, http.StatusBadRequest, "validation_error", "limit must be 1..200")
			return
		}
		limit = n
	}

	offset := 0
	if v := qp.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "validation_error", "offset must be >= 0")
			return
		}
		offset = n
	}

	page, err := s.facade.ProjectTasks(r.Context(), projectID, query.ListParams{
		Status: status,
		Type:   taskType,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, projectTasksResponse{
		Items:  page.Items,
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

type taskMetricsResponse struct {
	Metrics map[string]int64 `json:"metrics"`
}

func (s *Server) handleTaskMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.facade.TaskMetrics(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, taskMetricsResponse{Metrics: m})
}
