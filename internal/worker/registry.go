package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dedezza1D/taskpulse/internal/store"
)

// Handler executes one task and returns the result payload recorded on
// completion.
type Handler func(ctx context.Context, task *store.Task) (json.RawMessage, error)

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(taskType string, h Handler) {
	r.handlers[taskType] = h
}

func (r *Registry) Get(taskType string) (Handler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}

// PermanentError marks an error that should NOT be retried.
type PermanentError struct{ Err error }

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}

// DefaultHandlers registers a couple example handlers.
// Real deployments register their own per task type.
func DefaultHandlers() *Registry {
	r := NewRegistry()

	// demo: echo the submitted task_data back as the result after a short delay
	r.Register("demo", func(ctx context.Context, task *store.Task) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		return task.TaskData, nil
	})

	// fail: permanent failure (never retry)
	r.Register("fail", func(ctx context.Context, task *store.Task) (json.RawMessage, error) {
		return nil, Permanent(fmt.Errorf("requested failure for demo"))
	})

	return r
}
