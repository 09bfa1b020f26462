package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/dedezza1D/taskpulse/internal/observability"
	"github.com/dedezza1D/taskpulse/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidTransition marks a terminal task receiving a further terminal
// report. Workers run with at-least-once semantics, so duplicates are
// expected; callers log and move on.
var ErrInvalidTransition = errors.New("invalid status transition")

// Notifier receives terminal task snapshots for webhook delivery. Delivery
// outcome never flows back into task state.
type Notifier interface {
	Notify(task *store.Task)
}

// Coordinator is the only writer of task state transitions. Every transition
// goes through the store's CAS update with a small bounded retry, and metrics
// plus webhook dispatch fire only on the attempt that performed the first
// terminal write.
type Coordinator struct {
	store    *store.Store
	notifier Notifier
	logger   *zap.Logger
}

func New(st *store.Store, notifier Notifier, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: st, notifier: notifier, logger: logger}
}

type SubmitParams struct {
	ProjectID   string
	Type        string
	TaskData    json.RawMessage
	CallbackURL string
	Metadata    json.RawMessage
}

// Submit creates a queued record and bumps total_tasks. An id collision is
// never expected from uuid generation; if it happens anyway we retry with a
// fresh id rather than fail the submission.
func (c *Coordinator) Submit(ctx context.Context, p SubmitParams) (*store.Task, error) {
	var task *store.Task

	for attempt := 0; attempt < 3; attempt++ {
		t := &store.Task{
			TaskID:      uuid.NewString(),
			ProjectID:   p.ProjectID,
			Type:        p.Type,
			Status:      store.StatusQueued,
			TaskData:    p.TaskData,
			CallbackURL: p.CallbackURL,
			Metadata:    p.Metadata,
		}
		err := c.store.CreateTask(ctx, t)
		if errors.Is(err, store.ErrAlreadyExists) {
			c.logger.Warn("task id collision, retrying with new id",
				zap.String("task_id", t.TaskID),
				zap.String("project_id", p.ProjectID),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		task = t
		break
	}
	if task == nil {
		return nil, store.ErrAlreadyExists
	}

	c.bumpMetric(ctx, store.MetricTotalTasks, task.TaskID)
	observability.TasksSubmittedTotal.WithLabelValues(task.Type).Inc()

	c.logger.Info("task submitted",
		zap.String("task_id", task.TaskID),
		zap.String("project_id", task.ProjectID),
		zap.String("task_type", task.Type),
	)
	return task, nil
}

// MarkProcessing claims a queued task for execution. Calling it again while
// the task is already processing is a no-op, not an error.
func (c *Coordinator) MarkProcessing(ctx context.Context, taskID string) (*store.Task, error) {
	return c.transition(ctx, taskID, func(t *store.Task) error {
		switch t.Status {
		case store.StatusQueued:
			now := time.Now().UTC()
			t.Status = store.StatusProcessing
			t.StartedAt = &now
			return nil
		case store.StatusProcessing:
			return nil
		default:
			return ErrInvalidTransition
		}
	})
}

// Complete records a successful outcome, bumps completed_tasks, and hands the
// snapshot to the notifier if a callback URL was supplied at submission.
// A duplicate report on a terminal task returns ErrInvalidTransition and has
// no side effects beyond a log line.
func (c *Coordinator) Complete(ctx context.Context, taskID string, result json.RawMessage) (*store.Task, error) {
	task, err := c.transition(ctx, taskID, func(t *store.Task) error {
		if t.Status.IsTerminal() {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		t.Status = store.StatusCompleted
		t.Result = result
		t.Error = ""
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			c.logger.Info("duplicate completion report ignored", zap.String("task_id", taskID))
		}
		return nil, err
	}

	c.bumpMetric(ctx, store.MetricCompletedTasks, taskID)
	observability.TasksCompletedTotal.WithLabelValues(task.Type).Inc()
	c.notifyTerminal(task)

	c.logger.Info("task completed",
		zap.String("task_id", task.TaskID),
		zap.String("project_id", task.ProjectID),
	)
	return task, nil
}

// Fail is symmetric to Complete.
func (c *Coordinator) Fail(ctx context.Context, taskID string, errMsg string) (*store.Task, error) {
	task, err := c.transition(ctx, taskID, func(t *store.Task) error {
		if t.Status.IsTerminal() {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		t.Status = store.StatusFailed
		t.Error = errMsg
		t.Result = nil
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			c.logger.Info("duplicate failure report ignored", zap.String("task_id", taskID))
		}
		return nil, err
	}

	c.bumpMetric(ctx, store.MetricFailedTasks, taskID)
	observability.TasksFailedTotal.WithLabelValues(task.Type).Inc()
	c.notifyTerminal(task)

	c.logger.Warn("task failed",
		zap.String("task_id", task.TaskID),
		zap.String("project_id", task.ProjectID),
		zap.String("error", errMsg),
	)
	return task, nil
}

// Cancel is best-effort: it flips stored status but cannot interrupt work
// already in flight at the executor. The executor's later Complete/Fail on a
// cancelled task comes back as ErrInvalidTransition.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := c.transition(ctx, taskID, func(t *store.Task) error {
		if t.Status.IsTerminal() {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		t.Status = store.StatusCancelled
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			c.logger.Info("cancel of terminal task ignored", zap.String("task_id", taskID))
		}
		return nil, err
	}

	c.bumpMetric(ctx, store.MetricCancelledTasks, taskID)
	observability.TasksCancelledTotal.WithLabelValues(task.Type).Inc()

	c.logger.Info("task cancelled", zap.String("task_id", task.TaskID))
	return task, nil
}

// Retry resubmits a failed task with its original parameters as a fresh task.
func (c *Coordinator) Retry(ctx context.Context, taskID string) (*store.Task, error) {
	orig, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if orig.Status != store.StatusFailed {
		return nil, ErrInvalidTransition
	}

	task, err := c.Submit(ctx, SubmitParams{
		ProjectID:   orig.ProjectID,
		Type:        orig.Type,
		TaskData:    orig.TaskData,
		CallbackURL: orig.CallbackURL,
		Metadata:    orig.Metadata,
	})
	if err != nil {
		return nil, err
	}

	c.bumpMetric(ctx, store.MetricRetriedTasks, task.TaskID)

	c.logger.Info("task retried",
		zap.String("task_id", taskID),
		zap.String("new_task_id", task.TaskID),
	)
	return task, nil
}

// transition wraps the store's CAS update with a bounded jittered retry.
// Conflicts mean two collaborators raced on the same task (say a worker
// retry against a cancellation); the loop re-reads and re-applies the
// transition logic instead of overwriting.
func (c *Coordinator) transition(ctx context.Context, taskID string, mutate func(*store.Task) error) (*store.Task, error) {
	const attempts = 3

	var lastErr error
	for i := 0; i < attempts; i++ {
		task, err := c.store.UpdateTask(ctx, taskID, mutate)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err

		sleep := time.Duration(20*(1<<i))*time.Millisecond + time.Duration(rand.Intn(20))*time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, lastErr
}

func (c *Coordinator) notifyTerminal(task *store.Task) {
	if c.notifier == nil || task.CallbackURL == "" {
		return
	}
	c.notifier.Notify(task)
}

// Metric bumps are best-effort: a counter hiccup must not fail a transition
// that already persisted.
func (c *Coordinator) bumpMetric(ctx context.Context, name, taskID string) {
	if _, err := c.store.IncrementMetric(ctx, name, 1); err != nil {
		c.logger.Warn("metric increment failed",
			zap.String("metric", name),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}
