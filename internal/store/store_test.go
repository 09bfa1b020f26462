package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewWithClient(rdb, Config{TaskTTL: 24 * time.Hour})
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func newTask(id, project string) *Task {
	return &Task{
		TaskID:    id,
		ProjectID: project,
		Type:      "generate_video",
		Status:    StatusQueued,
		TaskData:  json.RawMessage(`{"hello":"world"}`),
	}
}

func TestCreateAndGetTask(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	in := newTask("t1", "p1")
	in.CallbackURL = "https://example.com/cb"
	in.Metadata = json.RawMessage(`{"userId":"u1"}`)

	if err := st.CreateTask(ctx, in); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.TaskID != "t1" || got.ProjectID != "p1" {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if got.Status != StatusQueued {
		t.Fatalf("expected status %q got %q", StatusQueued, got.Status)
	}
	if got.CallbackURL != "https://example.com/cb" {
		t.Fatalf("callback url lost: %q", got.CallbackURL)
	}

	var data map[string]any
	if err := json.Unmarshal(got.TaskData, &data); err != nil {
		t.Fatalf("unmarshal task_data: %v", err)
	}
	if data["hello"] != "world" {
		t.Fatalf("task_data mismatch: %v", data)
	}

	var meta map[string]any
	if err := json.Unmarshal(got.Metadata, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta["userId"] != "u1" {
		t.Fatalf("metadata mismatch: %v", meta)
	}
}

func TestCreateTask_AlreadyExists(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, newTask("t1", "p1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	err := st.CreateTask(ctx, newTask("t1", "p1"))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists got %v", err)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	st, _ := newTestStore(t)

	_, err := st.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestUpdateTask(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, newTask("t1", "p1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	updated, err := st.UpdateTask(ctx, "t1", func(task *Task) error {
		task.Status = StatusProcessing
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Status != StatusProcessing {
		t.Fatalf("expected processing got %q", updated.Status)
	}

	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusProcessing {
		t.Fatalf("update not persisted: %q", got.Status)
	}
	if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Fatalf("updated_at not refreshed: created=%v updated=%v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestUpdateTask_MutatorErrorPropagates(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, newTask("t1", "p1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	sentinel := errors.New("rejected")
	_, err := st.UpdateTask(ctx, "t1", func(task *Task) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected mutator error got %v", err)
	}

	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("aborted mutation must not write, got %q", got.Status)
	}
}

func TestUpdateTask_ConcurrentWriteConflicts(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, newTask("t1", "p1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })

	// land a second writer between the WATCHed read and EXEC
	_, err := st.UpdateTask(ctx, "t1", func(task *Task) error {
		if err := other.HSet(ctx, taskKey("t1"), fieldError, "raced").Err(); err != nil {
			t.Fatalf("concurrent HSet: %v", err)
		}
		task.Status = StatusCompleted
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict got %v", err)
	}

	// the losing transaction must not clobber the winner
	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("conflicted update leaked a status write: %q", got.Status)
	}
	if got.Error != "raced" {
		t.Fatalf("concurrent write lost: %q", got.Error)
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	st, _ := newTestStore(t)

	_, err := st.UpdateTask(context.Background(), "missing", func(task *Task) error {
		task.Status = StatusProcessing
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestListProjectTasks_OrderingAndIsolation(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		task := newTask(fmt.Sprintf("t%d", i), "p1")
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	other := newTask("other", "p2")
	if err := st.CreateTask(ctx, other); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	items, err := st.ListProjectTasks(ctx, "p1", Filter{}, 50, 0)
	if err != nil {
		t.Fatalf("ListProjectTasks: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 tasks got %d", len(items))
	}
	// newest first
	if items[0].TaskID != "t2" || items[1].TaskID != "t1" || items[2].TaskID != "t0" {
		t.Fatalf("wrong ordering: %s %s %s", items[0].TaskID, items[1].TaskID, items[2].TaskID)
	}
	for _, it := range items {
		if it.ProjectID != "p1" {
			t.Fatalf("task from foreign project leaked: %+v", it)
		}
	}
}

func TestListProjectTasks_FiltersAndPagination(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		task := newTask(fmt.Sprintf("t%d", i), "p1")
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			task.Type = "process_audio"
		}
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	audio := "process_audio"
	items, err := st.ListProjectTasks(ctx, "p1", Filter{Type: &audio}, 50, 0)
	if err != nil {
		t.Fatalf("ListProjectTasks: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("type filter: expected 3 got %d", len(items))
	}

	n, err := st.CountProjectTasks(ctx, "p1", Filter{Type: &audio})
	if err != nil {
		t.Fatalf("CountProjectTasks: %v", err)
	}
	if n != 3 {
		t.Fatalf("count and list disagree: %d", n)
	}

	page, err := st.ListProjectTasks(ctx, "p1", Filter{}, 2, 2)
	if err != nil {
		t.Fatalf("ListProjectTasks: %v", err)
	}
	if len(page) != 2 || page[0].TaskID != "t2" || page[1].TaskID != "t1" {
		t.Fatalf("pagination wrong: %+v", page)
	}

	empty, err := st.ListProjectTasks(ctx, "p1", Filter{}, 10, 100)
	if err != nil {
		t.Fatalf("ListProjectTasks: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("offset past end should be empty, got %d", len(empty))
	}
}

func TestTaskExpiry(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, newTask("t1", "p1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	mr.FastForward(25 * time.Hour)

	if _, err := st.GetTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired record to be gone, got %v", err)
	}

	items, err := st.ListProjectTasks(ctx, "p1", Filter{}, 50, 0)
	if err != nil {
		t.Fatalf("ListProjectTasks: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expired tasks must not be listed, got %d", len(items))
	}
}

func TestMetrics(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	v, err := st.IncrementMetric(ctx, MetricTotalTasks, 1)
	if err != nil {
		t.Fatalf("IncrementMetric: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected 1 got %d", v)
	}
	if _, err := st.IncrementMetric(ctx, MetricTotalTasks, 1); err != nil {
		t.Fatalf("IncrementMetric: %v", err)
	}
	if _, err := st.IncrementMetric(ctx, MetricCompletedTasks, 1); err != nil {
		t.Fatalf("IncrementMetric: %v", err)
	}

	m, err := st.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m[MetricTotalTasks] != 2 {
		t.Fatalf("total_tasks: expected 2 got %d", m[MetricTotalTasks])
	}
	if m[MetricCompletedTasks] != 1 {
		t.Fatalf("completed_tasks: expected 1 got %d", m[MetricCompletedTasks])
	}
}
