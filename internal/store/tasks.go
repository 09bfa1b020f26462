package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// CreateTask persists a new record and adds it to the project index. The
// record and the index entry share the same TTL so they expire together and
// the index can never point at nothing.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	key := taskKey(t.TaskID)
	pkey := projectKey(t.ProjectID)

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, t.toHash())
			pipe.SAdd(ctx, pkey, t.TaskID)
			pipe.Expire(ctx, key, s.taskTTL)
			pipe.Expire(ctx, pkey, s.taskTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Another writer created the key between EXISTS and EXEC.
		return ErrAlreadyExists
	}
	return err
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	h, err := s.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return taskFromHash(h)
}

// UpdateTask applies mutate to the current record under an optimistic WATCH
// transaction. A concurrent writer racing between read and write surfaces as
// ErrConflict; callers retry the transition logic rather than overwrite.
// Errors returned by mutate propagate unchanged and abort the write.
func (s *Store) UpdateTask(ctx context.Context, taskID string, mutate func(*Task) error) (*Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	key := taskKey(taskID)
	var updated *Task

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(h) == 0 {
			return ErrNotFound
		}

		t, err := taskFromHash(h)
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			return err
		}
		t.UpdatedAt = time.Now().UTC()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, t.toHash())
			return nil
		})
		if err != nil {
			return err
		}
		updated = t
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type Filter struct {
	Status *TaskStatus
	Type   *string
}

func (f Filter) match(t *Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Type != nil && t.Type != *f.Type {
		return false
	}
	return true
}

// ListProjectTasks returns a project's unexpired tasks ordered by created_at
// descending. Pagination is offset-based and only stable within a TTL window:
// expired records silently drop out and shift later pages.
func (s *Store) ListProjectTasks(ctx context.Context, projectID string, f Filter, limit, offset int) ([]Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	tasks, err := s.projectTasks(ctx, projectID, f)
	if err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	if offset >= len(tasks) {
		return []Task{}, nil
	}
	end := offset + limit
	if end > len(tasks) {
		end = len(tasks)
	}
	return tasks[offset:end], nil
}

// CountProjectTasks applies the same filter semantics as ListProjectTasks.
func (s *Store) CountProjectTasks(ctx context.Context, projectID string, f Filter) (int, error) {
	tasks, err := s.projectTasks(ctx, projectID, f)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

func (s *Store) projectTasks(ctx context.Context, projectID string, f Filter) ([]Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, projectKey(projectID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Task{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(ids))
	for _, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			// record expired ahead of its index entry; skip
			continue
		}
		t, err := taskFromHash(h)
		if err != nil {
			return nil, err
		}
		if !f.match(t) {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}
