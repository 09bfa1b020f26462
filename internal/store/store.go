package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix    = "task:"
	projectKeyPrefix = "project_tasks:"
	metricsKey       = "task_metrics"
)

// Store is a Redis-backed task record store shared by the API and worker
// processes. All mutations are single-key optimistic transactions, so no
// process ever holds a lock across a network round trip.
type Store struct {
	rdb       *redis.Client
	taskTTL   time.Duration
	opTimeout time.Duration
}

type Config struct {
	RedisURL  string
	TaskTTL   time.Duration // retention window for records and project index
	OpTimeout time.Duration // per-operation deadline
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing client. Used by tests running against miniredis.
func NewWithClient(rdb *redis.Client, cfg Config) *Store {
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = 24 * time.Hour
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &Store{rdb: rdb, taskTTL: cfg.TaskTTL, opTimeout: cfg.OpTimeout}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func taskKey(taskID string) string {
	return taskKeyPrefix + taskID
}

func projectKey(projectID string) string {
	return projectKeyPrefix + projectID
}
