package store

import (
	"context"
	"strconv"
)

// IncrementMetric atomically adds delta to a counter via HINCRBY and returns
// the new value. There is no read-then-write anywhere in the metric path.
func (s *Store) IncrementMetric(ctx context.Context, name string, delta int64) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.rdb.HIncrBy(ctx, metricsKey, name, delta).Result()
}

func (s *Store) Metrics(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	h, err := s.rdb.HGetAll(ctx, metricsKey).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(h))
	for k, v := range h {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}
