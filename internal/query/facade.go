package query

import (
	"context"

	"github.com/dedezza1D/taskpulse/internal/store"
)

// Facade is the read-only surface exposed to the routing layer. It holds no
// state of its own; it exists so the externally visible pagination and filter
// shape is decoupled from the store's representation.
type Facade struct {
	store *store.Store
}

func New(st *store.Store) *Facade {
	return &Facade{store: st}
}

type ListParams struct {
	Status *store.TaskStatus
	Type   *string
	Limit  int
	Offset int
}

type ProjectTasksPage struct {
	Items  []store.Task
	Total  int
	Limit  int
	Offset int
}

// ProjectTasks lists a project's tasks newest first, with the total count
// computed under the same filter.
func (f *Facade) ProjectTasks(ctx context.Context, projectID string, p ListParams) (*ProjectTasksPage, error) {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	filter := store.Filter{Status: p.Status, Type: p.Type}

	items, err := f.store.ListProjectTasks(ctx, projectID, filter, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	total, err := f.store.CountProjectTasks(ctx, projectID, filter)
	if err != nil {
		return nil, err
	}

	return &ProjectTasksPage{Items: items, Total: total, Limit: p.Limit, Offset: p.Offset}, nil
}

// TaskMetrics returns the shared lifecycle counters.
func (f *Facade) TaskMetrics(ctx context.Context) (map[string]int64, error) {
	return f.store.Metrics(ctx)
}
