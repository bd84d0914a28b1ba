package activity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DefaultMemoryRuns bounds the in-memory ledger.
const DefaultMemoryRuns = 100

type repoMemory struct {
	mu    sync.RWMutex
	max   int
	order []uuid.UUID
	runs  map[uuid.UUID]Run
}

// NewMemoryRepo returns a ledger that keeps the last max runs in process.
// It is used when no database is configured.
func NewMemoryRepo(max int) RunRepository {
	if max <= 0 {
		max = DefaultMemoryRuns
	}
	return &repoMemory{max: max, runs: make(map[uuid.UUID]Run)}
}

func (r *repoMemory) Create(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = snapshot(run)
	r.order = append(r.order, run.ID)
	for len(r.order) > r.max {
		delete(r.runs, r.order[0])
		r.order = r.order[1:]
	}
	return nil
}

func (r *repoMemory) Finish(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	r.runs[run.ID] = snapshot(run)
	return nil
}

func (r *repoMemory) GetByID(_ context.Context, id uuid.UUID) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (r *repoMemory) List(_ context.Context, limit, offset int) ([]*Run, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := len(r.order)
	out := make([]*Run, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		run := r.runs[r.order[i]]
		out = append(out, &run)
	}
	return out, total, nil
}

// snapshot copies run without its messages.
func snapshot(run *Run) Run {
	c := *run
	c.Messages = nil
	return c
}
