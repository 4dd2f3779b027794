package plandefinition

import (
	"context"
	"sync"
	"time"

	"github.com/ehr/crd/internal/platform/fhir"
)

type memoryRepo struct {
	mu    sync.RWMutex
	order []string
	items map[string]*PlanDefinition
	now   func() time.Time
}

// NewMemoryRepo returns a Repository held in process memory.
func NewMemoryRepo() Repository {
	return &memoryRepo{items: make(map[string]*PlanDefinition), now: time.Now}
}

func (r *memoryRepo) Upsert(_ context.Context, pd *PlanDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	stored := *pd
	stored.Resource = pd.Resource.Clone()
	if existing, ok := r.items[pd.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
		r.order = append(r.order, pd.ID)
	}
	stored.UpdatedAt = now
	r.items[pd.ID] = &stored
	pd.CreatedAt, pd.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*PlanDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pd, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *pd
	return &out, nil
}

func (r *memoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return ErrNotFound
	}
	delete(r.items, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *memoryRepo) Search(_ context.Context, q fhir.ContextQuery, limit, offset int) ([]*PlanDefinition, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*PlanDefinition
	for _, id := range r.order {
		pd := r.items[id]
		if q.Match(pd.Contexts) {
			out := *pd
			matched = append(matched, &out)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}
