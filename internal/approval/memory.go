package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/bastion-pdp/internal/domain"
)

// MemoryRepository хранит заявки в памяти. Переход статуса - CAS под мьютексом,
// поэтому из конкурирующих approve/reject/expire выигрывает ровно один.
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*domain.ApprovalRequest
	pending map[string]string // tupleKey -> id
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*domain.ApprovalRequest),
		pending: make(map[string]string),
	}
}

func (r *MemoryRepository) CreatePending(_ context.Context, req *domain.ApprovalRequest) (*domain.ApprovalRequest, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.pending[req.TupleKey]; ok {
		return clone(r.byID[id]), false, nil
	}
	if _, ok := r.byID[req.ID]; ok {
		return nil, false, fmt.Errorf("memory: approval %s already exists", req.ID)
	}

	stored := clone(req)
	r.byID[stored.ID] = stored
	r.pending[stored.TupleKey] = stored.ID
	return clone(stored), true, nil
}

func (r *MemoryRepository) Transition(_ context.Context, id string, to domain.ApprovalStatus, reviewer, note string, at time.Time) (*domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	if err := app.CanTransitionTo(to); err != nil {
		return clone(app), fmt.Errorf("approval %s is %s: %w", id, app.Status, err)
	}

	app.Status = to
	reviewedAt := at
	app.ReviewedAt = &reviewedAt
	if reviewer != "" {
		app.Reviewer = &reviewer
	}
	if note != "" {
		app.Note = &note
	}
	delete(r.pending, app.TupleKey)
	return clone(app), nil
}

func (r *MemoryRepository) GetApprovalByID(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	return clone(app), nil
}

func (r *MemoryRepository) FindApprovals(_ context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, int, error) {
	r.mu.Lock()
	matched := make([]*domain.ApprovalRequest, 0)
	for _, app := range r.byID {
		if f.Status == "" || app.Status == f.Status {
			matched = append(matched, clone(app))
		}
	}
	r.mu.Unlock()

	// Как и в Postgres: свежие сверху
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	from := (f.Page - 1) * f.Limit
	if from > total {
		from = total
	}
	to := from + f.Limit
	if to > total {
		to = total
	}
	return matched[from:to], total, nil
}

func (r *MemoryRepository) ListExpired(_ context.Context, now time.Time) ([]*domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ApprovalRequest
	for _, id := range r.pending {
		if app := r.byID[id]; app.ExpiredAt(now) {
			out = append(out, clone(app))
		}
	}
	return out, nil
}

func clone(a *domain.ApprovalRequest) *domain.ApprovalRequest {
	if a == nil {
		return nil
	}
	c := *a
	c.Target.Tags = append([]string(nil), a.Target.Tags...)
	return &c
}
