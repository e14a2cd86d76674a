package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/xela07ax/bastion-pdp/internal/domain"
)

// MemoryRepository - хранилище политик в памяти (dev-режим без БД и тесты).
type MemoryRepository struct {
	mu       sync.RWMutex
	policies map[string]domain.Policy
}

func NewMemoryRepository(seed ...domain.Policy) *MemoryRepository {
	r := &MemoryRepository{policies: make(map[string]domain.Policy, len(seed))}
	for _, p := range seed {
		r.policies[p.ID] = p
	}
	return r
}

func (r *MemoryRepository) GetAllPolicies(_ context.Context) ([]domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	return out, nil
}

func (r *MemoryRepository) CreatePolicy(_ context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[p.ID]; ok {
		return fmt.Errorf("memory: policy %s already exists", p.ID)
	}
	r.policies[p.ID] = *p
	return nil
}

func (r *MemoryRepository) UpdatePolicy(_ context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[p.ID]; !ok {
		return fmt.Errorf("memory: policy %s: %w", p.ID, domain.ErrNotFound)
	}
	r.policies[p.ID] = *p
	return nil
}

func (r *MemoryRepository) DeletePolicy(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[id]; !ok {
		return fmt.Errorf("memory: policy %s: %w", id, domain.ErrNotFound)
	}
	delete(r.policies, id)
	return nil
}
