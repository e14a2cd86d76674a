package service

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/xela07ax/bastion-pdp/internal/audit"
)

// AuditLogProvider описывает контракт для чтения данных аудита.
type AuditLogProvider interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo}
}

// FetchLogs запрашивает последние события с фильтрацией.
func (s *AuditService) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	if f.Limit <= 0 {
		f.Limit = defaultAuditLimit
	}
	f.Limit = min(f.Limit, maxAuditLimit)

	logs, err := s.repo.FetchLogs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}

// MemoryAuditLog хранит события в памяти: Storage для Trail и источник для консоли без БД.
type MemoryAuditLog struct {
	mu     sync.RWMutex
	events []audit.Event
	limit  int
}

func NewMemoryAuditLog(limit int) *MemoryAuditLog {
	if limit <= 0 {
		limit = 10000
	}
	return &MemoryAuditLog{limit: limit}
}

func (m *MemoryAuditLog) WriteBatch(_ context.Context, events []audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	// Кольцо: старые события вытесняются
	if over := len(m.events) - m.limit; over > 0 {
		m.events = slices.Clone(m.events[over:])
	}
	return nil
}

func (m *MemoryAuditLog) FetchLogs(_ context.Context, f audit.Filter) ([]audit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]audit.Event, 0)
	for i := len(m.events) - 1; i >= 0 && len(out) < f.Limit; i-- {
		e := m.events[i]
		if (f.ActorID == "" || e.ActorID == f.ActorID) && (f.Kind == "" || e.Kind == f.Kind) {
			out = append(out, e)
		}
	}
	return out, nil
}
