package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/bastion-pdp/internal/approval"
	"github.com/xela07ax/bastion-pdp/internal/audit"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/policy"
)

// PolicyStore описывает требования сервиса к хранилищу политик (policy.Store).
// Оповещение остальных инстансов делает сам Store через свой Notifier.
type PolicyStore interface {
	Current() (*policy.Snapshot, error)
	// Мутации возвращают версию снапшота, который они опубликовали
	Create(ctx context.Context, p domain.Policy) (domain.Policy, uint64, error)
	Update(ctx context.Context, id string, p domain.Policy) (domain.Policy, uint64, error)
	Delete(ctx context.Context, id string) (uint64, error)
}

type PolicyService struct {
	store   PolicyStore
	auditor audit.Auditor
}

func NewPolicyService(store PolicyStore, auditor audit.Auditor) *PolicyService {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &PolicyService{store: store, auditor: auditor}
}

// List отдаёт политики в порядке оценки; читает из снапшота, а не из БД.
func (s *PolicyService) List(_ context.Context, page, limit int, onlyActive bool) (domain.Page[domain.Policy], error) {
	snap, err := s.store.Current()
	if err != nil {
		return domain.Page[domain.Policy]{}, err
	}
	page, limit = approval.NormalizePage(page, limit)

	all := snap.Policies(onlyActive)
	from := min((page-1)*limit, len(all))
	to := min(from+limit, len(all))
	return domain.NewPage(all[from:to], page, limit, len(all)), nil
}

func (s *PolicyService) GetByID(_ context.Context, id string) (domain.Policy, error) {
	snap, err := s.store.Current()
	if err != nil {
		return domain.Policy{}, err
	}
	p, ok := snap.Get(id)
	if !ok {
		return domain.Policy{}, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// Create сохраняет политику; остальные инстансы узнают об этом через сигнал Store
func (s *PolicyService) Create(ctx context.Context, actor string, p domain.Policy) (domain.Policy, error) {
	created, version, err := s.store.Create(ctx, p)
	if err != nil {
		return domain.Policy{}, err
	}
	s.record(ctx, actor, audit.KindPolicyCreated, created.ID, version)
	return created, nil
}

func (s *PolicyService) Update(ctx context.Context, actor, id string, p domain.Policy) (domain.Policy, error) {
	updated, version, err := s.store.Update(ctx, id, p)
	if err != nil {
		return domain.Policy{}, err
	}
	s.record(ctx, actor, audit.KindPolicyUpdated, id, version)
	return updated, nil
}

func (s *PolicyService) Delete(ctx context.Context, actor, id string) error {
	version, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.record(ctx, actor, audit.KindPolicyDeleted, id, version)
	return nil
}

func (s *PolicyService) record(_ context.Context, actor, kind, id string, version uint64) {
	s.auditor.Log(audit.Event{
		ActorID:         actor,
		Kind:            kind,
		RequestSummary:  kind + " " + id,
		MatchedPolicyID: id,
		SnapshotVersion: version,
	})
}
