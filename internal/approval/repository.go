package approval

import (
	"context"
	"time"

	"github.com/xela07ax/bastion-pdp/internal/domain"
)

// Repository - хранилище заявок. Реализации обязаны:
//   - CreatePending: атомарно создать заявку, только если для её TupleKey нет PENDING;
//     иначе вернуть существующую и created=false;
//   - Transition: compare-and-set PENDING -> to; не-PENDING даёт domain.ErrApprovalConflict,
//     неизвестный id - domain.ErrNotFound.
type Repository interface {
	CreatePending(ctx context.Context, req *domain.ApprovalRequest) (*domain.ApprovalRequest, bool, error)
	Transition(ctx context.Context, id string, to domain.ApprovalStatus, reviewer, note string, at time.Time) (*domain.ApprovalRequest, error)
	GetApprovalByID(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	FindApprovals(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, int, error)
	// ListExpired - PENDING-заявки, чей срок истёк к моменту now
	ListExpired(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error)
}
