package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/bastion-pdp/internal/audit"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"go.uber.org/zap"
)

// Signaler сообщает шлюзу подключений о том, что заявка разрешена.
type Signaler interface {
	ApprovalDecided(ctx context.Context, app *domain.ApprovalRequest) error
}

// Recorder - метрики переходов статусов.
type Recorder interface {
	ObserveApproval(status domain.ApprovalStatus)
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Gate - конечный автомат заявок на подтверждение доступа.
type Gate struct {
	repo     Repository
	auditor  audit.Auditor
	signals  Signaler
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	ttl      time.Duration
}

type Option func(*Gate)

func WithAuditor(a audit.Auditor) Option { return func(g *Gate) { g.auditor = a } }

func WithSignaler(s Signaler) Option { return func(g *Gate) { g.signals = s } }

func WithRecorder(r Recorder) Option { return func(g *Gate) { g.recorder = r } }

func WithLogger(l *zap.Logger) Option { return func(g *Gate) { g.logger = l.Named("approval-gate") } }

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// WithDuration - сколько заявка ждёт решения и на сколько выдаётся доступ.
func WithDuration(d time.Duration) Option { return func(g *Gate) { g.ttl = d } }

func NewGate(repo Repository, opts ...Option) *Gate {
	g := &Gate{
		repo:    repo,
		auditor: audit.Nop{},
		logger:  zap.NewNop(),
		now:     time.Now,
		newID:   uuid.NewString,
		ttl:     time.Hour,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Submit создаёт заявку для решения REQUIRE_APPROVAL или возвращает уже ожидающую
// по тому же кортежу (субъект, цель, действие). Просроченная ожидающая заявка
// сначала переводится в EXPIRED, затем создаётся новая.
func (g *Gate) Submit(ctx context.Context, req domain.AccessRequest, d domain.Decision) (*domain.ApprovalRequest, error) {
	if d.Verdict != domain.VerdictRequireApproval {
		return nil, fmt.Errorf("approval: submit for verdict %s: %w", d.Verdict, domain.ErrInvalidRequest)
	}

	// Две попытки: вторая нужна только после истечения старой заявки
	for attempt := 0; attempt < 2; attempt++ {
		now := g.now().UTC()
		candidate := domain.NewApprovalRequest(g.newID(), req, d, g.ttl, now)

		app, created, err := g.repo.CreatePending(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("approval: create pending: %w", err)
		}
		if created {
			g.logger.Info("approval requested",
				zap.String("id", app.ID),
				zap.String("requester", app.Requester),
				zap.String("policy_id", app.PolicyID))
			g.emit(app, audit.KindApprovalSubmitted, app.Requester, d.SnapshotVersion)
			g.observe(app.Status)
			return app, nil
		}
		if !app.ExpiredAt(now) {
			return app, nil
		}
		if _, err := g.expire(ctx, app.ID); err != nil && !errors.Is(err, domain.ErrApprovalConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("approval: tuple %q is contended: %w", req.Summary(), domain.ErrApprovalConflict)
}

func (g *Gate) Approve(ctx context.Context, id, reviewer, note string) (*domain.ApprovalRequest, error) {
	return g.resolve(ctx, id, domain.StatusApproved, reviewer, note)
}

func (g *Gate) Reject(ctx context.Context, id, reviewer, note string) (*domain.ApprovalRequest, error) {
	return g.resolve(ctx, id, domain.StatusRejected, reviewer, note)
}

// BulkApprove подтверждает заявки по одной; сбой одной не влияет на остальные.
func (g *Gate) BulkApprove(ctx context.Context, ids []string, reviewer, note string) []domain.BulkResult {
	results := make([]domain.BulkResult, 0, len(ids))
	for _, id := range ids {
		app, err := g.Approve(ctx, id, reviewer, note)
		res := domain.BulkResult{ID: id, OK: err == nil}
		if app != nil {
			res.Status = app.Status
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

func (g *Gate) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return g.repo.GetApprovalByID(ctx, id)
}

func (g *Gate) List(ctx context.Context, f domain.ApprovalFilter) (domain.Page[*domain.ApprovalRequest], error) {
	f.Page, f.Limit = NormalizePage(f.Page, f.Limit)
	if f.Status != "" && !f.Status.Valid() {
		return domain.Page[*domain.ApprovalRequest]{}, &domain.RequestError{Field: "status", Message: "unknown approval status"}
	}
	items, total, err := g.repo.FindApprovals(ctx, f)
	if err != nil {
		return domain.Page[*domain.ApprovalRequest]{}, fmt.Errorf("approval: list: %w", err)
	}
	return domain.NewPage(items, f.Page, f.Limit, total), nil
}

// ExpireDue переводит в EXPIRED все ожидающие заявки с истёкшим сроком.
// Проигранная гонка с рецензентом не считается ошибкой.
func (g *Gate) ExpireDue(ctx context.Context) (int, error) {
	due, err := g.repo.ListExpired(ctx, g.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("approval: list expired: %w", err)
	}
	expired := 0
	for _, app := range due {
		if _, err := g.expire(ctx, app.ID); err != nil {
			if errors.Is(err, domain.ErrApprovalConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (g *Gate) resolve(ctx context.Context, id string, to domain.ApprovalStatus, reviewer, note string) (*domain.ApprovalRequest, error) {
	current, err := g.repo.GetApprovalByID(ctx, id)
	if err != nil {
		return nil, err
	}
	// Ожидание истекло, а свипер ещё не дошёл: рецензент опоздал
	if current.ExpiredAt(g.now().UTC()) {
		expired, err := g.expire(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrApprovalConflict) {
			return nil, err
		}
		if expired != nil {
			current = expired
		}
		return current, fmt.Errorf("approval %s expired at %s: %w", id, current.ExpiresAt.Format(time.RFC3339), domain.ErrApprovalConflict)
	}
	return g.transition(ctx, id, to, reviewer, note)
}

func (g *Gate) expire(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return g.transition(ctx, id, domain.StatusExpired, "", "")
}

func (g *Gate) transition(ctx context.Context, id string, to domain.ApprovalStatus, reviewer, note string) (*domain.ApprovalRequest, error) {
	app, err := g.repo.Transition(ctx, id, to, reviewer, note, g.now().UTC())
	if err != nil {
		return app, err
	}

	g.logger.Info("approval resolved",
		zap.String("id", app.ID),
		zap.String("status", string(app.Status)),
		zap.String("reviewer", reviewer))

	actor := reviewer
	if actor == "" {
		actor = "system"
	}
	g.emit(app, kindFor(to), actor, 0)
	g.observe(app.Status)

	if g.signals != nil {
		if err := g.signals.ApprovalDecided(ctx, app); err != nil {
			g.logger.Warn("approval signal failed", zap.String("id", app.ID), zap.Error(err))
		}
	}
	return app, nil
}

func (g *Gate) emit(app *domain.ApprovalRequest, kind, actor string, version uint64) {
	g.auditor.Log(audit.Event{
		Timestamp:       g.now().UTC(),
		ActorID:         actor,
		Kind:            kind,
		RequestSummary:  summary(app),
		Status:          string(app.Status),
		MatchedPolicyID: app.PolicyID,
		ApprovalID:      app.ID,
		SnapshotVersion: version,
	})
}

func (g *Gate) observe(s domain.ApprovalStatus) {
	if g.recorder != nil {
		g.recorder.ObserveApproval(s)
	}
}

func kindFor(s domain.ApprovalStatus) string {
	switch s {
	case domain.StatusApproved:
		return audit.KindApprovalApproved
	case domain.StatusRejected:
		return audit.KindApprovalRejected
	default:
		return audit.KindApprovalExpired
	}
}

func summary(app *domain.ApprovalRequest) string {
	return domain.AccessRequest{
		Subject: domain.Subject{UserID: app.Requester, Role: app.RequesterRole},
		Target:  app.Target,
		Action:  app.Action,
	}.Summary()
}

// NormalizePage приводит параметры пагинации к допустимым значениям.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}
