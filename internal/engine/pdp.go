package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/bastion-pdp/internal/audit"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/policy"
	"go.uber.org/zap"
)

// SnapshotProvider - источник текущего набора политик (policy.Store).
type SnapshotProvider interface {
	Current() (*policy.Snapshot, error)
	Location() *time.Location
}

// ApprovalSubmitter - часть Approval Gate, нужная движку.
type ApprovalSubmitter interface {
	Submit(ctx context.Context, req domain.AccessRequest, d domain.Decision) (*domain.ApprovalRequest, error)
}

// Result - решение и, для REQUIRE_APPROVAL, заявка, по которой его ждать.
type Result struct {
	domain.Decision
	Approval *domain.ApprovalRequest `json:"approval,omitempty"`
}

// PDP - точка принятия решений: снапшот, композиция, заявки и аудит.
type PDP struct {
	store   SnapshotProvider
	gate    ApprovalSubmitter
	auditor audit.Auditor
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewPDP(store SnapshotProvider, gate ApprovalSubmitter, auditor audit.Auditor, metrics *Metrics, logger *zap.Logger) *PDP {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &PDP{
		store:   store,
		gate:    gate,
		auditor: auditor,
		metrics: metrics,
		logger:  logger.Named("pdp"),
		now:     time.Now,
	}
}

// Evaluate принимает решение по запросу. Пустой Timestamp означает «сейчас».
// REQUIRE_APPROVAL создаёт (или переиспользует) заявку.
func (p *PDP) Evaluate(ctx context.Context, req domain.AccessRequest) (Result, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		p.metrics.ErrorTotal.WithLabelValues("invalid_request").Inc()
		return Result{}, err
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = p.now()
	}

	snap, err := p.store.Current()
	if err != nil {
		p.metrics.ErrorTotal.WithLabelValues("snapshot_unavailable").Inc()
		return Result{}, err
	}

	res := Result{Decision: policy.Evaluate(snap, req)}

	if res.Verdict == domain.VerdictRequireApproval && p.gate != nil {
		app, err := p.gate.Submit(ctx, req, res.Decision)
		if err != nil {
			p.metrics.ErrorTotal.WithLabelValues("approval_submit").Inc()
			p.logger.Error("approval submit failed",
				zap.String("request", req.Summary()),
				zap.String("trace_id", TraceIDFrom(ctx)),
				zap.Error(err))
			return Result{}, fmt.Errorf("submit approval: %w", err)
		}
		res.Approval = app
	}

	verdict := string(res.Verdict)
	p.metrics.DecisionsTotal.WithLabelValues(verdict).Inc()
	p.metrics.EvaluateDuration.WithLabelValues(verdict).Observe(time.Since(start).Seconds())

	event := audit.Event{
		Timestamp:       req.Timestamp.UTC(),
		ActorID:         req.Subject.UserID,
		Kind:            audit.KindDecision,
		RequestSummary:  req.Summary(),
		Verdict:         verdict,
		MatchedPolicyID: res.MatchedPolicyID,
		SnapshotVersion: res.SnapshotVersion,
		TraceID:         TraceIDFrom(ctx),
	}
	if res.Approval != nil {
		event.ApprovalID = res.Approval.ID
	}
	// Аудит асинхронный: решение его не ждёт
	p.auditor.Log(event)

	p.logger.Debug("decision",
		zap.String("request", event.RequestSummary),
		zap.String("verdict", verdict),
		zap.String("policy_id", res.MatchedPolicyID),
		zap.Uint64("snapshot", res.SnapshotVersion))
	return res, nil
}

// Simulate отвечает так же, как Evaluate, но без заявок, аудита и метрик.
// Непустой hypothetical оценивается как самостоятельный набор политик (версия 0).
func (p *PDP) Simulate(_ context.Context, req domain.AccessRequest, hypothetical []domain.Policy) (domain.Decision, error) {
	if err := req.Validate(); err != nil {
		return domain.Decision{}, err
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = p.now()
	}

	var (
		snap *policy.Snapshot
		err  error
	)
	if hypothetical != nil {
		snap, err = policy.NewSnapshot(0, withSyntheticIDs(hypothetical), p.store.Location())
	} else {
		snap, err = p.store.Current()
	}
	if err != nil {
		return domain.Decision{}, err
	}
	return policy.Simulate(snap, req), nil
}

// Политикам what-if набора без id нужен стабильный id для отчёта о совпадении
func withSyntheticIDs(policies []domain.Policy) []domain.Policy {
	out := make([]domain.Policy, len(policies))
	for i, pol := range policies {
		if pol.ID == "" {
			pol.ID = fmt.Sprintf("hypothetical-%d", i+1)
		}
		out[i] = pol
	}
	return out
}
