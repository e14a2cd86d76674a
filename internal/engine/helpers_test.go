package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xela07ax/bastion-pdp/internal/approval"
	"github.com/xela07ax/bastion-pdp/internal/audit"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/policy"
	"go.uber.org/zap"
)

// вторник, 14:00 UTC
var tuesday = time.Date(2026, 10, 13, 14, 0, 0, 0, time.UTC)

type captureAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *captureAuditor) Log(e audit.Event) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func (a *captureAuditor) snapshot() []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Event(nil), a.events...)
}

func prodPolicies() []domain.Policy {
	return []domain.Policy{
		{
			ID:              "prod-approval",
			Name:            "prod needs approval",
			Priority:        50,
			IsActive:        true,
			TargetSelector:  domain.TargetSelector{Environments: []string{"prod"}},
			CommandMode:     domain.ModeBlacklist,
			CommandPatterns: []string{"rm -rf *"},
			RequireApproval: true,
		},
		{
			ID:              "staging-open",
			Name:            "staging open",
			Priority:        10,
			IsActive:        true,
			TargetSelector:  domain.TargetSelector{Environments: []string{"staging"}},
			CommandMode:     domain.ModeBlacklist,
			CommandPatterns: []string{"shutdown*"},
		},
	}
}

type fixture struct {
	pdp     *PDP
	store   *policy.Store
	gate    *approval.Gate
	auditor *captureAuditor
}

func newFixture(t *testing.T, load bool) *fixture {
	t.Helper()
	store := policy.NewStore(policy.NewMemoryRepository(prodPolicies()...), policy.WithLogger(zap.NewNop()))
	if load {
		_, err := store.Reload(context.Background())
		require.NoError(t, err)
	}
	auditor := &captureAuditor{}
	gate := approval.NewGate(approval.NewMemoryRepository(), approval.WithClock(func() time.Time { return tuesday }))
	pdp := NewPDP(store, gate, auditor, NewMetrics(nil), zap.NewNop())
	pdp.now = func() time.Time { return tuesday }
	return &fixture{pdp: pdp, store: store, gate: gate, auditor: auditor}
}

func request(env, command string) domain.AccessRequest {
	req := domain.AccessRequest{
		Subject: domain.Subject{UserID: "alice", Role: "developer"},
		Target:  domain.Target{ServerID: "srv-1", Environment: env},
		Action:  domain.Action{Type: domain.ActionConnect},
	}
	if command != "" {
		req.Action = domain.Action{Type: domain.ActionExecute, Command: command}
	}
	return req
}
