package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/bastion-pdp/internal/audit"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"go.uber.org/zap"
)

func TestSweepOnce_ExpiresOnlyDueRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old, err := h.gate.Submit(ctx, prodExec("alice", "reboot"), needsApproval)
	require.NoError(t, err)
	h.clock.Advance(30 * time.Minute)
	young, err := h.gate.Submit(ctx, prodExec("dave", "reboot"), needsApproval)
	require.NoError(t, err)

	// Граница включительная: expiresAt == now уже истекла
	h.clock.Advance(30 * time.Minute)
	sweeper := NewSweeper(h.gate, time.Minute, zap.NewNop())
	assert.Equal(t, 1, sweeper.SweepOnce(ctx))

	got, err := h.gate.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Nil(t, got.Reviewer)

	got, err = h.gate.Get(ctx, young.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	assert.Contains(t, h.auditor.kinds(), audit.KindApprovalExpired)
	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := h.gate.Submit(ctx, prodExec("alice", "reboot"), needsApproval)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)

	done := make(chan struct{})
	go func() {
		NewSweeper(h.gate, 5*time.Millisecond, zap.NewNop()).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		page, err := h.gate.List(context.Background(), domain.ApprovalFilter{Status: domain.StatusExpired})
		return err == nil && page.Total == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
