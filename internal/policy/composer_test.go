package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/bastion-pdp/internal/domain"
)

// вторник, 14:00 UTC
var tuesdayAfternoon = time.Date(2026, 10, 13, 14, 0, 0, 0, time.UTC)

func operatorBlacklist() domain.Policy {
	return domain.Policy{
		ID:               "ops-blacklist",
		Name:             "operators blacklist",
		Priority:         100,
		IsActive:         true,
		TargetSelector:   domain.TargetSelector{Roles: []string{"OPERATOR"}},
		CommandMode:      domain.ModeBlacklist,
		CommandPatterns:  []string{"rm -rf *", "DROP TABLE*"},
		AllowedDays:      []int{1, 2, 3, 4, 5},
		AllowedStartTime: domain.Clock(9, 0, 0),
		AllowedEndTime:   domain.Clock(18, 0, 0),
	}
}

func mustSnapshot(t *testing.T, policies ...domain.Policy) *Snapshot {
	t.Helper()
	s, err := NewSnapshot(7, policies, time.UTC)
	require.NoError(t, err)
	return s
}

func execAs(role, command string, at time.Time) domain.AccessRequest {
	return domain.AccessRequest{
		Subject:   domain.Subject{UserID: "u-1", Role: role},
		Target:    domain.Target{ServerID: "srv-1", Environment: "PROD", Tags: []string{"db"}},
		Action:    domain.Action{Type: domain.ActionExecute, Command: command},
		Timestamp: at,
	}
}

func connectAs(role, env string, at time.Time) domain.AccessRequest {
	return domain.AccessRequest{
		Subject:   domain.Subject{UserID: "u-2", Role: role},
		Target:    domain.Target{ServerID: "srv-2", Environment: env},
		Action:    domain.Action{Type: domain.ActionConnect},
		Timestamp: at,
	}
}

func TestBlacklistSemantics(t *testing.T) {
	s := mustSnapshot(t, operatorBlacklist())

	d := Simulate(s, execAs("OPERATOR", "ls -la", tuesdayAfternoon))
	assert.Equal(t, domain.VerdictAllow, d.Verdict)
	assert.Equal(t, "ops-blacklist", d.MatchedPolicyID)
	assert.Equal(t, uint64(7), d.SnapshotVersion)

	d = Simulate(s, execAs("OPERATOR", "rm -rf /var", tuesdayAfternoon))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, "ops-blacklist", d.MatchedPolicyID)
	assert.Contains(t, d.Reason, `"rm -rf *"`)
}

func TestWeekdayExclusion(t *testing.T) {
	s := mustSnapshot(t, operatorBlacklist())
	saturday := time.Date(2026, 10, 17, 14, 0, 0, 0, time.UTC)

	for _, cmd := range []string{"ls -la", "rm -rf /"} {
		d := Simulate(s, execAs("OPERATOR", cmd, saturday))
		assert.Equal(t, domain.VerdictDeny, d.Verdict, cmd)
		assert.Contains(t, d.Reason, "outside allowed window")
	}

	d := Simulate(s, connectAs("OPERATOR", "PROD", saturday))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
}

func TestWindowBoundaryThroughEvaluate(t *testing.T) {
	s := mustSnapshot(t, operatorBlacklist())
	day := time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, domain.VerdictAllow, Simulate(s, execAs("OPERATOR", "ls", day.Add(9*time.Hour))).Verdict)
	assert.Equal(t, domain.VerdictAllow, Simulate(s, execAs("OPERATOR", "ls", day.Add(18*time.Hour))).Verdict)
	assert.Equal(t, domain.VerdictDeny, Simulate(s, execAs("OPERATOR", "ls", day.Add(9*time.Hour-time.Second))).Verdict)
	assert.Equal(t, domain.VerdictDeny, Simulate(s, execAs("OPERATOR", "ls", day.Add(18*time.Hour+time.Second))).Verdict)
}

func TestWhitelistSemantics(t *testing.T) {
	s := mustSnapshot(t, domain.Policy{
		ID:              "dev-whitelist",
		Name:            "developers whitelist",
		Priority:        10,
		IsActive:        true,
		CommandMode:     domain.ModeWhitelist,
		CommandPatterns: []string{"git *", "ls*"},
	})

	assert.Equal(t, domain.VerdictAllow, Simulate(s, execAs("DEV", "git push", tuesdayAfternoon)).Verdict)
	assert.Equal(t, domain.VerdictAllow, Simulate(s, execAs("DEV", "ls", tuesdayAfternoon)).Verdict)

	d := Simulate(s, execAs("DEV", "vim /etc/passwd", tuesdayAfternoon))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, "dev-whitelist", d.MatchedPolicyID)

	// CONNECT не проверяет команды
	assert.Equal(t, domain.VerdictAllow, Simulate(s, connectAs("DEV", "PROD", tuesdayAfternoon)).Verdict)
}

func TestBlacklistShellMetacharsAreLiteral(t *testing.T) {
	s := mustSnapshot(t, domain.Policy{
		ID:              "no-forkbomb",
		Name:            "fork bomb",
		IsActive:        true,
		CommandMode:     domain.ModeBlacklist,
		CommandPatterns: []string{":(){ :|:& };:", "[ -f /etc/passwd ]*"},
	})

	d := Simulate(s, execAs("ANY", ":(){ :|:& };:", tuesdayAfternoon))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, "no-forkbomb", d.MatchedPolicyID)

	d = Simulate(s, execAs("ANY", "[ -f /etc/passwd ] && cat /etc/passwd", tuesdayAfternoon))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)

	assert.Equal(t, domain.VerdictAllow, Simulate(s, execAs("ANY", "uptime", tuesdayAfternoon)).Verdict)
}

func TestWhitelistPrefixSuffixDoNotOverlap(t *testing.T) {
	s := mustSnapshot(t, domain.Policy{
		ID: "wl", Name: "wl", IsActive: true, CommandMode: domain.ModeWhitelist,
		CommandPatterns: []string{"b*b", "ls -l*l"},
	})

	for _, cmd := range []string{"b", "ls -l"} {
		assert.Equal(t, domain.VerdictDeny, Simulate(s, execAs("DEV", cmd, tuesdayAfternoon)).Verdict, cmd)
	}
	for _, cmd := range []string{"bb", "ls -lal"} {
		assert.Equal(t, domain.VerdictAllow, Simulate(s, execAs("DEV", cmd, tuesdayAfternoon)).Verdict, cmd)
	}
}

func TestEmptyWhitelistDeniesEverything(t *testing.T) {
	s := mustSnapshot(t, domain.Policy{
		ID: "empty-wl", Name: "empty whitelist", IsActive: true, CommandMode: domain.ModeWhitelist,
	})
	for _, cmd := range []string{"ls", "git status", "*"} {
		assert.Equal(t, domain.VerdictDeny, Simulate(s, execAs("DEV", cmd, tuesdayAfternoon)).Verdict, cmd)
	}
}

func TestPriorityOverride(t *testing.T) {
	s := mustSnapshot(t,
		domain.Policy{ID: "P1", Name: "allow all", Priority: 50, IsActive: true, CommandMode: domain.ModeBlacklist},
		domain.Policy{
			ID:              "P2",
			Name:            "viewer prod approval",
			Priority:        200,
			IsActive:        true,
			TargetSelector:  domain.TargetSelector{Roles: []string{"VIEWER"}, Environments: []string{"PROD"}},
			CommandMode:     domain.ModeBlacklist,
			RequireApproval: true,
		},
	)

	d := Simulate(s, connectAs("VIEWER", "PROD", tuesdayAfternoon))
	assert.Equal(t, domain.VerdictRequireApproval, d.Verdict)
	assert.Equal(t, "P2", d.MatchedPolicyID)

	// В STAGING P2 не применяется - остаётся ALLOW от P1
	d = Simulate(s, connectAs("VIEWER", "STAGING", tuesdayAfternoon))
	assert.Equal(t, domain.VerdictAllow, d.Verdict)
	assert.Equal(t, "P1", d.MatchedPolicyID)
}

func TestLowerPriorityDenyOverridesAllow(t *testing.T) {
	s := mustSnapshot(t,
		domain.Policy{ID: "allow", Name: "allow", Priority: 500, IsActive: true, CommandMode: domain.ModeBlacklist},
		domain.Policy{ID: "deny-rm", Name: "deny rm", Priority: 1, IsActive: true, CommandMode: domain.ModeBlacklist, CommandPatterns: []string{"rm *"}},
		domain.Policy{ID: "approve-all", Name: "approve", Priority: 0, IsActive: true, CommandMode: domain.ModeBlacklist, RequireApproval: true},
	)

	d := Simulate(s, execAs("ANY", "rm /tmp/x", tuesdayAfternoon))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, "deny-rm", d.MatchedPolicyID, "first DENY in priority order is reported")

	d = Simulate(s, execAs("ANY", "uptime", tuesdayAfternoon))
	assert.Equal(t, domain.VerdictRequireApproval, d.Verdict)
	assert.Equal(t, "approve-all", d.MatchedPolicyID)
}

func TestTieBreakByID(t *testing.T) {
	s := mustSnapshot(t,
		domain.Policy{ID: "b", Name: "b", Priority: 10, IsActive: true, CommandMode: domain.ModeBlacklist, RequireApproval: true},
		domain.Policy{ID: "a", Name: "a", Priority: 10, IsActive: true, CommandMode: domain.ModeBlacklist, CommandPatterns: []string{"*"}},
	)
	d := Simulate(s, execAs("X", "ls", tuesdayAfternoon))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, "a", d.MatchedPolicyID)
}

func TestFailClosed(t *testing.T) {
	tests := []struct {
		name     string
		policies []domain.Policy
		req      domain.AccessRequest
	}{
		{"empty snapshot", nil, connectAs("ADMIN", "PROD", tuesdayAfternoon)},
		{"role mismatch", []domain.Policy{operatorBlacklist()}, execAs("VIEWER", "ls", tuesdayAfternoon)},
		{"inactive policy", []domain.Policy{{ID: "off", Name: "off", CommandMode: domain.ModeBlacklist}}, connectAs("ADMIN", "PROD", tuesdayAfternoon)},
		{"environment mismatch", []domain.Policy{{
			ID: "stg", Name: "stg", IsActive: true, CommandMode: domain.ModeBlacklist,
			TargetSelector: domain.TargetSelector{Environments: []string{"STAGING"}},
		}}, connectAs("ADMIN", "PROD", tuesdayAfternoon)},
		{"server mismatch", []domain.Policy{{
			ID: "srv", Name: "srv", IsActive: true, CommandMode: domain.ModeBlacklist,
			TargetSelector: domain.TargetSelector{ServerIDs: []string{"srv-9"}},
		}}, connectAs("ADMIN", "PROD", tuesdayAfternoon)},
		{"tag mismatch", []domain.Policy{{
			ID: "tag", Name: "tag", IsActive: true, CommandMode: domain.ModeBlacklist,
			TargetSelector: domain.TargetSelector{Tags: []string{"web"}},
		}}, execAs("ADMIN", "ls", tuesdayAfternoon)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Simulate(mustSnapshot(t, tt.policies...), tt.req)
			assert.Equal(t, domain.VerdictDeny, d.Verdict)
			assert.Equal(t, domain.ReasonNoApplicablePolicy, d.Reason)
			assert.Empty(t, d.MatchedPolicyID)
		})
	}
}

func TestSelectorMatchesTagIntersection(t *testing.T) {
	s := mustSnapshot(t, domain.Policy{
		ID: "db", Name: "db hosts", IsActive: true, CommandMode: domain.ModeBlacklist,
		TargetSelector: domain.TargetSelector{Tags: []string{"cache", "db"}, ServerIDs: []string{"srv-1"}},
	})
	got := Select(s, execAs("ANY", "ls", tuesdayAfternoon))
	require.Len(t, got, 1)
	assert.Equal(t, "db", got[0].ID)
}

func TestDeterminismUnderConcurrency(t *testing.T) {
	s := mustSnapshot(t, operatorBlacklist(),
		domain.Policy{ID: "approve", Name: "approve", Priority: 1, IsActive: true, CommandMode: domain.ModeBlacklist, RequireApproval: true})
	req := execAs("OPERATOR", "ls -la", tuesdayAfternoon)
	want := Evaluate(s, req)

	var wg sync.WaitGroup
	results := make([]domain.Decision, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Evaluate(s, req)
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want, got)
	}
}
