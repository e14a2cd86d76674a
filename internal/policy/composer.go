package policy

import (
	"fmt"

	"github.com/xela07ax/bastion-pdp/internal/domain"
)

// Evaluate - чистая функция над снапшотом и запросом: без I/O, без блокировок.
//
// Кандидаты проверяются в порядке приоритета. Первый DENY или REQUIRE_APPROVAL
// сразу становится итогом (deny-overrides). ALLOW не останавливает перебор.
// Если кандидатов нет - DENY (fail-closed).
func Evaluate(s *Snapshot, req domain.AccessRequest) domain.Decision {
	candidates := Select(s, req)
	if len(candidates) == 0 {
		return domain.Decision{
			Verdict:         domain.VerdictDeny,
			Reason:          domain.ReasonNoApplicablePolicy,
			SnapshotVersion: s.Version(),
		}
	}

	for _, cp := range candidates {
		verdict, reason := contribute(cp, req)
		if verdict != domain.VerdictAllow {
			return domain.Decision{
				Verdict:         verdict,
				MatchedPolicyID: cp.ID,
				Reason:          reason,
				SnapshotVersion: s.Version(),
			}
		}
	}

	// Все кандидаты разрешили: для аудита указываем самый приоритетный
	first := candidates[0]
	return domain.Decision{
		Verdict:         domain.VerdictAllow,
		MatchedPolicyID: first.ID,
		Reason:          fmt.Sprintf("allowed by policy %q and %d other applicable policies", first.Name, len(candidates)-1),
		SnapshotVersion: s.Version(),
	}
}

// contribute - вклад одной политики в итог.
func contribute(cp *CompiledPolicy, req domain.AccessRequest) (domain.Verdict, string) {
	// Окно проверяется первым и при промахе сразу даёт DENY
	if !InWindow(cp, req.Timestamp) {
		return domain.VerdictDeny, fmt.Sprintf("policy %q: outside allowed window (%s)", cp.Name, windowString(cp))
	}

	if req.Action.Type == domain.ActionExecute {
		p, matched := MatchesAny(cp.patterns, req.Action.Command)
		switch cp.CommandMode {
		case domain.ModeBlacklist:
			if matched {
				return domain.VerdictDeny, fmt.Sprintf("policy %q: command matches blacklisted pattern %q", cp.Name, p.String())
			}
		case domain.ModeWhitelist:
			if !matched {
				return domain.VerdictDeny, fmt.Sprintf("policy %q: command matches no whitelisted pattern", cp.Name)
			}
		default:
			return domain.VerdictDeny, fmt.Sprintf("policy %q: unknown command mode", cp.Name)
		}
	}

	if cp.RequireApproval {
		return domain.VerdictRequireApproval, fmt.Sprintf("policy %q requires approval", cp.Name)
	}
	return domain.VerdictAllow, ""
}

func windowString(cp *CompiledPolicy) string {
	s := "days="
	if len(cp.AllowedDays) == 0 {
		s += "any"
	} else {
		s += fmt.Sprint(cp.AllowedDays)
	}
	if cp.start != nil && cp.end != nil {
		s += fmt.Sprintf(" hours=%s-%s", cp.start, cp.end)
	}
	return s + " tz=" + cp.location.String()
}
