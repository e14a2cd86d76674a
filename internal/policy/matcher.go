package policy

import "github.com/xela07ax/bastion-pdp/internal/domain"

// Select отбирает политики-кандидаты для запроса в порядке снапшота.
// Кандидат: активна, роль подходит, и каждое непустое измерение цели подходит.
func Select(s *Snapshot, req domain.AccessRequest) []*CompiledPolicy {
	var out []*CompiledPolicy
	for _, cp := range s.Active() {
		if cp.Applies(req) {
			out = append(out, cp)
		}
	}
	return out
}

// Applies проверяет только селектор (роль и цель), без времени и команд.
func (p *CompiledPolicy) Applies(req domain.AccessRequest) bool {
	if !p.IsActive {
		return false
	}
	if !contains(p.roles, req.Subject.Role) {
		return false
	}
	if !contains(p.environments, req.Target.Environment) {
		return false
	}
	if !contains(p.servers, req.Target.ServerID) {
		return false
	}
	if p.tags != nil {
		hit := false
		for _, t := range req.Target.Tags {
			if _, ok := p.tags[t]; ok {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// contains: пустое множество означает «любое значение».
func contains(set map[string]struct{}, v string) bool {
	if set == nil {
		return true
	}
	_, ok := set[v]
	return ok
}
