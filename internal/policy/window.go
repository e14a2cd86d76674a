package policy

import (
	"time"

	"github.com/xela07ax/bastion-pdp/internal/domain"
)

// InWindow решает, попадает ли момент ts в окно доступа политики.
// Границы времени включительные с обеих сторон.
func InWindow(p *CompiledPolicy, ts time.Time) bool {
	local := ts.In(p.location)

	if len(p.days) > 0 {
		if _, ok := p.days[local.Weekday()]; !ok {
			return false
		}
	}

	if p.start != nil && p.end != nil {
		tod := domain.TimeOfDayOf(local)
		return *p.start <= tod && tod <= *p.end
	}
	return true
}
