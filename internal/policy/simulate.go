package policy

import "github.com/xela07ax/bastion-pdp/internal/domain"

// Simulate - тот же Evaluate, но под отдельным именем для what-if проверок из админки и тестов.
// Никаких побочных эффектов: заявки на подтверждение не создаются, снапшот не меняется.
func Simulate(s *Snapshot, req domain.AccessRequest) domain.Decision {
	return Evaluate(s, req)
}
