package policy

import (
	"sort"
	"time"

	"github.com/xela07ax/bastion-pdp/internal/domain"
)

// Snapshot - неизменяемая версионированная копия всего набора политик.
// Одна оценка всегда работает с одним снапшотом целиком.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	all      []*CompiledPolicy // priority desc, id asc
	active   []*CompiledPolicy // то же, только isActive
	byID     map[string]*CompiledPolicy
}

// NewSnapshot компилирует политики и упорядочивает их.
// Любая невалидная политика отклоняет весь снапшот.
func NewSnapshot(version uint64, policies []domain.Policy, loc *time.Location) (*Snapshot, error) {
	compiled := make([]*CompiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := Compile(p, loc)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cp)
	}
	return rebuild(version, compiled), nil
}

func less(a, b *CompiledPolicy) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Active - активные политики в порядке оценки. Слайс не изменять.
func (s *Snapshot) Active() []*CompiledPolicy { return s.active }

func (s *Snapshot) Len() int { return len(s.all) }

func (s *Snapshot) Get(id string) (domain.Policy, bool) {
	cp, ok := s.byID[id]
	if !ok {
		return domain.Policy{}, false
	}
	return cp.Policy.Clone(), true
}

// Policies возвращает копию всех политик в порядке оценки, опционально только активные.
func (s *Snapshot) Policies(onlyActive bool) []domain.Policy {
	src := s.all
	if onlyActive {
		src = s.active
	}
	out := make([]domain.Policy, 0, len(src))
	for _, cp := range src {
		out = append(out, cp.Policy.Clone())
	}
	return out
}

// with строит следующую версию с добавленной/заменённой политикой.
func (s *Snapshot) with(cp *CompiledPolicy) *Snapshot {
	next := make([]*CompiledPolicy, 0, len(s.all)+1)
	for _, old := range s.all {
		if old.ID != cp.ID {
			next = append(next, old)
		}
	}
	next = append(next, cp)
	return rebuild(s.version+1, next)
}

// without строит следующую версию без политики id.
func (s *Snapshot) without(id string) *Snapshot {
	next := make([]*CompiledPolicy, 0, len(s.all))
	for _, old := range s.all {
		if old.ID != id {
			next = append(next, old)
		}
	}
	return rebuild(s.version+1, next)
}

func rebuild(version uint64, compiled []*CompiledPolicy) *Snapshot {
	sort.SliceStable(compiled, func(i, j int) bool { return less(compiled[i], compiled[j]) })
	s := &Snapshot{
		version:  version,
		loadedAt: time.Now(),
		all:      compiled,
		byID:     make(map[string]*CompiledPolicy, len(compiled)),
	}
	for _, cp := range compiled {
		s.byID[cp.ID] = cp
		if cp.IsActive {
			s.active = append(s.active, cp)
		}
	}
	return s
}
