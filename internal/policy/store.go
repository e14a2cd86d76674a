package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"go.uber.org/zap"
)

// Source - откуда берётся полный набор политик при (пере)загрузке.
type Source interface {
	GetAllPolicies(ctx context.Context) ([]domain.Policy, error)
}

// Repository - долговременное хранилище политик (Postgres или память).
type Repository interface {
	Source
	CreatePolicy(ctx context.Context, p *domain.Policy) error
	UpdatePolicy(ctx context.Context, p *domain.Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

// Notifier оповещает другие инстансы о новой версии набора политик.
type Notifier interface {
	PolicyUpdated(ctx context.Context, version uint64) error
}

// Store держит текущий снапшот за одним атомарным указателем.
// Чтение (Current) не берёт блокировок; изменения сериализованы writer-мьютексом
// и публикуют новый снапшот только после успешной записи в хранилище.
type Store struct {
	current atomic.Pointer[Snapshot]
	writeMu sync.Mutex

	repo     Repository
	source   Source
	notifier Notifier
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time
	// Вызывается под writeMu после каждой смены снапшота
	onSwap func(*Snapshot)
}

type Option func(*Store)

// WithSource подменяет источник перезагрузок (например, обёрткой с ретраями).
func WithSource(src Source) Option { return func(s *Store) { s.source = src } }

func WithNotifier(n Notifier) Option { return func(s *Store) { s.notifier = n } }

// WithLocation задаёт зону по умолчанию для политик без собственной timezone.
func WithLocation(loc *time.Location) Option { return func(s *Store) { s.loc = loc } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l.Named("policy-store") } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithSwapHook - наблюдатель за сменой снапшота (метрики версии).
func WithSwapHook(fn func(*Snapshot)) Option { return func(s *Store) { s.onSwap = fn } }

func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		source: repo,
		loc:    time.UTC,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Current возвращает снапшот, с которым должна работать вся оценка целиком.
func (s *Store) Current() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, domain.ErrSnapshotUnavailable
	}
	return snap, nil
}

// Location - зона по умолчанию (нужна для what-if снапшотов).
func (s *Store) Location() *time.Location { return s.loc }

// reloadRaces - сколько раз Reload перечитывает источник, если снапшот сменился во время чтения.
// Потом читает уже под writeMu.
const reloadRaces = 3

// Reload выполняет «холодную загрузку» всех политик из источника.
// При ошибке старый снапшот остаётся в силе.
// Источник (ретраи, лимитер) читается без writeMu, чтобы не блокировать CRUD;
// под мьютексом только сборка и замена снапшота.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	for range reloadRaces {
		seen := s.current.Load()
		policies, err := s.source.GetAllPolicies(ctx)
		if err != nil {
			return nil, fmt.Errorf("policy store: load policies: %w", err)
		}

		s.writeMu.Lock()
		if s.current.Load() != seen {
			// Пока читали, прошла запись: прочитанный набор мог её не увидеть
			s.writeMu.Unlock()
			continue
		}
		snap, err := s.install(policies)
		s.writeMu.Unlock()
		return snap, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	policies, err := s.source.GetAllPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy store: load policies: %w", err)
	}
	return s.install(policies)
}

// install собирает и публикует снапшот из полного набора; вызывается под writeMu.
func (s *Store) install(policies []domain.Policy) (*Snapshot, error) {
	snap, err := NewSnapshot(s.nextVersion(), policies, s.loc)
	if err != nil {
		s.logger.Error("stored policy set rejected, keeping previous snapshot", zap.Error(err))
		return nil, fmt.Errorf("policy store: build snapshot: %w", err)
	}

	s.swap(snap)
	s.logger.Info("policy snapshot loaded",
		zap.Uint64("version", snap.Version()),
		zap.Int("policies", snap.Len()),
		zap.Int("active", len(snap.Active())))
	return snap, nil
}

// Create сохраняет новую политику и публикует снапшот с ней.
// Возвращает версию опубликованного снапшота.
func (s *Store) Create(ctx context.Context, p domain.Policy) (domain.Policy, uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.Current()
	if err != nil {
		return domain.Policy{}, 0, err
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	} else if _, exists := cur.Get(p.ID); exists {
		return domain.Policy{}, 0, &domain.ValidationError{Fields: []domain.FieldError{{Field: "id", Message: "already exists"}}}
	}
	now := s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	cp, err := Compile(p, s.loc)
	if err != nil {
		return domain.Policy{}, 0, err
	}
	stored := cp.Policy.Clone()
	if err := s.repo.CreatePolicy(ctx, &stored); err != nil {
		return domain.Policy{}, 0, fmt.Errorf("policy store: create: %w", err)
	}

	next := cur.with(cp)
	s.publish(ctx, next, "create", p.ID)
	return cp.Policy.Clone(), next.Version(), nil
}

// Update заменяет политику целиком (id и createdAt сохраняются).
func (s *Store) Update(ctx context.Context, id string, p domain.Policy) (domain.Policy, uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.Current()
	if err != nil {
		return domain.Policy{}, 0, err
	}
	old, ok := cur.Get(id)
	if !ok {
		return domain.Policy{}, 0, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
	}

	p.ID = id
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = s.now().UTC()

	cp, err := Compile(p, s.loc)
	if err != nil {
		return domain.Policy{}, 0, err
	}
	stored := cp.Policy.Clone()
	if err := s.repo.UpdatePolicy(ctx, &stored); err != nil {
		return domain.Policy{}, 0, fmt.Errorf("policy store: update: %w", err)
	}

	next := cur.with(cp)
	s.publish(ctx, next, "update", id)
	return cp.Policy.Clone(), next.Version(), nil
}

func (s *Store) Delete(ctx context.Context, id string) (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.Current()
	if err != nil {
		return 0, err
	}
	if _, ok := cur.Get(id); !ok {
		return 0, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
	}
	if err := s.repo.DeletePolicy(ctx, id); err != nil {
		return 0, fmt.Errorf("policy store: delete: %w", err)
	}

	next := cur.without(id)
	s.publish(ctx, next, "delete", id)
	return next.Version(), nil
}

// publish вызывается под writeMu: атомарно меняет указатель и оповещает соседей.
func (s *Store) publish(ctx context.Context, next *Snapshot, op, id string) {
	s.swap(next)
	s.logger.Info("policy snapshot published",
		zap.String("op", op),
		zap.String("policy_id", id),
		zap.Uint64("version", next.Version()))

	if s.notifier == nil {
		return
	}
	// Сбой доставки сигнала не откатывает изменение: соседи догонят при следующей перезагрузке
	if err := s.notifier.PolicyUpdated(ctx, next.Version()); err != nil {
		s.logger.Warn("policy update signal failed", zap.Error(err))
	}
}

func (s *Store) nextVersion() uint64 {
	if cur := s.current.Load(); cur != nil {
		return cur.Version() + 1
	}
	return 1
}

func (s *Store) swap(next *Snapshot) {
	s.current.Store(next)
	if s.onSwap != nil {
		s.onSwap(next)
	}
}
