package audit

/*
Trail - асинхронный журнал аудита решений и заявок.

- Путь принятия решения никогда не ждёт записи: Log кладёт событие в буферизованный канал
  и при переполнении сбрасывает его (load shedding) с ошибкой в лог.
- Воркер пишет пачками: по заполнению пачки или по таймеру.
- Stop закрывает вход и дописывает всё, что осталось в канале (drain).
- Ошибки доставки только логируются, повторов нет.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

type Auditor interface {
	Log(event Event)
}

// Nop - аудитор, который ничего не пишет
type Nop struct{}

func (Nop) Log(Event) {}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	return o
}

type Trail struct {
	ch     chan Event
	repo   Storage
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup

	isClosed atomic.Bool
	dropped  atomic.Uint64
	// Защищает отправку в канал от гонки с close в Stop
	sendMu sync.RWMutex
}

func NewTrail(repo Storage, logger *zap.Logger, opts Options) *Trail {
	opts = opts.withDefaults()
	return &Trail{
		ch:     make(chan Event, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		logger: logger.With(zap.String("mod", "audit")),
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop запирает вход и ждёт, пока воркер всё допишет.
func (t *Trail) Stop() {
	t.sendMu.Lock()
	if t.isClosed.Swap(true) {
		t.sendMu.Unlock()
		return
	}
	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.sendMu.Unlock()

	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully", zap.Uint64("dropped", t.dropped.Load()))
}

func (t *Trail) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.sendMu.RLock()
	defer t.sendMu.RUnlock()

	if t.isClosed.Load() {
		t.logger.Warn("audit event dropped: trail is stopping", zap.String("id", event.ID))
		t.dropped.Add(1)
		return
	}

	select {
	case t.ch <- event:
	default:
		// Backpressure: не блокируем горячий путь
		t.dropped.Add(1)
		t.logger.Error("audit_buffer_overflow",
			zap.String("actor_id", event.ActorID),
			zap.String("kind", event.Kind),
			zap.String("trace_id", event.TraceID),
		)
	}
}

// Len - текущая заполненность буфера
func (t *Trail) Len() int { return len(t.ch) }

// Dropped - сколько событий потеряно из-за переполнения или остановки
func (t *Trail) Dropped() uint64 { return t.dropped.Load() }

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Event, 0, t.opts.BatchSize)
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть закрыт
		if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]Event, 0, t.opts.BatchSize)
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= t.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
