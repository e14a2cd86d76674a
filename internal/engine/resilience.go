package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/bastion-pdp/internal/infra"
	"github.com/xela07ax/bastion-pdp/internal/policy"
	"go.uber.org/zap"
)

// ListenResilient - универсальный цикл для "живучей" подписки на сигналы Redis.
// Обрабатывает переподключения; onReconnect вызывается после каждой успешной подписки,
// чтобы догнать сигналы, пропущенные во время разрыва.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func(ctx context.Context) error,
	onMessage func(ctx context.Context, payload string),
) {
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if err := onReconnect(ctx); err != nil {
			logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(ctx, msg.Payload)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// Reloader - то, что умеет пересобрать снапшот из хранилища (policy.Store).
type Reloader interface {
	Reload(ctx context.Context) (*policy.Snapshot, error)
}

// RefreshListener перезагружает политики, когда другой инстанс публикует новую версию.
type RefreshListener struct {
	rdb        *redis.Client
	store      Reloader
	instanceID string
	logger     *zap.Logger
}

func NewRefreshListener(rdb *redis.Client, store Reloader, instanceID string, logger *zap.Logger) *RefreshListener {
	return &RefreshListener{
		rdb:        rdb,
		store:      store,
		instanceID: instanceID,
		logger:     logger.Named("policy-refresh"),
	}
}

// Run блокируется до отмены контекста.
func (l *RefreshListener) Run(ctx context.Context) {
	ListenResilient(ctx, l.rdb, l.logger, infra.RedisChanPolicyRefresh, l.reload, l.handle)
}

func (l *RefreshListener) handle(ctx context.Context, payload string) {
	from, version, err := infra.ParseRefreshSignal(payload)
	if err != nil {
		l.logger.Error("invalid signal format", zap.String("payload", payload), zap.Error(err))
		return
	}
	// Свои изменения уже в снапшоте
	if from == l.instanceID {
		return
	}
	l.logger.Info("policy refresh signal", zap.String("from", from), zap.Uint64("remote_version", version))
	if err := l.reload(ctx); err != nil {
		l.logger.Error("policy reload failed, keeping previous snapshot", zap.Error(err))
	}
}

func (l *RefreshListener) reload(ctx context.Context) error {
	_, err := l.store.Reload(ctx)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
