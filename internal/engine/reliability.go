package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/policy"
	"golang.org/x/time/rate"
)

type ReliabilityConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration // Время, через которое CB попробует "закрыться"
	Attempts    uint
	CallTimeout time.Duration
	Rate        float64 // Перезагрузок в секунду
}

// ReliableSource оборачивает источник политик (БД) лимитером, предохранителем и ретраями.
// Используется для холодной загрузки и перезагрузок по сигналу.
type ReliableSource struct {
	next     policy.Source
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
	timeout  time.Duration
	metrics  *Metrics
}

func NewReliableSource(next policy.Source, cfg ReliabilityConfig, metrics *Metrics) *ReliableSource {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.Name == "" {
		cfg.Name = "policy-source"
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Каждая попытка уже включает ретраи: трёх провалов подряд достаточно
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.observeBreaker(name, to)
		},
	})
	metrics.observeBreaker(cfg.Name, gobreaker.StateClosed)

	return &ReliableSource{
		next:     next,
		cb:       cb,
		limiter:  rate.NewLimiter(limit, 1),
		attempts: cfg.Attempts,
		timeout:  cfg.CallTimeout,
		metrics:  metrics,
	}
}

func (s *ReliableSource) GetAllPolicies(ctx context.Context) ([]domain.Policy, error) {
	// 1. Rate Limiter: шторм сигналов не превращается в шторм запросов к БД
	if err := s.limiter.Wait(ctx); err != nil {
		s.metrics.ReloadsTotal.WithLabelValues("rate_limited").Inc()
		return nil, fmt.Errorf("reload rate limit: %w", err)
	}

	// 2. Circuit Breaker
	res, err := s.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(s.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)

		var policies []domain.Policy
		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			var callErr error
			policies, callErr = s.next.GetAllPolicies(tCtx)
			return callErr
		})
		return policies, retryErr
	})
	if err != nil {
		s.metrics.ReloadsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	s.metrics.ReloadsTotal.WithLabelValues("ok").Inc()
	return res.([]domain.Policy), nil
}

// State - состояние предохранителя (для /health)
func (s *ReliableSource) State() gobreaker.State { return s.cb.State() }
