package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/bastion-pdp/internal/domain"
)

type flakySource struct {
	failures int32
	calls    atomic.Int32
}

func (s *flakySource) GetAllPolicies(ctx context.Context) ([]domain.Policy, error) {
	n := s.calls.Add(1)
	if n <= s.failures {
		return nil, errors.New("connection refused")
	}
	return prodPolicies(), nil
}

func TestReliableSource_RetriesTransientFailures(t *testing.T) {
	src := &flakySource{failures: 2}
	metrics := NewMetrics(prometheus.NewRegistry())
	rs := NewReliableSource(src, ReliabilityConfig{Attempts: 3, Timeout: time.Minute}, metrics)

	policies, err := rs.GetAllPolicies(context.Background())
	require.NoError(t, err)
	assert.Len(t, policies, 2)
	assert.Equal(t, int32(3), src.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReloadsTotal.WithLabelValues("ok")))
}

func TestReliableSource_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	src := &flakySource{failures: 1 << 30}
	metrics := NewMetrics(prometheus.NewRegistry())
	rs := NewReliableSource(src, ReliabilityConfig{Name: "pg", Attempts: 1, Timeout: time.Minute}, metrics)

	for i := 0; i < 3; i++ {
		_, err := rs.GetAllPolicies(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, rs.State())
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("pg")))

	// Открытый предохранитель не пускает запрос к БД
	calls := src.calls.Load()
	_, err := rs.GetAllPolicies(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, calls, src.calls.Load())
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.ReloadsTotal.WithLabelValues("failed")))
}

func TestReliableSource_RespectsContext(t *testing.T) {
	rs := NewReliableSource(&flakySource{}, ReliabilityConfig{Rate: 0.001}, nil)

	_, err := rs.GetAllPolicies(context.Background())
	require.NoError(t, err)

	// Следующий токен лимитера придёт нескоро: отменённый контекст возвращает ошибку сразу
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rs.GetAllPolicies(ctx)
	assert.Error(t, err)
}
