package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/policy"
)

type Metrics struct {
	// Latency: время одной оценки
	EvaluateDuration *prometheus.HistogramVec

	// Traffic: решения по вердиктам
	DecisionsTotal *prometheus.CounterVec

	// Errors: классификация отказов (invalid_request, snapshot_unavailable, approval_submit)
	ErrorTotal *prometheus.CounterVec

	// Заявки: переходы статусов
	ApprovalTransitions *prometheus.CounterVec

	// Версия набора политик, которым сейчас отвечает инстанс
	SnapshotVersion prometheus.Gauge
	ReloadsTotal    *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - закрыт, 1 - полуоткрыт, 2 - открыт)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EvaluateDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdp_evaluate_duration_seconds",
			Help:    "Histogram of policy evaluation latencies.",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"verdict"}),

		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pdp_decisions_total",
			Help: "Total number of decisions by verdict.",
		}, []string{"verdict"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pdp_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}),

		ApprovalTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pdp_approval_transitions_total",
			Help: "Approval requests entering each status.",
		}, []string{"status"}),

		SnapshotVersion: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pdp_policy_snapshot_version",
			Help: "Version of the policy snapshot currently served.",
		}),

		ReloadsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pdp_policy_reloads_total",
			Help: "Policy snapshot reloads by result.",
		}, []string{"result"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "pdp_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pdp_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}

// ObserveApproval реализует approval.Recorder
func (m *Metrics) ObserveApproval(s domain.ApprovalStatus) {
	m.ApprovalTransitions.WithLabelValues(string(s)).Inc()
}

// ObserveSnapshot подключается к policy.WithSwapHook
func (m *Metrics) ObserveSnapshot(s *policy.Snapshot) {
	m.SnapshotVersion.Set(float64(s.Version()))
}

func (m *Metrics) observeBreaker(name string, st gobreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(st))
}
