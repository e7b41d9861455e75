package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// Metrics groups the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	transitions  *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	retries      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	tasksOpened  *prometheus.CounterVec
	ccDeliveries *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "transitions_total",
			Help:      "Instance transitions by operation and resulting instance status.",
		}, []string{"operation", "status"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "operation_errors_total",
			Help:      "Failed engine operations by error code.",
		}, []string{"operation", "code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "transaction_retries_total",
			Help:      "Transactions retried after a transient persistence failure.",
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "approvals",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		tasksOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "tasks_opened_total",
			Help:      "Approval tasks opened by node type.",
		}, []string{"node_type"}),
		ccDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "carbon_copy_deliveries_total",
			Help:      "Carbon-copy notification attempts by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.errorsTotal, m.retries, m.duration, m.tasksOpened, m.ccDeliveries)
	}
	return m
}

func (m *Metrics) observe(operation string, started time.Time, err error, status string) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err != nil {
		m.errorsTotal.WithLabelValues(operation, string(errors.CodeOf(err))).Inc()
		return
	}
	m.transitions.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) retried(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) opened(nodeType string, n int) {
	if m == nil {
		return
	}
	m.tasksOpened.WithLabelValues(nodeType).Add(float64(n))
}

func (m *Metrics) delivered(ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.ccDeliveries.WithLabelValues(result).Inc()
}
