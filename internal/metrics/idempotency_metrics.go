package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdempotencyMetrics содержит метрики очистки и повторов по idempotency-key.
type IdempotencyMetrics struct {
	cleanupRuns *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
	requests    *prometheus.CounterVec
}

// NewIdempotencyMetrics создаёт метрики в DefaultRegisterer.
func NewIdempotencyMetrics() *IdempotencyMetrics {
	return NewIdempotencyMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewIdempotencyMetricsWithRegisterer создаёт метрики в указанном реестре.
func NewIdempotencyMetricsWithRegisterer(registerer prometheus.Registerer) *IdempotencyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &IdempotencyMetrics{
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result",
		}, []string{"result"}),
		deleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records",
		}),
		lastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "marketplace_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run",
		}),
		requests: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_idempotency_requests_total",
			Help: "Total number of requests carrying an idempotency key grouped by outcome",
		}, []string{"outcome"}),
	}
}

// RecordCleanupRun учитывает запуск очистки.
func (m *IdempotencyMetrics) RecordCleanupRun(result string, deleted int) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.lastDeleted.Set(float64(deleted))
	}
}

// RecordDeleted учитывает удалённые записи одного batch.
func (m *IdempotencyMetrics) RecordDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deleted.Add(float64(n))
}

// RecordRequest учитывает исход запроса с idempotency-key: new, replay, conflict, in_progress.
func (m *IdempotencyMetrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}
