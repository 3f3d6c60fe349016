package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты операций над заказами для label `result`.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// OrderMetrics содержит метрики жизненного цикла заказов.
type OrderMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec

	// Движение стока в штуках товара.
	stockReserved prometheus.Counter
	stockRestored prometheus.Counter

	timelineEvents prometheus.Counter
	outboxEvents   *prometheus.CounterVec
}

// NewOrderMetrics создаёт метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer создаёт метрики в указанном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_order_operations_total",
			Help: "Total number of order lifecycle operations by result",
		}, []string{"operation", "result"}),
		duration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "marketplace_order_operation_duration_seconds",
			Help:    "Duration of order lifecycle operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		stockReserved: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_stock_units_reserved_total",
			Help: "Total number of product units taken from stock by new orders",
		}),
		stockRestored: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_stock_units_restored_total",
			Help: "Total number of product units returned to stock by cancellations",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_outbox_events_enqueued_total",
			Help: "Total number of events written to the transactional outbox",
		}, []string{"event_type"}),
	}
}

// RecordOperation учитывает результат и длительность операции.
func (m *OrderMetrics) RecordOperation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStockReserved учитывает списанные со стока единицы.
func (m *OrderMetrics) RecordStockReserved(units int32) {
	if m == nil || units <= 0 {
		return
	}
	m.stockReserved.Add(float64(units))
}

// RecordStockRestored учитывает возвращённые на сток единицы.
func (m *OrderMetrics) RecordStockRestored(units int32) {
	if m == nil || units <= 0 {
		return
	}
	m.stockRestored.Add(float64(units))
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий, записанных в outbox.
func (m *OrderMetrics) RecordOutboxEvent(eventType string) {
	if m == nil {
		return
	}
	m.outboxEvents.WithLabelValues(eventType).Inc()
}
