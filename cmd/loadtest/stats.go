package main

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc/codes"
)

const (
	scenarioMethod = "scenario"

	callsMetric   = "loadtest_calls_total"
	latencyMetric = "loadtest_call_duration_seconds"
)

// recorder копит коды и задержки вызовов в собственном реестре prometheus;
// отчёт строится из Gather, квантили считает Summary.
type recorder struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	latency  *prometheus.SummaryVec
}

func newRecorder() *recorder {
	r := &recorder{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: callsMetric,
			Help: "Order service calls made by the load test by method and gRPC code",
		}, []string{"method", "code"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       latencyMetric,
			Help:       "Order service call latency seen by the load test",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}, []string{"method"}),
	}
	r.registry.MustRegister(r.calls, r.latency)
	return r
}

func (r *recorder) observe(method string, elapsed time.Duration, code codes.Code) {
	r.calls.WithLabelValues(method, code.String()).Inc()
	r.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// snapshot сворачивает собранные метрики в отчёт по методам.
func (r *recorder) snapshot() (map[string]methodReport, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, err
	}

	methods := make(map[string]methodReport)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			method := labelValue(metric, "method")
			rep := methods[method]
			switch family.GetName() {
			case callsMetric:
				n := int64(metric.GetCounter().GetValue())
				code := labelValue(metric, "code")
				if rep.Codes == nil {
					rep.Codes = make(map[string]int64)
				}
				rep.Codes[code] += n
				rep.Calls += n
				if code != codes.OK.String() {
					rep.Failed += n
				}
			case latencyMetric:
				rep.LatencyMs = latencyFrom(metric.GetSummary())
			}
			methods[method] = rep
		}
	}
	for name, rep := range methods {
		rep.ErrorRate = ratio(rep.Failed, rep.Calls)
		methods[name] = rep
	}
	return methods, nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, pair := range metric.GetLabel() {
		if pair.GetName() == name {
			return pair.GetValue()
		}
	}
	return ""
}

func latencyFrom(summary *dto.Summary) latencySummary {
	if summary.GetSampleCount() == 0 {
		return latencySummary{}
	}
	out := latencySummary{Avg: summary.GetSampleSum() / float64(summary.GetSampleCount()) * 1000}
	for _, q := range summary.GetQuantile() {
		v := q.GetValue() * 1000
		if math.IsNaN(v) {
			continue
		}
		switch q.GetQuantile() {
		case 0.5:
			out.P50 = v
		case 0.95:
			out.P95 = v
		case 0.99:
			out.P99 = v
		}
	}
	return out
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}
