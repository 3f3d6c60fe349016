package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// register регистрирует коллектор или возвращает уже зарегистрированный
// с тем же именем: движок, outbox и тесты создают метрики повторно.
// Коллектор другого типа под тем же именем считается ошибкой сборки и вызывает panic.
func register[T prometheus.Collector](registerer prometheus.Registerer, name string, collector T) T {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		panic(fmt.Sprintf("register %q: %v", name, err))
	}
	existing, ok := already.ExistingCollector.(T)
	if !ok {
		panic(fmt.Sprintf("collector %q already registered as %T", name, already.ExistingCollector))
	}
	return existing
}

func registerCounter(r prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register(r, opts.Name, prometheus.NewCounter(opts))
}

func registerCounterVec(r prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(r, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerHistogramVec(r prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(r, opts.Name, prometheus.NewHistogramVec(opts, labels))
}

func registerGauge(r prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register(r, opts.Name, prometheus.NewGauge(opts))
}
