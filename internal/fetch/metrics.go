package fetch

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests     *prometheus.CounterVec
	retries      prometheus.Counter
	deduplicated *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schediq_fetch_requests_total",
			Help: "Remote calls by method and final outcome.",
		}, []string{"method", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schediq_fetch_retries_total",
			Help: "Remote call attempts repeated after a failure.",
		}),
		deduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schediq_refresh_deduplicated_total",
			Help: "Refreshes skipped because the same kind was already in flight.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schediq_fetch_duration_seconds",
			Help:    "Remote call latency including the retry.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.requests = register(reg, m.requests)
	m.retries = register(reg, m.retries)
	m.deduplicated = register(reg, m.deduplicated)
	m.duration = register(reg, m.duration)
	return m
}

// register adds c to reg, reusing an already registered collector of the
// same description.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
