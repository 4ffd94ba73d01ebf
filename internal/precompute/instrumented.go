package precompute

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"jia/internal/domain"
)

// Instrumented records call counts and latency for an inner Client.
type Instrumented struct {
	inner   Client
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewInstrumented wraps inner and registers its collectors with reg.
func NewInstrumented(inner Client, reg prometheus.Registerer) (*Instrumented, error) {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jia_precompute_calls_total",
		Help: "Calls made to the compute service, by operation and outcome.",
	}, []string{"op", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jia_precompute_call_duration_seconds",
		Help:    "Latency of compute service calls.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"op"})
	if reg != nil {
		for _, c := range []prometheus.Collector{calls, latency} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return &Instrumented{inner: inner, calls: calls, latency: latency}, nil
}

func (i *Instrumented) Enable(ctx context.Context, panel domain.Panel) (string, error) {
	start := time.Now()
	id, err := i.inner.Enable(ctx, panel)
	i.observe("enable", start, err)
	return id, err
}

func (i *Instrumented) Disable(ctx context.Context, panel domain.Panel) error {
	start := time.Now()
	err := i.inner.Disable(ctx, panel)
	i.observe("disable", start, err)
	return err
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	outcome := "ok"
	switch {
	case err == nil:
	case IsUnknownTask(err):
		outcome = "unknown_task"
	default:
		outcome = "error"
	}
	i.calls.WithLabelValues(op, outcome).Inc()
}
