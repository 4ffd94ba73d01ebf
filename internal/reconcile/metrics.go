package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts reconciliation outcomes. A nil *Metrics records nothing.
type Metrics struct {
	actions  *prometheus.CounterVec
	failures *prometheus.CounterVec
	runs     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jia_reconcile_actions_total",
			Help: "Precompute actions applied, by action and reason.",
		}, []string{"action", "reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jia_reconcile_failures_total",
			Help: "Precompute actions that failed.",
		}, []string{"action"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jia_reconcile_runs_total",
			Help: "Reconciliations applied, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.actions, m.failures, m.runs} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) action(a Action) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(a.Kind.String(), string(a.Reason)).Inc()
}

func (m *Metrics) failure(a Action) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(a.Kind.String()).Inc()
}

func (m *Metrics) run(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}
