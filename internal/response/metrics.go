package response

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the engine.
type Metrics struct {
	ActionsTotal        *prometheus.CounterVec
	ActionDuration      *prometheus.HistogramVec
	ActionsInFlight     prometheus.Gauge
	BatchesTotal        *prometheus.CounterVec
	FallbackAssessments prometheus.Counter
}

// NewMetrics creates the engine metrics and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "response_actions_total",
			Help: "Total number of executed response actions by type and outcome",
		}, []string{"action_type", "status"}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "response_action_duration_seconds",
			Help:    "Execution time of response actions",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"action_type"}),
		ActionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "response_actions_in_flight",
			Help: "Number of actions currently executing",
		}),
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "response_batches_total",
			Help: "Total number of processed event batches by outcome",
		}, []string{"outcome"}),
		FallbackAssessments: factory.NewCounter(prometheus.CounterOpts{
			Name: "response_fallback_assessments_total",
			Help: "Total number of assessments produced by the fallback analyzer",
		}),
	}
}

func (m *Metrics) observeAction(r ExecutionResult) {
	if m == nil {
		return
	}
	status := string(StatusCompleted)
	if !r.Success {
		status = string(StatusFailed)
	}
	m.ActionsTotal.WithLabelValues(string(r.Kind), status).Inc()
	m.ActionDuration.WithLabelValues(string(r.Kind)).Observe(r.Duration.Seconds())
}

func (m *Metrics) observeBatch(outcome string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(outcome).Inc()
}
