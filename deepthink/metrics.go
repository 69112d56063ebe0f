package deepthink

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes.
const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

// Metrics are the orchestrator's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	runs           *prometheus.CounterVec
	expertTasks    *prometheus.CounterVec
	expertDuration prometheus.Histogram
	fallbacks      *prometheus.CounterVec
	rounds         prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepthink",
			Name:      "runs_total",
			Help:      "Runs by terminal outcome.",
		}, []string{"outcome"}),
		expertTasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepthink",
			Name:      "expert_tasks_total",
			Help:      "Expert tasks by terminal status.",
		}, []string{"status"}),
		expertDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deepthink",
			Name:      "expert_duration_seconds",
			Help:      "Wall time of completed expert tasks.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepthink",
			Name:      "stage_fallbacks_total",
			Help:      "Stage failures replaced by a degraded default.",
		}, []string{"stage"}),
		rounds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deepthink",
			Name:      "rounds",
			Help:      "Expert rounds per completed run.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
	}
}

func (m *Metrics) runFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) expertFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.expertTasks.WithLabelValues(status).Inc()
	if d > 0 {
		m.expertDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) stageFallback(stage string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(stage).Inc()
}

func (m *Metrics) roundsCompleted(n int) {
	if m == nil {
		return
	}
	m.rounds.Observe(float64(n))
}
