// Package telemetry exposes run and token metrics over Prometheus.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the instrument set one experiment process registers. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	runsCompleted *prometheus.CounterVec
	turns         prometheus.Histogram
	runDuration   prometheus.Histogram
	tokens        *prometheus.CounterVec
	estimatedCost prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "runs_completed_total",
			Help:      "Conversations finished, labelled by termination reason.",
		}, []string{"termination"}),
		turns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inquest",
			Name:      "conversation_turns",
			Help:      "Real question/answer exchanges per conversation.",
			Buckets:   prometheus.LinearBuckets(1, 2, 12),
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inquest",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of one conversation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "model_tokens_total",
			Help:      "Tokens consumed, labelled by role and direction.",
		}, []string{"role", "direction"}),
		estimatedCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "estimated_cost_dollars_total",
			Help:      "Estimated spend across all model calls.",
		}),
	}
	reg.MustRegister(m.runsCompleted, m.turns, m.runDuration, m.tokens, m.estimatedCost)
	return m
}

// ObserveRun records one finished conversation.
func (m *Metrics) ObserveRun(termination string, turns int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(termination).Inc()
	m.turns.Observe(float64(turns))
	m.runDuration.Observe(durationSeconds)
}

// ObserveTokens records one role's total usage for a run.
func (m *Metrics) ObserveTokens(role string, input, output int64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(role, "input").Add(float64(input))
	m.tokens.WithLabelValues(role, "output").Add(float64(output))
}

// ObserveCost adds the estimated dollar cost of a run.
func (m *Metrics) ObserveCost(dollars float64) {
	if m == nil {
		return
	}
	m.estimatedCost.Add(dollars)
}
