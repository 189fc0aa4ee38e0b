package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	decisions      *prometheus.CounterVec
	recordedTokens prometheus.Counter
	sessions       *prometheus.CounterVec
	pushes         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "token_activity",
			Name:      "budget_decisions_total",
			Help:      "Budget decisions by outcome.",
		}, []string{"decision"}),
		recordedTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: "token_activity",
			Name:      "recorded_tokens_total",
			Help:      "Tokens added to live usage records.",
		}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "token_activity",
			Name:      "session_events_total",
			Help:      "Session gate events.",
		}, []string{"event"}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "token_activity",
			Subsystem: "reconcile",
			Name:      "records_total",
			Help:      "Records handled by reconciliation cycles, by result.",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "token_activity",
			Subsystem: "reconcile",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(d.String()).Inc()
}

func (m *Metrics) recorded(cost int64) {
	if m == nil {
		return
	}
	m.recordedTokens.Add(float64(cost))
}

func (m *Metrics) session(event string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(event).Inc()
}

func (m *Metrics) push(result PushResult) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result.String()).Inc()
}

func (m *Metrics) cycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}
