// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the engine's Prometheus instruments.
type Collector struct {
	turnsTotal         *prometheus.CounterVec
	turnDuration       prometheus.Histogram
	roundsCompleted    prometheus.Counter
	tokensUsed         prometheus.Counter
	interjectionsTotal *prometheus.CounterVec
	summaryFailures    prometheus.Counter
	lockContention     prometheus.Counter
	logger             *zap.Logger
}

// NewCollector registers the engine instruments with the given registerer.
// A nil registerer uses the default registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by final state",
		}, []string{"state"}),
		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of turn execution",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		roundsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Completed discussion rounds",
		}),
		tokensUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Completion tokens consumed by turns",
		}),
		interjectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interjections_total",
			Help:      "User interjections by delivery mode",
		}, []string{"mode"}),
		summaryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_failures_total",
			Help:      "Secretary summary attempts that failed",
		}),
		lockContention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Start attempts rejected by the conversation lock",
		}),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// ObserveTurn records the outcome of one turn execution.
func (c *Collector) ObserveTurn(state string, duration time.Duration, tokens int) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(state).Inc()
	c.turnDuration.Observe(duration.Seconds())
	if tokens > 0 {
		c.tokensUsed.Add(float64(tokens))
	}
}

// RoundCompleted counts a finished round.
func (c *Collector) RoundCompleted() {
	if c == nil {
		return
	}
	c.roundsCompleted.Inc()
}

// InterjectionAdded counts an accepted interjection.
func (c *Collector) InterjectionAdded(mode string) {
	if c == nil {
		return
	}
	c.interjectionsTotal.WithLabelValues(mode).Inc()
}

// SummaryFailure counts a failed secretary summary.
func (c *Collector) SummaryFailure() {
	if c == nil {
		return
	}
	c.summaryFailures.Inc()
}

// LockContention counts a start attempt blocked by another holder.
func (c *Collector) LockContention() {
	if c == nil {
		return
	}
	c.lockContention.Inc()
}
