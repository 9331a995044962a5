package batchupdate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "bookmarkd"

// Pass outcomes recorded by the drainer.
const (
	passGranted = "granted"
	passDenied  = "denied"
	passSkipped = "skipped"
	passFailed  = "failed"

	keyApplied = "applied"
	keyEmpty   = "empty"
)

// Metrics holds the pipeline's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	scheduled    prometheus.Counter
	stagedFields prometheus.Counter
	passes       *prometheus.CounterVec
	keys         *prometheus.CounterVec
	passDuration prometheus.Histogram
	purged       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		scheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "updates_scheduled_total",
			Help:      "Partial bookmark updates accepted at ingress.",
		}),
		stagedFields: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "staged_fields_total",
			Help:      "Fields written to the coalescing store.",
		}),
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "drain_passes_total",
			Help:      "Drain ticks by outcome.",
		}, []string{"outcome"}),
		keys: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "drain_keys_total",
			Help:      "Staged keys consumed by a drain pass, by result.",
		}, []string{"result"}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "drain_pass_duration_seconds",
			Help:      "Wall time of drain passes that held the lock.",
			Buckets:   prometheus.DefBuckets,
		}),
		purged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "staged_keys_purged_total",
			Help:      "Expired staged entries removed before a drain pass.",
		}),
	}
}

func (m *Metrics) observeScheduled(fields int) {
	if m == nil {
		return
	}
	m.scheduled.Inc()
	m.stagedFields.Add(float64(fields))
}

func (m *Metrics) observePass(outcome string) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeKey(result string) {
	if m == nil {
		return
	}
	m.keys.WithLabelValues(result).Inc()
}

func (m *Metrics) observeDuration(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observePurged(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.purged.Add(float64(count))
}
