// Package metrics defines the Prometheus instruments of the outbox publisher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "outbox"

// Outcomes recorded on outbox_publish_duration_seconds.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Publisher holds the publisher's counters, histogram and backlog gauge.
type Publisher struct {
	published      *prometheus.CounterVec
	failed         *prometheus.CounterVec
	deadLettered   *prometheus.CounterVec
	stateUpdates   prometheus.Counter
	cycleErrors    prometheus.Counter
	publishLatency *prometheus.HistogramVec
	pending        prometheus.Gauge
	breakerState   prometheus.Gauge
}

// NewPublisher registers the publisher instruments on reg.
func NewPublisher(reg prometheus.Registerer) *Publisher {
	factory := promauto.With(reg)

	return &Publisher{
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Outbox events delivered to the sink.",
		}, []string{"event_type"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Publish attempts that failed and were rescheduled.",
		}, []string{"event_type"}),
		deadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Outbox events that exhausted their attempts.",
		}, []string{"event_type"}),
		stateUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_update_failures_total",
			Help:      "Outbox rows whose state could not be written after a publish attempt.",
		}),
		cycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Publisher cycles aborted by a database error.",
		}),
		publishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Duration of sink publish calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_events",
			Help:      "Outbox events neither published nor dead-lettered.",
		}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_breaker_state",
			Help:      "Sink circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
	}
}

// EventPublished records a successful sink call.
func (m *Publisher) EventPublished(eventType string, d time.Duration) {
	m.published.WithLabelValues(eventType).Inc()
	m.publishLatency.WithLabelValues(OutcomeSuccess).Observe(d.Seconds())
}

// EventFailed records a failed sink call that will be retried.
func (m *Publisher) EventFailed(eventType string, d time.Duration) {
	m.failed.WithLabelValues(eventType).Inc()
	m.publishLatency.WithLabelValues(OutcomeFailure).Observe(d.Seconds())
}

// EventDeadLettered records an event taken out of rotation.
func (m *Publisher) EventDeadLettered(eventType string) {
	m.deadLettered.WithLabelValues(eventType).Inc()
}

// StateUpdateFailed counts a row whose outcome could not be persisted.
func (m *Publisher) StateUpdateFailed() {
	m.stateUpdates.Inc()
}

// CycleError counts an aborted cycle.
func (m *Publisher) CycleError() {
	m.cycleErrors.Inc()
}

// SetPending sets the backlog gauge.
func (m *Publisher) SetPending(n int64) {
	m.pending.Set(float64(n))
}

// SetBreakerState sets the breaker gauge from a gobreaker state value.
func (m *Publisher) SetBreakerState(state int) {
	m.breakerState.Set(float64(state))
}
