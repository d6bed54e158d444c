package projection

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer observes the duration since it was started (see prometheus.Timer)
type Timer interface {
	ObserveDuration() time.Duration
}

// Metrics defines the metrics recorded by the runtime. Implementations must
// be safe for concurrent use
type Metrics interface {
	EventDuration(projectionID, eventType string) Timer
	EventProcessed(projectionID, eventType string, success bool)
	Position(projectionID string, position uint64)
	Replayed(projectionID string)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() time.Duration { return 0 }

type nopMetrics struct{}

func (nopMetrics) EventDuration(string, string) Timer  { return nopTimer{} }
func (nopMetrics) EventProcessed(string, string, bool) {}
func (nopMetrics) Position(string, uint64)             {}
func (nopMetrics) Replayed(string)                     {}

// NopMetrics returns a no-op Metrics implementation
func NopMetrics() Metrics { return nopMetrics{} }

var defaultBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5,
}

type prometheusMetrics struct {
	eventDuration *prometheus.HistogramVec
	eventsTotal   *prometheus.CounterVec
	position      *prometheus.GaugeVec
	replaysTotal  *prometheus.CounterVec
}

// NewPrometheusMetrics creates a Prometheus implementation of Metrics and
// registers its collectors
func NewPrometheusMetrics(reg prometheus.Registerer) Metrics {
	m := &prometheusMetrics{
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventsourcing_projection_event_duration_seconds",
			Help:    "Time spent applying a single event to a projection",
			Buckets: defaultBuckets,
		}, []string{"projection", "event_type"}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventsourcing_projection_events_total",
			Help: "Total number of events applied to projections",
		}, []string{"projection", "event_type", "success"}),

		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventsourcing_projection_position",
			Help: "Sequence number of the last event applied to a projection",
		}, []string{"projection"}),

		replaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventsourcing_projection_replays_total",
			Help: "Total number of projection replays",
		}, []string{"projection"}),
	}

	reg.MustRegister(
		m.eventDuration,
		m.eventsTotal,
		m.position,
		m.replaysTotal,
	)

	return m
}

func (m *prometheusMetrics) EventDuration(projectionID, eventType string) Timer {
	return prometheus.NewTimer(m.eventDuration.WithLabelValues(projectionID, eventType))
}

func (m *prometheusMetrics) EventProcessed(projectionID, eventType string, success bool) {
	m.eventsTotal.WithLabelValues(projectionID, eventType, strconv.FormatBool(success)).Inc()
}

func (m *prometheusMetrics) Position(projectionID string, position uint64) {
	m.position.WithLabelValues(projectionID).Set(float64(position))
}

func (m *prometheusMetrics) Replayed(projectionID string) {
	m.replaysTotal.WithLabelValues(projectionID).Inc()
}
