// Package metrics exposes Prometheus instrumentation for the encounter engine,
// the durable queue and the HTTP API.
//
// All recording methods are nil-safe: a nil *Metrics records nothing, so
// components can be constructed without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "encounter"

// Metrics holds every collector the module records into.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth         prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueEnqueueErrors prometheus.Counter
	queueWithdrawn     prometheus.Counter
	queueReadErrors    prometheus.Counter

	detections    *prometheus.CounterVec // result: tracked|unknown
	wakes         *prometheus.CounterVec // result: evaluated|inactive|unknown|delayed
	transitions   *prometheus.CounterVec // from, to
	events        *prometheus.CounterVec // event_type
	persistErrors prometheus.Counter
	openRecords   *prometheus.GaugeVec // status

	httpRequests *prometheus.CounterVec   // route, code
	httpDuration *prometheus.HistogramVec // route
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of records currently in the durable queue",
		}),
		queueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Records durably appended to the queue",
		}),
		queueEnqueueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueue_errors_total",
			Help:      "Durable append failures reported to the producer",
		}),
		queueWithdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "withdrawn_total",
			Help:      "Records withdrawn by the consumer",
		}),
		queueReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "read_errors_total",
			Help:      "Read or remove failures that ended a withdrawal early",
		}),

		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "detections_total",
			Help:      "Beacon detections by outcome",
		}, []string{"result"}),
		wakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "wakes_total",
			Help:      "Scheduled wake-ups by outcome",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Encounter status transitions",
		}, []string{"from", "to"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Events emitted into the queue by type",
		}, []string{"event_type"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "persist_errors_total",
			Help:      "Failures writing encounter state or tunables",
		}),
		openRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "records",
			Help:      "Encounter records by status",
		}, []string{"status"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.queueDepth,
		m.queueEnqueued,
		m.queueEnqueueErrors,
		m.queueWithdrawn,
		m.queueReadErrors,
		m.detections,
		m.wakes,
		m.transitions,
		m.events,
		m.persistErrors,
		m.openRecords,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Queue

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) QueueEnqueued() {
	if m == nil {
		return
	}
	m.queueEnqueued.Inc()
}

func (m *Metrics) QueueEnqueueError() {
	if m == nil {
		return
	}
	m.queueEnqueueErrors.Inc()
}

func (m *Metrics) QueueWithdrawn(n int) {
	if m == nil {
		return
	}
	m.queueWithdrawn.Add(float64(n))
}

func (m *Metrics) QueueReadError() {
	if m == nil {
		return
	}
	m.queueReadErrors.Inc()
}

// Engine

func (m *Metrics) Detection(result string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(result).Inc()
}

func (m *Metrics) Wake(result string) {
	if m == nil {
		return
	}
	m.wakes.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	m.openRecords.WithLabelValues(from).Dec()
	m.openRecords.WithLabelValues(to).Inc()
}

// TrackRecord counts a newly registered record in its initial status.
func (m *Metrics) TrackRecord(status string) {
	if m == nil {
		return
	}
	m.openRecords.WithLabelValues(status).Inc()
}

func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) PersistError() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}

// HTTP

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
