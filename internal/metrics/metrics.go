package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the feed service.
type Metrics struct {
	registry        *prometheus.Registry
	ordersAccepted  *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	processLatency  prometheus.Histogram
	ordersStored    prometheus.Gauge
	sequenceCurrent *prometheus.GaugeVec

	busEvents        *prometheus.CounterVec
	busHandlerErrors *prometheus.CounterVec

	streamPublished     *prometheus.CounterVec
	streamPublishErrors *prometheus.CounterVec

	persistErrors *prometheus.CounterVec
}

// New creates a metrics registry and registers feed metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	ordersAccepted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_orders_accepted_total",
		Help: "Total number of accepted partner orders.",
	}, []string{"partner"})

	ordersRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_orders_rejected_total",
		Help: "Total number of rejected partner payloads.",
	}, []string{"partner", "code"})

	processLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_process_latency_seconds",
		Help:    "Latency for validate-normalize-publish of a single payload in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	ordersStored := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feed_orders_stored",
		Help: "Current number of orders held by the repository.",
	})

	sequenceCurrent := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_sequence_current",
		Help: "Current per-partner sequence counter.",
	}, []string{"partner"})

	busEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_bus_events_total",
		Help: "Total number of events emitted on the in-process bus.",
	}, []string{"kind"})

	busHandlerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_bus_handler_errors_total",
		Help: "Total number of subscriber errors swallowed by the bus.",
	}, []string{"kind"})

	streamPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_published_total",
		Help: "Total number of events mirrored to Redis Streams.",
	}, []string{"stream"})

	streamPublishErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_publish_errors_total",
		Help: "Total number of failed Redis Stream publishes.",
	}, []string{"stream"})

	persistErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_persist_errors_total",
		Help: "Total number of failed snapshot writes by artifact.",
	}, []string{"artifact"})

	registry.MustRegister(ordersAccepted, ordersRejected, processLatency, ordersStored,
		sequenceCurrent, busEvents, busHandlerErrors, streamPublished, streamPublishErrors,
		persistErrors)

	return &Metrics{
		registry:            registry,
		ordersAccepted:      ordersAccepted,
		ordersRejected:      ordersRejected,
		processLatency:      processLatency,
		ordersStored:        ordersStored,
		sequenceCurrent:     sequenceCurrent,
		busEvents:           busEvents,
		busHandlerErrors:    busHandlerErrors,
		streamPublished:     streamPublished,
		streamPublishErrors: streamPublishErrors,
		persistErrors:       persistErrors,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncOrderAccepted increments the accepted order counter.
func (m *Metrics) IncOrderAccepted(partner string) {
	if m == nil {
		return
	}
	m.ordersAccepted.WithLabelValues(partner).Inc()
}

// IncOrderRejected increments the rejected payload counter.
func (m *Metrics) IncOrderRejected(partner, code string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(partner, code).Inc()
}

// ObserveProcessLatency records single-payload processing latency.
func (m *Metrics) ObserveProcessLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.processLatency.Observe(d.Seconds())
}

// SetOrdersStored sets the repository size gauge.
func (m *Metrics) SetOrdersStored(count int) {
	if m == nil {
		return
	}
	m.ordersStored.Set(float64(count))
}

// SetSequenceCurrent sets the per-partner sequence gauge.
func (m *Metrics) SetSequenceCurrent(partner string, seq int64) {
	if m == nil {
		return
	}
	m.sequenceCurrent.WithLabelValues(partner).Set(float64(seq))
}

// IncBusEvent increments the emitted event counter.
func (m *Metrics) IncBusEvent(kind string) {
	if m == nil {
		return
	}
	m.busEvents.WithLabelValues(kind).Inc()
}

// IncBusHandlerError increments the swallowed subscriber error counter.
func (m *Metrics) IncBusHandlerError(kind string) {
	if m == nil {
		return
	}
	m.busHandlerErrors.WithLabelValues(kind).Inc()
}

// IncStreamPublished increments the mirrored event counter.
func (m *Metrics) IncStreamPublished(stream string) {
	if m == nil {
		return
	}
	m.streamPublished.WithLabelValues(stream).Inc()
}

// IncStreamPublishError increments the failed publish counter.
func (m *Metrics) IncStreamPublishError(stream string) {
	if m == nil {
		return
	}
	m.streamPublishErrors.WithLabelValues(stream).Inc()
}

// IncPersistError increments the failed snapshot write counter.
func (m *Metrics) IncPersistError(artifact string) {
	if m == nil {
		return
	}
	m.persistErrors.WithLabelValues(artifact).Inc()
}
