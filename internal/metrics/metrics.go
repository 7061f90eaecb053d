// ABOUTME: Prometheus collectors for connections, requests, events, batching and pending requests
// ABOUTME: One registry per gateway; nil receivers make every recorder a no-op

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lurkbot_gateway"

// Gauges reports live values sampled at scrape time.
type Gauges struct {
	Connections func() int
	Subscribers func() int
	Pending     func() int
}

// Metrics holds the gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	buildInfo         *prometheus.GaugeVec
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	eventsEmitted     *prometheus.CounterVec
	evictions         prometheus.Counter
	batchFlushes      prometheus.Counter
	batchItems        prometheus.Counter
	batchFailures     prometheus.Counter
	handshakes        prometheus.Counter
	handshakeRefusals *prometheus.CounterVec
}

// New creates collectors on a fresh registry, including Go and process
// collectors, and samples g at scrape time.
func New(g Gauges) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		}, []string{"version", "protocol"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by method and result code",
		}, []string{"method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent in method handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events emitted, by top-level event name",
		}, []string{"event"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_evictions_total",
			Help:      "Subscribers evicted because their event queue was full",
		}),
		batchFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushes_total",
			Help:      "Outbound batch flushes",
		}),
		batchItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Frames written through outbound batches",
		}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Outbound batch flushes that failed",
		}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes that completed",
		}),
		handshakeRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_refusals_total",
			Help:      "Handshakes refused, by error code",
		}, []string{"code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.buildInfo,
		m.requests,
		m.requestDuration,
		m.eventsEmitted,
		m.evictions,
		m.batchFlushes,
		m.batchItems,
		m.batchFailures,
		m.handshakes,
		m.handshakeRefusals,
	)

	registerGauge(m.registry, "connections", "Connections that completed the handshake", g.Connections)
	registerGauge(m.registry, "event_subscribers", "Registered event subscribers", g.Subscribers)
	registerGauge(m.registry, "pending_requests", "Pending cross-boundary requests", g.Pending)
	return m
}

func registerGauge(reg *prometheus.Registry, name, help string, fn func() int) {
	if fn == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

// Registry exposes the underlying registry, mainly for tests.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetBuildInfo records the running version.
func (m *Metrics) SetBuildInfo(version, protocolRange string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, protocolRange).Set(1)
}

// ObserveRequest records one handled request. code is empty on success.
func (m *Metrics) ObserveRequest(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.requests.WithLabelValues(method, code).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveEmit records one emitted event and how many subscribers it evicted.
func (m *Metrics) ObserveEmit(name string, evicted int) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(eventFamily(name)).Inc()
	if evicted > 0 {
		m.evictions.Add(float64(evicted))
	}
}

// ObserveFlush records one outbound batch flush.
func (m *Metrics) ObserveFlush(items int, err error) {
	if m == nil {
		return
	}
	m.batchFlushes.Inc()
	m.batchItems.Add(float64(items))
	if err != nil {
		m.batchFailures.Inc()
	}
}

// HandshakeAccepted records a completed handshake.
func (m *Metrics) HandshakeAccepted() {
	if m == nil {
		return
	}
	m.handshakes.Inc()
}

// HandshakeRefused records a refused handshake.
func (m *Metrics) HandshakeRefused(code string) {
	if m == nil {
		return
	}
	m.handshakeRefusals.WithLabelValues(code).Inc()
}

// eventFamily keeps label cardinality bounded: "chat.delta" -> "chat".
func eventFamily(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}
