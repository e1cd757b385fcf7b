package relay

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports relay counters and latencies to Prometheus.
type Metrics struct {
	channelGauge    prometheus.Gauge
	eventsTotal     *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	rewritesTotal   *prometheus.CounterVec
	cleanupRemovals *prometheus.CounterVec
}

// NewMetrics registers the relay metric set on the registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		channelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_relay_channels",
			Help: "Current connected agent channel count.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_relay_events_total",
			Help: "Dispatcher events by kind.",
		}, []string{"kind"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_relay_requests_total",
			Help: "Public request outcomes by status class.",
		}, []string{"status"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunnel_relay_request_latency_seconds",
			Help:    "End-to-end public request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		rewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_relay_rewrites_total",
			Help: "Content rewrite outcomes by content type.",
		}, []string{"content_type"}),
		cleanupRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_relay_cleanup_removals_total",
			Help: "Records removed by the scheduled cleanup sweep.",
		}, []string{"table"}),
	}
	reg.MustRegister(
		m.channelGauge,
		m.eventsTotal,
		m.requestsTotal,
		m.requestLatency,
		m.rewritesTotal,
		m.cleanupRemovals,
	)
	return m
}

// Handler returns the Prometheus scrape handler for the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ChannelCount(n int) {
	m.channelGauge.Set(float64(n))
}

func (m *Metrics) Event(kind EventKind) {
	m.eventsTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) Request(status string, d time.Duration) {
	m.requestsTotal.WithLabelValues(status).Inc()
	m.requestLatency.Observe(d.Seconds())
}

func (m *Metrics) Rewrite(contentType string) {
	m.rewritesTotal.WithLabelValues(contentType).Inc()
}

func (m *Metrics) CleanupRemoved(table string, n int) {
	m.cleanupRemovals.WithLabelValues(table).Add(float64(n))
}
