// Package metrics wires github.com/prometheus/client_golang onto the
// proxy's lifecycle, per SPEC_FULL.md §2.4. Grounded on
// mercator-hq-jupiter/pkg/telemetry/metrics's Collector shape (a single
// struct owning a private registry and one sub-struct of vectors per
// concern), narrowed to the counters and histograms a forward proxy
// actually emits.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goproxy"

// Registry owns every metric the core records and the HTTP handler
// that exposes them, per spec.md §6 "external interfaces".
type Registry struct {
	registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	TeardownsTotal      *prometheus.CounterVec

	CertMintTotal   *prometheus.CounterVec
	CertMintLatency prometheus.Histogram

	BytesForwarded *prometheus.CounterVec

	RequestDuration prometheus.Histogram
}

// New builds a Registry and registers every metric against a fresh
// prometheus.Registry (never the global default, so multiple proxy
// instances in one process do not collide).
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total client connections accepted by the acceptor.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Client connections currently being handled.",
		}),
		TeardownsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Connection teardowns by reason (clean, reset, timeout, fatal, rejected).",
		}, []string{"reason"}),
		CertMintTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cert_mint_total",
			Help:      "Leaf certificate mint attempts by outcome (hit, miss).",
		}, []string{"outcome"}),
		CertMintLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cert_mint_latency_seconds",
			Help:      "Time to mint or load a cached leaf certificate.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Bytes forwarded by direction (client_to_server, server_to_client).",
		}, []string{"direction"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from connection accept to client connection close.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.ConnectionsAccepted,
		r.ConnectionsActive,
		r.TeardownsTotal,
		r.CertMintTotal,
		r.CertMintLatency,
		r.BytesForwarded,
		r.RequestDuration,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordCertMint records a mint cache hit or miss and its latency.
func (r *Registry) RecordCertMint(hit bool, seconds float64) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.CertMintTotal.WithLabelValues(outcome).Inc()
	r.CertMintLatency.Observe(seconds)
}

// RecordTeardown increments the teardown counter for reason.
func (r *Registry) RecordTeardown(reason string) {
	r.TeardownsTotal.WithLabelValues(reason).Inc()
}

// RecordBytes adds n bytes to the forwarded counter for direction.
func (r *Registry) RecordBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	r.BytesForwarded.WithLabelValues(direction).Add(float64(n))
}
