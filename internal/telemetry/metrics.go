// Package telemetry registers the process's Prometheus metrics, mirroring
// the teacher's per-concern metric vars plus an All() aggregator used to
// register everything with one collector registry.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	// HTTPRequestDuration tracks request latency by method, route pattern,
	// and status text (e.g. "Not Found").
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inspector_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// DNSQueriesTotal counts DNS datagrams handled by the authority, by
	// query type and response code.
	DNSQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inspector_dns_queries_total",
		Help: "DNS queries handled, by qtype and rcode.",
	}, []string{"qtype", "rcode"})

	// SMTPSessionsTotal counts completed SMTP conversations.
	SMTPSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inspector_smtp_sessions_total",
		Help: "SMTP conversations handled, by outcome.",
	}, []string{"outcome"})

	// TCPConnectionsTotal counts accepted connections on allocated ports.
	TCPConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inspector_tcp_connections_total",
		Help: "TCP connections accepted on allocated ports.",
	}, []string{"tenant"})

	// ACMERenewalsTotal counts certificate renewal attempts, by loop and
	// outcome.
	ACMERenewalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inspector_acme_renewals_total",
		Help: "ACME renewal attempts, by loop (domain/ip) and outcome.",
	}, []string{"loop", "outcome"})

	// CacheCurrentMemoryBytes is registered for the store's memory
	// accounting; no code in this module sets it, so it reads 0.
	CacheCurrentMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inspector_cache_current_memory_bytes",
		Help: "Current compressed-byte footprint of the tiered store.",
	})

	// CacheEvictionsTotal is registered for request-list entries popped
	// under memory pressure; the store's eviction does not increment it.
	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inspector_cache_evictions_total",
		Help: "Request-list entries evicted under memory pressure.",
	})
)

// All returns every collector this process registers, for a single
// prometheus.Registry.MustRegister(telemetry.All()...) call at boot.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		DNSQueriesTotal,
		SMTPSessionsTotal,
		TCPConnectionsTotal,
		ACMERenewalsTotal,
		CacheCurrentMemoryBytes,
		CacheEvictionsTotal,
	}
}
