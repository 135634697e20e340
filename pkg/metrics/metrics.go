package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deployment metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_deployments_total",
			Help: "Total number of deployments by final state",
		},
		[]string{"state"},
	)

	ActiveDeployments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "berth_active_deployments",
			Help: "Number of deployments currently serving traffic",
		},
	)

	BuildsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "berth_builds_in_flight",
			Help: "Number of deployments currently building or loading",
		},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "berth_build_duration_seconds",
			Help:    "Duration of artifact builds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	PortsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "berth_ports_in_use",
			Help: "Number of tenant ports currently allocated",
		},
	)

	// Provisioner metrics
	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_provisions_total",
			Help: "Total number of provisioner calls by result",
		},
		[]string{"result"},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berth_proxy_requests_total",
			Help: "Total number of proxied requests by outcome",
		},
		[]string{"outcome"},
	)

	ProxyActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "berth_proxy_active_connections",
			Help: "Number of connections currently being proxied",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DeploymentsTotal,
		ActiveDeployments,
		BuildsInFlight,
		BuildDuration,
		PortsInUse,
		ProvisionsTotal,
		ProxyRequestsTotal,
		ProxyActiveConnections,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
