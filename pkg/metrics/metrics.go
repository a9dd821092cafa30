package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPRequestsTotal counts HTTP requests by route, method and status
var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dreamjournal_http_requests_total",
		Help: "Total number of HTTP requests handled",
	},
	[]string{"path", "method", "status"},
)

// HTTPRequestDuration records request latency by route and method
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "dreamjournal_http_request_duration_seconds",
		Help:    "Latency in seconds of HTTP requests",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"path", "method"},
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal, HTTPRequestDuration)
}
