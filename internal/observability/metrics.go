package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmesh_http_requests_total",
			Help: "Total number of HTTP requests served.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recordmesh_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmesh_rpc_requests_total",
			Help: "Total number of client RPCs by service, method and outcome.",
		},
		[]string{"service", "method", "outcome"},
	)

	rpcDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recordmesh_rpc_duration_seconds",
			Help:    "Client RPC latency by service and method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	workerActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recordmesh_worker_active_sessions",
			Help: "Number of open tasks on the embedded worker.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDurationSeconds, rpcRequestsTotal, rpcDurationSeconds, workerActiveSessions)
}

func SetWorkerSessions(n int) {
	workerActiveSessions.Set(float64(n))
}
