package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	plannerAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmesh_planner_attempts_total",
			Help: "Total number of planner call attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	plannerAttemptDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recordmesh_planner_attempt_duration_seconds",
			Help:    "Planner call attempt latency by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	plannerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmesh_planner_retries_total",
			Help: "Total number of planner call attempts that were retried, by reason.",
		},
		[]string{"method", "reason"},
	)
	plannerReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmesh_planner_reconnects_total",
			Help: "Total number of planner reconnects by result.",
		},
		[]string{"result"},
	)
	workerBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recordmesh_worker_batches_total",
			Help: "Total number of record batches fetched from workers.",
		},
	)
	recordsFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recordmesh_records_fetched_total",
			Help: "Total number of records fetched from workers.",
		},
	)
	batchRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recordmesh_worker_batch_rows",
			Help:    "Rows per fetched batch.",
			Buckets: []float64{0, 10, 100, 500, 1000, 5000, 10000, 50000},
		},
	)
)

func init() {
	prometheus.MustRegister(
		plannerAttemptsTotal,
		plannerAttemptDurationSeconds,
		plannerRetriesTotal,
		plannerReconnectsTotal,
		workerBatchesTotal,
		recordsFetchedTotal,
		batchRows,
	)
}

// ObservePlannerCall records one planner RPC attempt made by the retry loop.
func ObservePlannerCall(method, outcome string, elapsed time.Duration) {
	plannerAttemptsTotal.WithLabelValues(method, outcome).Inc()
	plannerAttemptDurationSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
}

func IncPlannerRetry(method, reason string) {
	plannerRetriesTotal.WithLabelValues(method, reason).Inc()
}

func IncPlannerReconnect(ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	plannerReconnectsTotal.WithLabelValues(result).Inc()
}

func ObserveWorkerBatch(rows int) {
	if rows < 0 {
		rows = 0
	}
	workerBatchesTotal.Inc()
	recordsFetchedTotal.Add(float64(rows))
	batchRows.Observe(float64(rows))
}
