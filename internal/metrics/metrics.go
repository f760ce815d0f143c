package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chaincore"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Sync task executions by entity and outcome.",
		},
		[]string{"entity", "outcome"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Sync task execution time.",
			Buckets:   []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"entity"},
	)

	syncRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "records_total",
			Help:      "Records processed by sync tasks.",
		},
		[]string{"entity"},
	)

	activeTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "armed_tasks",
			Help:      "Tasks with an armed timer.",
		},
	)

	dispatchCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Outbound branch calls by endpoint and health-log status.",
		},
		[]string{"endpoint", "status"},
	)

	dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "request_duration_seconds",
			Help:      "Outbound branch call latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ingested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "onec",
			Name:      "ingested_records_total",
			Help:      "Rows pushed in by the 1C ERP.",
		},
		[]string{"entity"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			syncRuns,
			syncDuration,
			syncRecords,
			activeTasks,
			dispatchCalls,
			dispatchLatency,
			ingested,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveSyncRun records one executor pass.
func ObserveSyncRun(entity string, success bool, records int, d time.Duration) {
	outcome := "failed"
	if success {
		outcome = "completed"
	}
	syncRuns.WithLabelValues(entity, outcome).Inc()
	syncDuration.WithLabelValues(entity).Observe(d.Seconds())
	if records > 0 {
		syncRecords.WithLabelValues(entity).Add(float64(records))
	}
}

// IncSyncSkipped counts triggers rejected by the running guard.
func IncSyncSkipped(entity string) {
	syncRuns.WithLabelValues(entity, "skipped").Inc()
}

func SetArmedTasks(n int) {
	activeTasks.Set(float64(n))
}

func ObserveDispatch(endpoint, status string, d time.Duration) {
	dispatchCalls.WithLabelValues(endpoint, status).Inc()
	dispatchLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

func AddIngested(entity string, n int) {
	ingested.WithLabelValues(entity).Add(float64(n))
}
