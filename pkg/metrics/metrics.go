package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity metrics
	EntitiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vc3_entities_total",
			Help: "Number of requests, allocations and head nodes by state",
		},
		[]string{"kind", "state"},
	)

	WorkersRequested = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vc3_workers_requested",
			Help: "Workers requested across all requests, from statusinfo",
		},
	)

	WorkersRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vc3_workers",
			Help: "Workers reported by the batch layer across all requests",
		},
		[]string{"state"},
	)

	// Reconciliation metrics
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vc3_state_transitions_total",
			Help: "State transitions performed by the reconcilers",
		},
		[]string{"kind", "from", "to"},
	)

	HeadNodeProbeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vc3_headnode_probe_failures_total",
			Help: "Failed head node liveness probes",
		},
	)

	// Scheduler metrics
	TaskSetRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vc3_taskset_runs_total",
			Help: "Polling cycles executed per taskset",
		},
		[]string{"taskset"},
	)

	TaskErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vc3_task_errors_total",
			Help: "Task runs that returned an error or panicked",
		},
		[]string{"taskset", "task"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vc3_task_duration_seconds",
			Help:    "Time spent in one run of a task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(EntitiesTotal)
	prometheus.MustRegister(WorkersRequested)
	prometheus.MustRegister(WorkersRunning)
	prometheus.MustRegister(StateTransitionsTotal)
	prometheus.MustRegister(HeadNodeProbeFailures)
	prometheus.MustRegister(TaskSetRunsTotal)
	prometheus.MustRegister(TaskErrorsTotal)
	prometheus.MustRegister(TaskDuration)
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTransition counts a state change of kind from -> to
func RecordTransition(kind, from, to string) {
	if from == to {
		return
	}
	StateTransitionsTotal.WithLabelValues(kind, from, to).Inc()
}
