package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mahabharatha_tasks_total",
			Help: "Total number of tasks by level and status",
		},
		[]string{"level", "status"},
	)

	TaskClaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mahabharatha_task_claim_duration_seconds",
			Help:    "Time taken to claim a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mahabharatha_tasks_completed_total",
			Help: "Total number of tasks that reached COMPLETE",
		},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mahabharatha_tasks_failed_total",
			Help: "Total number of tasks that reached FAILED, by reason",
		},
		[]string{"reason"},
	)

	TaskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mahabharatha_task_retries_total",
			Help: "Total number of task retry requeues",
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mahabharatha_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	WorkerSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mahabharatha_worker_spawn_duration_seconds",
			Help:    "Time taken to spawn a worker in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerSpawnFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mahabharatha_worker_spawn_failures_total",
			Help: "Total number of worker spawn failures by backend",
		},
		[]string{"backend"},
	)

	WorkerRespawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mahabharatha_worker_respawns_total",
			Help: "Total number of worker respawns",
		},
	)

	// Scheduler metrics
	SchedulerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mahabharatha_scheduler_cycle_duration_seconds",
			Help:    "Time taken by one scheduler loop iteration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LevelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mahabharatha_levels_total",
			Help: "Total number of levels by status",
		},
		[]string{"status"},
	)

	CurrentLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mahabharatha_current_level",
			Help: "The level the scheduler is currently driving",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mahabharatha_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mahabharatha_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationFixesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mahabharatha_reconciliation_fixes_total",
			Help: "Total number of drift fixes applied by kind",
		},
		[]string{"kind"},
	)

	// Merge coordinator metrics
	MergeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mahabharatha_merge_duration_seconds",
			Help:    "Time taken to merge a level in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	GateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mahabharatha_gate_duration_seconds",
			Help:    "Time taken to run a single gate command in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gate", "phase"},
	)

	GateFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mahabharatha_gate_failures_total",
			Help: "Total number of gate failures by gate name and phase",
		},
		[]string{"gate", "phase"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskClaimDuration)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TaskRetriesTotal)

	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerSpawnDuration)
	prometheus.MustRegister(WorkerSpawnFailuresTotal)
	prometheus.MustRegister(WorkerRespawnsTotal)

	prometheus.MustRegister(SchedulerCycleDuration)
	prometheus.MustRegister(LevelsTotal)
	prometheus.MustRegister(CurrentLevel)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationFixesTotal)

	prometheus.MustRegister(MergeDuration)
	prometheus.MustRegister(GateDuration)
	prometheus.MustRegister(GateFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
