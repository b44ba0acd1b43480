// Package metrics defines and registers the orchestrator's Prometheus
// metrics, exposed over /metrics for scraping, plus /health, /ready, and
// /live for process liveness and readiness.
//
// Metrics are grouped by the subsystem that owns them:
//
//   - Task: mahabharatha_tasks_total{level,status}, task_claim_duration_seconds,
//     tasks_completed_total, tasks_failed_total{reason}, task_retries_total.
//   - Worker: mahabharatha_workers_total{status}, worker_spawn_duration_seconds,
//     worker_spawn_failures_total{backend}, worker_respawns_total.
//   - Scheduler: mahabharatha_scheduler_cycle_duration_seconds,
//     levels_total{status}, current_level.
//   - Reconciler: mahabharatha_reconciliation_duration_seconds,
//     reconciliation_cycles_total, reconciliation_fixes_total{kind}.
//   - Merge coordinator: mahabharatha_merge_duration_seconds{outcome},
//     gate_duration_seconds{gate,phase}, gate_failures_total{gate,phase}.
//
// All metrics are registered at package init via prometheus.MustRegister;
// callers never register anything themselves. Timer is a small convenience
// wrapper around time.Since for feeding a histogram:
//
//	timer := metrics.NewTimer()
//	// ... do the work being timed ...
//	timer.ObserveDuration(metrics.TaskClaimDuration)
package metrics
