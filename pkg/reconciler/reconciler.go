// Package reconciler fixes drift between the state store's logical view and
// reality: a dead worker still holding a claimed task, a level marked DONE
// while one of its tasks never finished, a task whose level was never set
// (spec §4.5.3).
//
// Grounded on cuemby-warren's pkg/reconciler/reconciler.go: a ticker-driven
// run loop guarded by a mutex, one fix function per drift class, each
// wrapped by a metrics.Timer, warnings logged and the cycle continuing past
// individual fix errors.
package reconciler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahabharatha/orchestrator/pkg/log"
	"github.com/mahabharatha/orchestrator/pkg/metrics"
	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
)

var levelFromID = regexp.MustCompile(`-L(\d+)-`)

// Fix describes one drift correction applied during a cycle.
type Fix struct {
	Kind   string
	TaskID string
	Detail string
}

// Reconciler periodically fixes state-store drift for one feature. It runs
// in two modes: ReconcilePeriodic (light, called off the background ticker)
// and ReconcileBeforeLevelTransition (thorough, called by the scheduler
// before it advances CurrentLevel).
type Reconciler struct {
	feature *store.Feature
	logger  zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New returns a Reconciler bound to feature.
func New(feature *store.Feature) *Reconciler {
	return &Reconciler{
		feature: feature,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the periodic (light) reconciliation loop every interval until
// Stop is called.
func (r *Reconciler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go r.run(interval)
}

// Stop ends the periodic loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")
	for {
		select {
		case <-ticker.C:
			if _, err := r.ReconcilePeriodic(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("periodic reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// ReconcilePeriodic applies the light fix set: dead-worker-holding-task only
// (spec §4.5.3 fix (a)).
func (r *Reconciler) ReconcilePeriodic(ctx context.Context) ([]Fix, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	fixes, err := r.fixDeadWorkerTasks()
	if err != nil {
		return nil, err
	}
	r.recordFixes(fixes)
	return fixes, nil
}

// ReconcileBeforeLevelTransition applies the thorough fix set before
// advancing a level: dead-worker tasks, a level prematurely marked DONE, and
// tasks with a missing level (spec §4.5.3, all three fixes).
func (r *Reconciler) ReconcileBeforeLevelTransition(ctx context.Context, level int) ([]Fix, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	var fixes []Fix

	deadWorkerFixes, err := r.fixDeadWorkerTasks()
	if err != nil {
		return nil, err
	}
	fixes = append(fixes, deadWorkerFixes...)

	demoteFixes, err := r.fixPrematureLevelDone(level)
	if err != nil {
		return nil, err
	}
	fixes = append(fixes, demoteFixes...)

	levelFixes, err := r.fixMissingTaskLevels()
	if err != nil {
		return nil, err
	}
	fixes = append(fixes, levelFixes...)

	r.recordFixes(fixes)
	return fixes, nil
}

// fixDeadWorkerTasks marks CLAIMED/IN_PROGRESS tasks whose worker is
// EXITED/CRASHED as FAILED with reason worker_crash, without incrementing
// the attempt count (spec §4.5.3 fix (a); infrastructure-class failure).
func (r *Reconciler) fixDeadWorkerTasks() ([]Fix, error) {
	doc, err := r.feature.Load()
	if err != nil {
		return nil, fmt.Errorf("load state document: %w", err)
	}

	fixes := make([]Fix, 0)
	for _, task := range doc.Tasks {
		if task.Status != types.TaskClaimed && task.Status != types.TaskInProgress {
			continue
		}
		if task.WorkerID == nil {
			continue
		}
		worker, ok := doc.Workers[*task.WorkerID]
		if !ok {
			continue
		}
		if worker.Status != types.WorkerExited && worker.Status != types.WorkerCrashed {
			continue
		}

		if err := r.feature.SetTaskStatusNoAttempt(task.ID, types.TaskFailed, "worker_crash"); err != nil {
			return nil, fmt.Errorf("fix dead-worker task %s: %w", task.ID, err)
		}
		fixes = append(fixes, Fix{
			Kind:   "dead_worker_task",
			TaskID: task.ID,
			Detail: fmt.Sprintf("worker %d was %s", *task.WorkerID, worker.Status),
		})
	}
	return fixes, nil
}

// fixPrematureLevelDone demotes a level marked DONE back to IN_PROGRESS when
// it still holds a non-terminal task (spec §4.5.3 fix (b)).
func (r *Reconciler) fixPrematureLevelDone(level int) ([]Fix, error) {
	doc, err := r.feature.Load()
	if err != nil {
		return nil, fmt.Errorf("load state document: %w", err)
	}

	l, ok := doc.Levels[level]
	if !ok || l.Status != types.LevelDone {
		return nil, nil
	}

	for _, task := range doc.Tasks {
		if task.Level != level {
			continue
		}
		if task.Status == types.TaskComplete || task.Status == types.TaskFailed {
			continue
		}
		if err := r.feature.SetLevelStatus(level, types.LevelInProgress); err != nil {
			return nil, fmt.Errorf("demote prematurely-done level %d: %w", level, err)
		}
		return []Fix{{
			Kind:   "premature_level_done",
			Detail: fmt.Sprintf("level %d demoted to in_progress: task %s incomplete", level, task.ID),
		}}, nil
	}
	return nil, nil
}

// fixMissingTaskLevels recovers a task's level from its id's *-L{n}-*
// fallback convention when the level was never set, matching the graph
// loader's recovery pass (spec §4.5.3 fix (c), §4.1).
func (r *Reconciler) fixMissingTaskLevels() ([]Fix, error) {
	doc, err := r.feature.Load()
	if err != nil {
		return nil, fmt.Errorf("load state document: %w", err)
	}

	fixes := make([]Fix, 0)
	for _, task := range doc.Tasks {
		if task.Level >= 1 {
			continue
		}
		m := levelFromID.FindStringSubmatch(task.ID)
		if m == nil {
			fixes = append(fixes, Fix{
				Kind:   "invalid_level",
				TaskID: task.ID,
				Detail: "no level set and id does not match the *-L{n}-* fallback convention",
			})
			continue
		}
		level, convErr := strconv.Atoi(m[1])
		if convErr != nil {
			continue
		}
		if err := r.feature.SetTaskLevel(task.ID, level); err != nil {
			return nil, fmt.Errorf("recover level for task %s: %w", task.ID, err)
		}
		fixes = append(fixes, Fix{
			Kind:   "recovered_level",
			TaskID: task.ID,
			Detail: fmt.Sprintf("level recovered from id: %d", level),
		})
	}
	return fixes, nil
}

func (r *Reconciler) recordFixes(fixes []Fix) {
	for _, f := range fixes {
		metrics.ReconciliationFixesTotal.WithLabelValues(f.Kind).Inc()
		r.logger.Warn().Str("kind", f.Kind).Str("task_id", f.TaskID).Str("detail", f.Detail).Msg("reconciliation fix applied")
		if err := r.feature.AppendEvent(types.ExecutionEvent{
			TaskID: f.TaskID,
			Kind:   types.EventReconcileFix,
			Data:   map[string]interface{}{"kind": f.Kind, "detail": f.Detail},
		}); err != nil {
			r.logger.Warn().Err(err).Msg("append reconcile-fix event failed")
		}
	}
}
