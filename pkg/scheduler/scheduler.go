// Package scheduler runs the level-gated wave scheduler main loop: periodic
// reconciliation, pause/cancel handling, worker-slot capacity, stale-task and
// stale-heartbeat watchdogs, and the completion check that hands a finished
// level to the merge coordinator before advancing (spec §4.5).
//
// Grounded on cuemby-warren's pkg/scheduler/scheduler.go for the ticker-driven
// run loop and mutex-guarded cycle shape, despecialized from "reconcile
// desired replica count per node" to "drive one feature's levels to
// completion one worker slot at a time".
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mahabharatha/orchestrator/pkg/backend"
	"github.com/mahabharatha/orchestrator/pkg/config"
	"github.com/mahabharatha/orchestrator/pkg/log"
	"github.com/mahabharatha/orchestrator/pkg/metrics"
	"github.com/mahabharatha/orchestrator/pkg/reconciler"
	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
	"github.com/mahabharatha/orchestrator/pkg/worktree"
)

// MergeCoordinator is the capability the scheduler needs from pkg/merge: run
// a level's merge pipeline and report the outcome (spec §4.6). Declared here
// rather than in pkg/merge so neither package imports the other.
type MergeCoordinator interface {
	MergeLevel(ctx context.Context, level int) error
}

// Outcome is the terminal result of a scheduler run, mapped to the command
// surface's exit codes by cmd/mahabharatha (spec §6).
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeDone      Outcome = "done"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Scheduler drives one feature's task graph to completion, one level at a
// time, across a fixed pool of worker slots.
type Scheduler struct {
	feature    *store.Feature
	backend    backend.Backend
	worktrees  *worktree.Manager
	reconciler *reconciler.Reconciler
	merge      MergeCoordinator
	cfg        *config.Config

	repoGitDir string
	baseBranch string

	logger zerolog.Logger

	mu            sync.Mutex
	stopCh        chan struct{}
	doneCh        chan struct{}
	outcome       Outcome
	lastReconcile time.Time
}

// New returns a Scheduler for feature. repoGitDir is the main repository's
// .git directory (mounted read-only into container backends); baseBranch is
// the branch new levels' worktrees are created from.
func New(feature *store.Feature, b backend.Backend, worktrees *worktree.Manager, merge MergeCoordinator, cfg *config.Config, repoGitDir, baseBranch string) *Scheduler {
	return &Scheduler{
		feature:    feature,
		backend:    b,
		worktrees:  worktrees,
		reconciler: reconciler.New(feature),
		merge:      merge,
		cfg:        cfg,
		repoGitDir: repoGitDir,
		baseBranch: baseBranch,
		logger:     log.WithComponent("scheduler"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		outcome:    OutcomeRunning,
	}
}

// Start runs the scheduler loop in a background goroutine until the feature
// reaches a terminal outcome or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop requests cooperative cancellation (spec §4.5 "Cancel check").
func (s *Scheduler) Stop() error {
	return s.feature.RequestCancel()
}

// Done is closed once the scheduler reaches a terminal outcome.
func (s *Scheduler) Done() <-chan struct{} { return s.doneCh }

// Outcome returns the scheduler's terminal outcome (OutcomeRunning until
// Done is closed).
func (s *Scheduler) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Scheduler) run(ctx context.Context) {
	interval := time.Duration(s.cfg.PollIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finish(OutcomeCancelled)
			return
		case <-s.stopCh:
			s.finish(OutcomeCancelled)
			return
		case <-ticker.C:
			outcome, err := s.cycle(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
				continue
			}
			if outcome != OutcomeRunning {
				s.finish(outcome)
				return
			}
		}
	}
}

func (s *Scheduler) finish(outcome Outcome) {
	s.mu.Lock()
	s.outcome = outcome
	s.mu.Unlock()
	close(s.doneCh)
}

// cycle runs one iteration of the main loop (spec §4.5 "Main loop" steps
// 1-6), returning the feature's outcome once it becomes non-running.
func (s *Scheduler) cycle(ctx context.Context) (Outcome, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerCycleDuration)

	// Step 1: periodic reconcile, every ~60s.
	if time.Since(s.lastReconcile) >= 60*time.Second {
		if _, err := s.reconciler.ReconcilePeriodic(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("periodic reconciliation failed")
		}
		s.lastReconcile = time.Now()
	}

	// Step 2: pause check.
	paused, err := s.feature.IsPaused()
	if err != nil {
		return OutcomeRunning, fmt.Errorf("check paused: %w", err)
	}
	if paused {
		return OutcomeRunning, nil
	}

	// Step 3: cancel check.
	cancelled, err := s.feature.IsCancelRequested()
	if err != nil {
		return OutcomeRunning, fmt.Errorf("check cancel-requested: %w", err)
	}
	if cancelled {
		s.shutdownGracefully(ctx)
		return OutcomeCancelled, nil
	}

	doc, err := s.feature.Load()
	if err != nil {
		return OutcomeRunning, fmt.Errorf("load state document: %w", err)
	}

	// Step 4: capacity check.
	s.ensureCapacity(ctx, doc)

	// Step 5: watchdogs.
	if err := s.runWatchdogs(doc); err != nil {
		s.logger.Warn().Err(err).Msg("watchdog sweep failed")
	}

	// Step 6: completion check.
	return s.checkCompletion(ctx, doc)
}

// ensureCapacity spawns or respawns worker slots up to max_concurrent (spec
// §4.5 step 4). Slots needing a spawn are started concurrently — each one
// blocks on its own worktree creation and spawn-retry loop, and there's no
// reason the scheduler's single loop iteration should serialize through
// workers.max_concurrent of them one at a time.
func (s *Scheduler) ensureCapacity(ctx context.Context, doc *types.StateDocument) {
	g, gctx := errgroup.WithContext(ctx)
	for slot := 1; slot <= s.cfg.Workers.MaxConcurrent; slot++ {
		w, ok := doc.Workers[slot]
		if ok {
			switch w.Status {
			case types.WorkerSpawning, types.WorkerReady, types.WorkerBusy:
				continue
			}
			if !s.cfg.Workers.AutoRespawn {
				continue
			}
			if w.RespawnCount >= s.cfg.Workers.MaxRespawnAttempts {
				continue
			}
		}
		slot := slot
		g.Go(func() error {
			s.spawnWorker(gctx, slot, doc)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) spawnWorker(ctx context.Context, slot int, doc *types.StateDocument) {
	path, branch, err := s.worktrees.Create(slot, s.feature.FeatureName(), s.baseBranch)
	if err != nil {
		s.logger.Error().Err(err).Int("worker_id", slot).Msg("create worktree failed, slot left unfilled this cycle")
		return
	}

	req := backend.SpawnRequest{
		WorkerID:   slot,
		Feature:    s.feature.FeatureName(),
		Worktree:   path,
		Branch:     branch,
		RepoGitDir: s.repoGitDir,
		SpecDir:    s.cfg.SpecDir,
		StateRoot:  s.cfg.StateRoot,
	}
	result := backend.SpawnWithRetry(ctx, s.backend, req,
		s.cfg.Workers.SpawnRetryAttempts, s.cfg.Workers.SpawnBackoffStrategy,
		time.Duration(s.cfg.Workers.SpawnBackoffBaseSeconds)*time.Second,
		time.Duration(s.cfg.Workers.SpawnBackoffMaxSeconds)*time.Second)

	prevRespawns := 0
	if prior, ok := doc.Workers[slot]; ok {
		prevRespawns = prior.RespawnCount
		if prior.Status != types.WorkerSpawning {
			prevRespawns++
		}
	}

	worker := &types.Worker{
		ID:            slot,
		Branch:        branch,
		Worktree:      path,
		Backend:       s.backend.Kind(),
		BackendHandle: result.Handle,
		LastHeartbeat: time.Now(),
		RespawnCount:  prevRespawns,
	}
	if result.Failed {
		worker.Status = types.WorkerCrashed
		s.logger.Error().Int("worker_id", slot).Str("reason", result.Message).Msg("worker spawn exhausted retries")
	} else {
		worker.Status = types.WorkerReady
		if prevRespawns > 0 {
			metrics.WorkerRespawnsTotal.Inc()
		}
	}

	if err := s.feature.SetWorkerState(slot, worker); err != nil {
		s.logger.Error().Err(err).Int("worker_id", slot).Msg("persist worker state failed")
	}
}

// runWatchdogs reclaims stale IN_PROGRESS tasks and stale-heartbeat workers
// (spec §4.5 step 5).
func (s *Scheduler) runWatchdogs(doc *types.StateDocument) error {
	now := time.Now()
	staleTask := time.Duration(s.cfg.Workers.TaskStaleTimeoutSeconds) * time.Second
	staleHeartbeat := time.Duration(s.cfg.Workers.HeartbeatStaleThresholdSecs) * time.Second

	for _, task := range tasksAtLevel(doc, doc.CurrentLevel) {
		if task.Status != types.TaskInProgress || task.ClaimedAt == nil {
			continue
		}
		if now.Sub(*task.ClaimedAt) <= staleTask {
			continue
		}
		if err := s.feature.SetTaskStatus(task.ID, types.TaskFailed, "timeout"); err != nil {
			return fmt.Errorf("watchdog mark stale task %s failed: %w", task.ID, err)
		}
		s.logger.Warn().Str("task_id", task.ID).Msg("task exceeded stale timeout, marked failed")
	}

	for id, w := range doc.Workers {
		if w.Status != types.WorkerBusy || w.LastHeartbeat.IsZero() {
			continue
		}
		if now.Sub(w.LastHeartbeat) <= staleHeartbeat {
			continue
		}
		w.Status = types.WorkerStalled
		if err := s.feature.SetWorkerState(id, w); err != nil {
			return fmt.Errorf("watchdog mark worker %d stalled failed: %w", id, err)
		}
		if w.TaskID != "" {
			if err := s.feature.ReleaseTask(w.TaskID); err != nil {
				return fmt.Errorf("watchdog release task %s failed: %w", w.TaskID, err)
			}
		}
		s.logger.Warn().Int("worker_id", id).Dur("since_heartbeat", now.Sub(w.LastHeartbeat)).Msg("worker heartbeat stale, released task and marked stalled")
	}

	return s.retryRecoverableFailures(doc)
}

// retryRecoverableFailures requeues FAILED tasks that haven't exhausted
// max_task_attempts; anything at or past the cap is left FAILED-exhausted
// for the completion check.
func (s *Scheduler) retryRecoverableFailures(doc *types.StateDocument) error {
	base := time.Duration(s.cfg.Workers.TaskRetryBackoffBaseSeconds) * time.Second
	max := time.Duration(s.cfg.Workers.TaskRetryBackoffMaxSeconds) * time.Second

	for _, task := range tasksAtLevel(doc, doc.CurrentLevel) {
		if task.Status != types.TaskFailed {
			continue
		}
		if task.Attempt >= s.cfg.Workers.MaxTaskAttempts {
			continue
		}
		if err := s.feature.ScheduleRetry(task.ID, base, max); err != nil {
			return fmt.Errorf("schedule retry for task %s failed: %w", task.ID, err)
		}
		metrics.TaskRetriesTotal.Inc()
	}
	return nil
}

// checkCompletion transitions and merges the current level once every task
// in it is terminal (spec §4.5 step 6, §4.6).
func (s *Scheduler) checkCompletion(ctx context.Context, doc *types.StateDocument) (Outcome, error) {
	tasks := tasksAtLevel(doc, doc.CurrentLevel)
	if len(tasks) == 0 {
		return OutcomeDone, nil
	}

	anyComplete := false
	for _, t := range tasks {
		if !isTerminal(t, s.cfg.Workers.MaxTaskAttempts) {
			return OutcomeRunning, nil
		}
		if t.Status == types.TaskComplete {
			anyComplete = true
		}
	}

	if !anyComplete {
		if err := s.feature.SetLevelStatus(doc.CurrentLevel, types.LevelFailed); err != nil {
			return OutcomeRunning, fmt.Errorf("mark level %d failed: %w", doc.CurrentLevel, err)
		}
		return OutcomeFailed, nil
	}

	if err := s.feature.SetLevelStatus(doc.CurrentLevel, types.LevelMerging); err != nil {
		return OutcomeRunning, fmt.Errorf("mark level %d merging: %w", doc.CurrentLevel, err)
	}
	if _, err := s.reconciler.ReconcileBeforeLevelTransition(ctx, doc.CurrentLevel); err != nil {
		s.logger.Warn().Err(err).Msg("pre-transition reconciliation failed")
	}

	if err := s.merge.MergeLevel(ctx, doc.CurrentLevel); err != nil {
		if setErr := s.feature.SetLevelGateOutcomes(doc.CurrentLevel, nil, err.Error()); setErr != nil {
			s.logger.Error().Err(setErr).Msg("record merge failure reason failed")
		}
		if setErr := s.feature.SetLevelStatus(doc.CurrentLevel, types.LevelFailed); setErr != nil {
			return OutcomeRunning, fmt.Errorf("mark level %d failed after merge error: %w", doc.CurrentLevel, setErr)
		}
		s.logger.Error().Err(err).Int("level", doc.CurrentLevel).Msg("merge coordinator failed")
		return OutcomeFailed, nil
	}

	if err := s.feature.SetLevelStatus(doc.CurrentLevel, types.LevelDone); err != nil {
		return OutcomeRunning, fmt.Errorf("mark level %d done: %w", doc.CurrentLevel, err)
	}
	nextLevel := doc.CurrentLevel + 1
	if err := s.feature.AdvanceCurrentLevel(nextLevel); err != nil {
		return OutcomeRunning, fmt.Errorf("advance to level %d: %w", nextLevel, err)
	}
	metrics.CurrentLevel.Set(float64(nextLevel))

	refreshed, err := s.feature.Load()
	if err != nil {
		return OutcomeRunning, fmt.Errorf("reload after level advance: %w", err)
	}
	if len(tasksAtLevel(refreshed, nextLevel)) == 0 {
		return OutcomeDone, nil
	}
	return OutcomeRunning, nil
}

// shutdownGracefully signals every alive worker to exit, waiting the
// configured grace period before force-terminating (spec §4.5 "Cancellation
// and timeouts").
func (s *Scheduler) shutdownGracefully(ctx context.Context) {
	doc, err := s.feature.Load()
	if err != nil {
		s.logger.Error().Err(err).Msg("load state document during shutdown failed")
		return
	}

	grace := time.Duration(s.cfg.Workers.HeartbeatIntervalSeconds) * 2 * time.Second
	deadline := time.Now().Add(grace)

	for id, w := range doc.Workers {
		if w.BackendHandle == "" {
			continue
		}
		if err := s.backend.Terminate(ctx, w.BackendHandle, true); err != nil {
			s.logger.Warn().Err(err).Int("worker_id", id).Msg("graceful terminate failed")
		}
	}

	for time.Now().Before(deadline) {
		allDead := true
		for _, w := range doc.Workers {
			if w.BackendHandle != "" && s.backend.IsAlive(ctx, w.BackendHandle) {
				allDead = false
				break
			}
		}
		if allDead {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	for id, w := range doc.Workers {
		if w.BackendHandle == "" || !s.backend.IsAlive(ctx, w.BackendHandle) {
			continue
		}
		if err := s.backend.Terminate(ctx, w.BackendHandle, false); err != nil {
			s.logger.Warn().Err(err).Int("worker_id", id).Msg("force terminate failed")
		}
	}
}

func tasksAtLevel(doc *types.StateDocument, level int) []*types.Task {
	out := make([]*types.Task, 0)
	for _, t := range doc.Tasks {
		if t.Level == level {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func isTerminal(t *types.Task, maxAttempts int) bool {
	if t.Status == types.TaskComplete {
		return true
	}
	return t.Status == types.TaskFailed && t.Attempt >= maxAttempts
}
