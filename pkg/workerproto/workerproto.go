// Package workerproto implements the worker-side contract every backend
// runs regardless of how it was spawned: claim loop, heartbeat, execute,
// verify, report, and the exit-code contract (spec §4.4).
//
// Grounded on cuemby-warren's pkg/worker/worker.go loop shape
// (ticker-driven heartbeatLoop/containerExecutorLoop against a stopCh),
// despecialized from "poll a gRPC manager for assigned containers" to
// "poll the state store for an eligible task".
package workerproto

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/gate"
	"github.com/mahabharatha/orchestrator/pkg/log"
	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
)

// Exit codes per spec §4.4 step 6.
const (
	ExitClean             = 0
	ExitTaskFailure       = 1
	ExitContextCheckpoint = 2
	ExitBlocked           = 3
	ExitCrash             = 70
)

// ExecuteFunc performs the actual task work (writing code, running an AI
// agent, etc.) restricted to task.Files' declared create/modify paths
// (advisory only — enforcement happened at graph validation time, not
// here). It returns ExitContextCheckpoint or ExitBlocked via its error to
// request those outcomes; any other error is treated as task failure.
type ExecuteFunc func(ctx context.Context, task *types.Task, worktree string, heartbeat func(step string, pct float64)) error

// Worker runs the protocol for one worker slot against one feature.
type Worker struct {
	Feature  *store.Feature
	WorkerID int
	Worktree string
	Branch   string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	WaitCeiling       time.Duration

	Execute ExecuteFunc
}

// Run drives the claim → execute → verify → report loop for one level at a
// time, advancing as the scheduler moves CurrentLevel forward, until the
// state store reports cancel-requested or the wait ceiling elapses with no
// eligible task (spec §4.4 steps 1-6).
func (w *Worker) Run(ctx context.Context) int {
	logger := log.WithWorkerID(w.WorkerID)

	if w.PollInterval <= 0 {
		w.PollInterval = 2 * time.Second
	}
	if w.HeartbeatInterval <= 0 {
		w.HeartbeatInterval = 30 * time.Second
	}
	if w.WaitCeiling <= 0 {
		w.WaitCeiling = 10 * time.Minute
	}

	idleSince := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return ExitClean
		default:
		}

		cancelled, err := w.Feature.IsCancelRequested()
		if err != nil {
			logger.Error().Err(err).Msg("check cancel-requested failed")
			return ExitCrash
		}
		if cancelled {
			logger.Info().Msg("cancel requested, exiting cleanly")
			return ExitClean
		}

		paused, err := w.Feature.IsPaused()
		if err != nil {
			logger.Error().Err(err).Msg("check paused failed")
			return ExitCrash
		}
		if paused {
			time.Sleep(w.PollInterval)
			continue
		}

		doc, err := w.Feature.Load()
		if err != nil {
			logger.Error().Err(err).Msg("load state document failed")
			return ExitCrash
		}

		task, err := w.Feature.ClaimTask(w.WorkerID, doc.CurrentLevel)
		if err != nil {
			logger.Error().Err(err).Msg("claim_task failed")
			return ExitCrash
		}
		if task == nil {
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if time.Since(idleSince) > w.WaitCeiling {
				logger.Warn().Msg("wait ceiling exceeded with no eligible task")
				return ExitClean
			}
			time.Sleep(w.PollInterval)
			continue
		}
		idleSince = time.Time{}

		code := w.runTask(ctx, task)
		if code != ExitClean {
			return code
		}
	}
}

// runTask executes one claimed task end to end: execute, verify, report.
func (w *Worker) runTask(ctx context.Context, task *types.Task) int {
	logger := log.WithWorkerID(w.WorkerID)
	logger = logger.With().Str("task_id", task.ID).Logger()

	if err := w.Feature.SetTaskStatus(task.ID, types.TaskInProgress, ""); err != nil {
		logger.Error().Err(err).Msg("set_task_status(in_progress) failed")
		return ExitCrash
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(heartbeatCtx, task.ID)

	heartbeat := func(step string, pct float64) {
		if err := w.Feature.RecordHeartbeat(w.WorkerID, task.ID, step, pct); err != nil {
			logger.Warn().Err(err).Msg("record_heartbeat failed")
		}
	}

	execErr := w.execute(ctx, task, heartbeat)
	stopHeartbeat()

	if execErr != nil {
		return w.reportExecutionError(task, execErr)
	}

	result, err := gate.Run(ctx, task.Verification.Command, w.Worktree, time.Duration(task.Verification.TimeoutSeconds)*time.Second)
	if err != nil {
		if releaseErr := w.Feature.ReleaseTask(task.ID); releaseErr != nil {
			logger.Error().Err(releaseErr).Msg("release_task after verification validation error failed")
		}
		logger.Error().Err(err).Msg("verification command rejected")
		return ExitCrash
	}

	if !result.Passed {
		reason := truncate(result.Output, 500)
		if err := w.Feature.SetTaskStatus(task.ID, types.TaskFailed, reason); err != nil {
			logger.Error().Err(err).Msg("set_task_status(failed) failed")
			return ExitCrash
		}
		return ExitTaskFailure
	}

	if err := w.commit(task); err != nil {
		logger.Error().Err(err).Msg("commit on worker branch failed")
		if releaseErr := w.Feature.ReleaseTask(task.ID); releaseErr != nil {
			logger.Error().Err(releaseErr).Msg("release_task after commit failure failed")
		}
		return ExitCrash
	}

	if err := w.Feature.SetTaskStatus(task.ID, types.TaskComplete, ""); err != nil {
		logger.Error().Err(err).Msg("set_task_status(complete) failed")
		return ExitCrash
	}
	return ExitClean
}

func (w *Worker) execute(ctx context.Context, task *types.Task, heartbeat func(string, float64)) error {
	if w.Execute == nil {
		return fmt.Errorf("workerproto: no ExecuteFunc installed")
	}
	return w.Execute(ctx, task, w.Worktree, heartbeat)
}

// reportExecutionError classifies a catastrophic execution error: on
// context-budget checkpoint or blocked-on-human signals the task is left
// CLAIMED/IN_PROGRESS for reconciliation rather than self-requeued (spec
// §4.4 step 5 "On catastrophic error... do not self-requeue").
func (w *Worker) reportExecutionError(task *types.Task, err error) int {
	logger := log.WithWorkerID(w.WorkerID)
	switch {
	case err == ErrContextCheckpoint:
		logger.Info().Str("task_id", task.ID).Msg("context-budget checkpoint, leaving task for respawn")
		return ExitContextCheckpoint
	case err == ErrBlocked:
		logger.Warn().Str("task_id", task.ID).Msg("task blocked, needs human")
		return ExitBlocked
	default:
		logger.Error().Err(err).Str("task_id", task.ID).Msg("catastrophic execution error, leaving task for reconciliation")
		return ExitCrash
	}
}

// ErrContextCheckpoint and ErrBlocked are the sentinel errors ExecuteFunc
// returns to request the corresponding exit code (spec §4.4 step 6).
var (
	ErrContextCheckpoint = fmt.Errorf("workerproto: context-budget checkpoint")
	ErrBlocked           = fmt.Errorf("workerproto: blocked, needs human")
)

func (w *Worker) heartbeatLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Feature.RecordHeartbeat(w.WorkerID, taskID, "working", 0); err != nil {
				log.WithWorkerID(w.WorkerID).Warn().Err(err).Msg("periodic heartbeat write failed")
			}
		}
	}
}

// commit stages every changed file and commits on the worker branch with a
// conventional commit message naming the task (spec §4.4 step 5).
func (w *Worker) commit(task *types.Task) error {
	if err := runGit(w.Worktree, "add", "-A"); err != nil {
		return err
	}
	msg := fmt.Sprintf("feat(%s): %s\n\ntask: %s", task.ID, task.Title, task.ID)
	if err := runGit(w.Worktree, "commit", "--allow-empty", "-m", msg); err != nil {
		return err
	}
	return nil
}

func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
