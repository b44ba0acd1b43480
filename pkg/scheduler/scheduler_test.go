package scheduler

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/backend"
	"github.com/mahabharatha/orchestrator/pkg/config"
	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
	"github.com/mahabharatha/orchestrator/pkg/worktree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMerge struct {
	err       error
	mergedLvl []int
}

func (f *fakeMerge) MergeLevel(ctx context.Context, level int) error {
	f.mergedLvl = append(f.mergedLvl, level)
	return f.err
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, exec.Command("sh", "-c", "echo hi > "+dir+"/README.md").Run())
	run("add", "-A")
	run("commit", "-q", "-m", "init")
	return dir
}

func newScheduler(t *testing.T, merge MergeCoordinator) (*Scheduler, *store.Feature) {
	t.Helper()
	repo := initRepo(t)
	root, err := store.NewRoot(t.TempDir())
	require.NoError(t, err)
	feature := root.Feature("checkout-flow")

	wt := worktree.New(repo, t.TempDir(), 10*time.Second)
	c := backend.NewCooperative()
	c.SetWorkerFunc(func(ctx context.Context, req backend.SpawnRequest) error {
		<-ctx.Done()
		return nil
	})

	cfg := config.Default()
	cfg.Workers.MaxConcurrent = 2

	s := New(feature, c, wt, merge, cfg, "", "main")
	return s, feature
}

func TestCycleSpawnsWorkersUpToMaxConcurrent(t *testing.T) {
	s, feature := newScheduler(t, &fakeMerge{})
	outcome, err := s.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome, "no tasks at level 1: done immediately")

	doc, err := feature.Load()
	require.NoError(t, err)
	assert.Len(t, doc.Workers, 2)
	for _, w := range doc.Workers {
		assert.Equal(t, types.WorkerReady, w.Status)
	}
}

func TestCheckCompletionMergesAndAdvancesLevel(t *testing.T) {
	merge := &fakeMerge{}
	s, feature := newScheduler(t, merge)
	require.NoError(t, feature.InitTasks(map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskComplete},
	}))

	outcome, err := s.checkCompletion(context.Background(), mustLoad(t, feature))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome, "no tasks at level 2: feature done after advance")
	assert.Equal(t, []int{1}, merge.mergedLvl)

	doc, err := feature.Load()
	require.NoError(t, err)
	assert.Equal(t, types.LevelDone, doc.Levels[1].Status)
	assert.Equal(t, 2, doc.CurrentLevel)
}

func TestCheckCompletionMarksLevelFailedWhenNoTaskComplete(t *testing.T) {
	merge := &fakeMerge{}
	s, feature := newScheduler(t, merge)
	require.NoError(t, feature.InitTasks(map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskFailed, Attempt: 3},
	}))

	outcome, err := s.checkCompletion(context.Background(), mustLoad(t, feature))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Empty(t, merge.mergedLvl, "merge must not run when no task completed")

	doc, err := feature.Load()
	require.NoError(t, err)
	assert.Equal(t, types.LevelFailed, doc.Levels[1].Status)
}

func TestCheckCompletionWaitsOnIncompleteTask(t *testing.T) {
	s, feature := newScheduler(t, &fakeMerge{})
	require.NoError(t, feature.InitTasks(map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskInProgress},
	}))

	outcome, err := s.checkCompletion(context.Background(), mustLoad(t, feature))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRunning, outcome)
}

func TestCheckCompletionLeavesFailedUnderAttemptCapForRetry(t *testing.T) {
	s, feature := newScheduler(t, &fakeMerge{})
	require.NoError(t, feature.InitTasks(map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskFailed, Attempt: 1},
	}))

	outcome, err := s.checkCompletion(context.Background(), mustLoad(t, feature))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRunning, outcome, "task under max_task_attempts is not terminal yet")
}

func TestWatchdogReclaimsStaleInProgressTask(t *testing.T) {
	s, feature := newScheduler(t, &fakeMerge{})
	s.cfg.Workers.TaskStaleTimeoutSeconds = 0
	require.NoError(t, feature.InitTasks(map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskPending},
	}))
	task, err := feature.ClaimTask(1, 1)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, feature.SetTaskStatus(task.ID, types.TaskInProgress, ""))

	doc, err := feature.Load()
	require.NoError(t, err)
	require.NoError(t, s.runWatchdogs(doc))

	doc, err = feature.Load()
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, doc.Tasks["a-L1-x"].Status)
}

func TestWatchdogReleasesStaleHeartbeatWorker(t *testing.T) {
	s, feature := newScheduler(t, &fakeMerge{})
	s.cfg.Workers.HeartbeatStaleThresholdSecs = 0
	require.NoError(t, feature.InitTasks(map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskPending},
	}))
	task, err := feature.ClaimTask(1, 1)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, feature.SetTaskStatus(task.ID, types.TaskInProgress, ""))
	require.NoError(t, feature.SetWorkerState(1, &types.Worker{
		Status:        types.WorkerBusy,
		TaskID:        task.ID,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}))

	doc, err := feature.Load()
	require.NoError(t, err)
	require.NoError(t, s.runWatchdogs(doc))

	doc, err = feature.Load()
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStalled, doc.Workers[1].Status)
	assert.Equal(t, types.TaskPending, doc.Tasks["a-L1-x"].Status)
	assert.Equal(t, 0, doc.Tasks["a-L1-x"].Attempt, "infrastructure-class reclaim must not charge retry budget")
}

func TestCycleStopsClaimingOnCancelRequested(t *testing.T) {
	s, feature := newScheduler(t, &fakeMerge{})
	require.NoError(t, feature.RequestCancel())

	outcome, err := s.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
}

func mustLoad(t *testing.T, f *store.Feature) *types.StateDocument {
	t.Helper()
	doc, err := f.Load()
	require.NoError(t, err)
	return doc
}
