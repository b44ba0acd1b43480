package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFeature(t *testing.T) *Feature {
	t.Helper()
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	return root.Feature("checkout-flow")
}

func seedTasks(t *testing.T, f *Feature, tasks map[string]*types.Task) {
	t.Helper()
	require.NoError(t, f.InitTasks(tasks))
}

func TestClaimTaskReturnsEligiblePendingTask(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskPending, Files: types.FileOwnership{Create: []string{"a.go"}}},
	})

	claimed, err := f.ClaimTask(1, 1)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "a-L1-x", claimed.ID)
	assert.Equal(t, types.TaskClaimed, claimed.Status)

	doc, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, types.TaskClaimed, doc.Tasks["a-L1-x"].Status)
	assert.Equal(t, 1, *doc.Tasks["a-L1-x"].WorkerID)
}

func TestClaimTaskSkipsWhenWriteSetOverlapsActiveTask(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskInProgress, Files: types.FileOwnership{Create: []string{"shared.go"}}},
		"b-L1-y": {ID: "b-L1-y", Level: 1, Status: types.TaskPending, Files: types.FileOwnership{Modify: []string{"shared.go"}}},
	})

	claimed, err := f.ClaimTask(2, 1)
	require.NoError(t, err)
	assert.Nil(t, claimed, "overlapping write set must not be claimable while the owner is active")
}

func TestClaimTaskSkipsWhenDependenciesIncomplete(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskInProgress},
		"b-L2-y": {ID: "b-L2-y", Level: 2, Status: types.TaskPending, Dependencies: []string{"a-L1-x"}},
	})

	claimed, err := f.ClaimTask(1, 2)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimTaskIsIdempotentAcrossCallers(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskPending, Files: types.FileOwnership{Create: []string{"a.go"}}},
	})

	first, err := f.ClaimTask(1, 1)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.ClaimTask(2, 1)
	require.NoError(t, err)
	assert.Nil(t, second, "a task claimed once must not be claimable again")
}

func TestSetTaskStatusRecordsInvalidTransitionEvent(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskComplete},
	})

	require.NoError(t, f.SetTaskStatus("a-L1-x", types.TaskInProgress, "retry after review"))

	doc, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, doc.Tasks["a-L1-x"].Status, "store applies transitions regardless of validity")

	found := false
	for _, e := range doc.Events {
		if e.Kind == types.EventInvalidTransition {
			found = true
		}
	}
	assert.True(t, found, "an invalid_transition event must be recorded")
}

func TestSetTaskStatusFailedIncrementsAttempt(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskInProgress},
	})

	require.NoError(t, f.SetTaskStatus("a-L1-x", types.TaskFailed, "verification failed"))

	doc, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Tasks["a-L1-x"].Attempt)
}

func TestSetTaskStatusNoAttemptDoesNotCountCrash(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskInProgress},
	})

	require.NoError(t, f.SetTaskStatusNoAttempt("a-L1-x", types.TaskFailed, "worker crashed"))

	doc, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Tasks["a-L1-x"].Attempt, "a crash must not consume retry budget")
}

func TestScheduleRetryAppliesExponentialBackoff(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskFailed, Attempt: 3},
	})

	before := time.Now()
	require.NoError(t, f.ScheduleRetry("a-L1-x", time.Second, 30*time.Second))

	doc, err := f.Load()
	require.NoError(t, err)
	task := doc.Tasks["a-L1-x"]
	assert.Equal(t, types.TaskPending, task.Status)
	require.NotNil(t, task.NextEligible)
	assert.True(t, task.NextEligible.After(before.Add(3*time.Second-time.Millisecond)))
}

func TestComputeBackoffCapsAtMax(t *testing.T) {
	assert.Equal(t, time.Second, computeBackoff(1, time.Second, 30*time.Second))
	assert.Equal(t, 2*time.Second, computeBackoff(2, time.Second, 30*time.Second))
	assert.Equal(t, 4*time.Second, computeBackoff(3, time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, computeBackoff(10, time.Second, 30*time.Second))
}

func TestReleaseTaskResetsToPendingWithoutTouchingAttempt(t *testing.T) {
	f := newTestFeature(t)
	wid := 1
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskClaimed, WorkerID: &wid, Attempt: 2},
	})

	require.NoError(t, f.ReleaseTask("a-L1-x"))

	doc, err := f.Load()
	require.NoError(t, err)
	task := doc.Tasks["a-L1-x"]
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Nil(t, task.WorkerID)
	assert.Equal(t, 2, task.Attempt)
}

func TestResetTaskClearsClaimAndAttemptRegardlessOfStatus(t *testing.T) {
	f := newTestFeature(t)
	wid := 2
	claimedAt := time.Now()
	nextEligible := time.Now().Add(time.Minute)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {
			ID: "a-L1-x", Level: 1, Status: types.TaskFailed,
			WorkerID: &wid, ClaimedAt: &claimedAt, NextEligible: &nextEligible,
			Attempt: 4, Reason: "verification failed",
		},
	})

	require.NoError(t, f.ResetTask("a-L1-x"))

	doc, err := f.Load()
	require.NoError(t, err)
	task := doc.Tasks["a-L1-x"]
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, 0, task.Attempt)
	assert.Nil(t, task.WorkerID)
	assert.Nil(t, task.ClaimedAt)
	assert.Nil(t, task.NextEligible)
	assert.Empty(t, task.Reason)

	found := false
	for _, e := range doc.Events {
		if e.TaskID == "a-L1-x" && e.Kind == types.EventRetry {
			found = true
			assert.Equal(t, true, e.Data["manual"])
		}
	}
	assert.True(t, found, "a manual retry event must be recorded")
}

func TestResetTaskUnknownTaskErrors(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskPending},
	})

	err := f.ResetTask("does-not-exist")
	require.Error(t, err)
}

func TestGetTasksByStatusAndLevelFilters(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskPending},
		"b-L1-y": {ID: "b-L1-y", Level: 1, Status: types.TaskComplete},
		"c-L2-z": {ID: "c-L2-z", Level: 2, Status: types.TaskPending},
	})

	got, err := f.GetTasksByStatusAndLevel(types.TaskPending, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a-L1-x", got[0].ID)
}

func TestRecordHeartbeatIsMonotonic(t *testing.T) {
	f := newTestFeature(t)
	require.NoError(t, f.SetWorkerState(1, &types.Worker{Status: types.WorkerBusy}))

	require.NoError(t, f.RecordHeartbeat(1, "a-L1-x", "compiling", 0.5))
	doc, err := f.Load()
	require.NoError(t, err)
	first := doc.Workers[1].LastHeartbeat
	assert.False(t, first.IsZero())

	// A second, later heartbeat must move the timestamp forward.
	require.NoError(t, f.RecordHeartbeat(1, "a-L1-x", "testing", 0.8))
	doc, err = f.Load()
	require.NoError(t, err)
	assert.True(t, doc.Workers[1].LastHeartbeat.After(first) || doc.Workers[1].LastHeartbeat.Equal(first))
}

func TestIsPausedAndCancelRequested(t *testing.T) {
	f := newTestFeature(t)

	paused, err := f.IsPaused()
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, f.SetPaused(true))
	paused, err = f.IsPaused()
	require.NoError(t, err)
	assert.True(t, paused)

	cancelled, err := f.IsCancelRequested()
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, f.RequestCancel())
	cancelled, err = f.IsCancelRequested()
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestAppendEventWritesMonitorLog(t *testing.T) {
	dir := t.TempDir()
	root, err := NewRoot(dir)
	require.NoError(t, err)
	f := root.Feature("checkout-flow")

	require.NoError(t, f.AppendEvent(types.ExecutionEvent{
		TaskID: "a-L1-x",
		Level:  1,
		Kind:   types.EventClaim,
	}))

	path := filepath.Join(dir, "checkout-flow.monitor.log")
	assert.FileExists(t, path)
}

func TestWriteIsAtomicAndReloadsOnNewMtime(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	f := root.Feature("checkout-flow")

	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskPending, Files: types.FileOwnership{Create: []string{"a.go"}}},
	})

	doc1, err := f.Load()
	require.NoError(t, err)
	assert.Len(t, doc1.Tasks, 1)

	require.NoError(t, f.SetTaskStatus("a-L1-x", types.TaskInProgress, ""))

	doc2, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, doc2.Tasks["a-L1-x"].Status)
}

func TestLoadReturnsDeepCopyNotLiveCache(t *testing.T) {
	f := newTestFeature(t)
	seedTasks(t, f, map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskPending},
	})

	doc, err := f.Load()
	require.NoError(t, err)
	doc.Tasks["a-L1-x"].Status = types.TaskComplete // mutate the returned copy

	doc2, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, doc2.Tasks["a-L1-x"].Status, "mutating a loaded copy must not affect the store")
}

func TestEventSpillHookReceivesEvictedEvents(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	f := root.Feature("checkout-flow")

	var spilled []types.ExecutionEvent
	root.SetEventSpillHook(func(feature string, event types.ExecutionEvent) {
		assert.Equal(t, "checkout-flow", feature)
		spilled = append(spilled, event)
	})

	for i := 0; i < maxEventTail+10; i++ {
		require.NoError(t, f.AppendEvent(types.ExecutionEvent{TaskID: "a-L1-x", Kind: types.EventRetry}))
	}

	assert.Len(t, spilled, 10, "events pushed past the tail cap must reach the spill hook")

	doc, err := f.Load()
	require.NoError(t, err)
	assert.Len(t, doc.Events, maxEventTail)
}
