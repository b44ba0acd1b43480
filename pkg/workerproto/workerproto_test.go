package workerproto

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
	return dir
}

func newFeature(t *testing.T) *store.Feature {
	t.Helper()
	root, err := store.NewRoot(t.TempDir())
	require.NoError(t, err)
	return root.Feature("checkout-flow")
}

func TestRunCompletesTaskOnPassingVerification(t *testing.T) {
	repo := initRepo(t)
	f := newFeature(t)
	require.NoError(t, f.InitTasks(map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Title: "add a", Level: 1, Status: types.TaskPending, Verification: types.Verification{Command: "true", TimeoutSeconds: 5}},
	}))

	w := &Worker{
		Feature:  f,
		WorkerID: 1,
		Worktree: repo,
		PollInterval: 5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		WaitCeiling: 100 * time.Millisecond,
		Execute: func(ctx context.Context, task *types.Task, worktree string, heartbeat func(string, float64)) error {
			return nil
		},
	}

	code := w.Run(context.Background())
	assert.Equal(t, ExitClean, code)

	doc, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, types.TaskComplete, doc.Tasks["a-L1-x"].Status)
}

func TestRunMarksTaskFailedOnVerificationFailure(t *testing.T) {
	repo := initRepo(t)
	f := newFeature(t)
	require.NoError(t, f.InitTasks(map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskPending, Verification: types.Verification{Command: "false", TimeoutSeconds: 5}},
	}))

	w := &Worker{
		Feature:  f,
		WorkerID: 1,
		Worktree: repo,
		PollInterval: 5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		WaitCeiling: 100 * time.Millisecond,
		Execute: func(ctx context.Context, task *types.Task, worktree string, heartbeat func(string, float64)) error {
			return nil
		},
	}

	code := w.Run(context.Background())
	assert.Equal(t, ExitTaskFailure, code)

	doc, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, doc.Tasks["a-L1-x"].Status)
}

func TestRunLeavesTaskInProgressOnContextCheckpoint(t *testing.T) {
	repo := initRepo(t)
	f := newFeature(t)
	require.NoError(t, f.InitTasks(map[string]*types.Task{
		"a-L1-x": {ID: "a-L1-x", Level: 1, Status: types.TaskPending, Verification: types.Verification{Command: "true", TimeoutSeconds: 5}},
	}))

	w := &Worker{
		Feature:  f,
		WorkerID: 1,
		Worktree: repo,
		PollInterval: 5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		WaitCeiling: 100 * time.Millisecond,
		Execute: func(ctx context.Context, task *types.Task, worktree string, heartbeat func(string, float64)) error {
			return ErrContextCheckpoint
		},
	}

	code := w.Run(context.Background())
	assert.Equal(t, ExitContextCheckpoint, code)

	doc, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, doc.Tasks["a-L1-x"].Status, "must not self-requeue on catastrophic error")
}

func TestRunExitsCleanlyWhenCancelRequested(t *testing.T) {
	f := newFeature(t)
	require.NoError(t, f.RequestCancel())

	w := &Worker{
		Feature:  f,
		WorkerID: 1,
		Worktree: filepath.Join(t.TempDir()),
		PollInterval: 5 * time.Millisecond,
		WaitCeiling: 100 * time.Millisecond,
	}

	code := w.Run(context.Background())
	assert.Equal(t, ExitClean, code)
}
