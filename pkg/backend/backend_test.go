package backend

import (
	"context"
	"testing"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/config"
	"github.com/mahabharatha/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCooperativeSpawnAndTerminate(t *testing.T) {
	c := NewCooperative()
	started := make(chan struct{})
	c.SetWorkerFunc(func(ctx context.Context, req SpawnRequest) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	result, err := c.Spawn(context.Background(), SpawnRequest{WorkerID: 1, Feature: "f"})
	require.NoError(t, err)
	require.False(t, result.Failed)
	<-started

	assert.True(t, c.IsAlive(context.Background(), result.Handle))
	require.NoError(t, c.Terminate(context.Background(), result.Handle, true))
	assert.False(t, c.IsAlive(context.Background(), result.Handle))
}

func TestCooperativeSpawnFailsWithoutWorkerFunc(t *testing.T) {
	c := NewCooperative()
	result, err := c.Spawn(context.Background(), SpawnRequest{WorkerID: 1})
	require.NoError(t, err)
	assert.True(t, result.Failed)
}

func TestCooperativeSyncStateReportsExited(t *testing.T) {
	c := NewCooperative()
	c.SetWorkerFunc(func(ctx context.Context, req SpawnRequest) error { return nil })
	result, err := c.Spawn(context.Background(), SpawnRequest{WorkerID: 1})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		dead, _ := c.SyncState(context.Background(), []string{result.Handle})
		return len(dead) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestProcessSpawnMissingBinaryFails(t *testing.T) {
	p := NewProcess()
	p.Command = "mahabharatha-worker-does-not-exist"
	result, err := p.Spawn(context.Background(), SpawnRequest{WorkerID: 1, Worktree: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, result.Failed)
}

func TestSpawnWithRetryReportsFailureAfterExhaustion(t *testing.T) {
	c := NewCooperative() // no worker func installed: every attempt fails
	result := SpawnWithRetry(context.Background(), c, SpawnRequest{WorkerID: 1}, 2, config.BackoffFixed, time.Millisecond, 5*time.Millisecond)
	assert.True(t, result.Failed)
	assert.Equal(t, types.BackendCooperative, result.Backend)
}

func TestSpawnWithRetrySucceedsOnWorkingBackend(t *testing.T) {
	c := NewCooperative()
	c.SetWorkerFunc(func(ctx context.Context, req SpawnRequest) error {
		<-ctx.Done()
		return nil
	})
	result := SpawnWithRetry(context.Background(), c, SpawnRequest{WorkerID: 1}, 3, config.BackoffExponential, time.Millisecond, 5*time.Millisecond)
	assert.False(t, result.Failed)
}

func TestBackoffForCapsAtMax(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoffFor(config.BackoffExponential, 10, time.Second, 5*time.Second))
	assert.Equal(t, time.Second, backoffFor(config.BackoffFixed, 4, time.Second, 5*time.Second))
	assert.Equal(t, 3*time.Second, backoffFor(config.BackoffLinear, 3, time.Second, 5*time.Second))
}
