// Package backend unifies the three interchangeable worker execution
// backends (cooperative in-process, local OS process, container) behind one
// small interface, plus the spawn-retry envelope every backend goes through
// (spec §4.3).
//
// Grounded on cuemby-warren's pkg/worker/worker.go for the
// spawn/terminate/liveness lifecycle shape (translated away from its
// gRPC/mTLS manager-connection model, which has no analog here — workers
// talk to the state store directly, not to a control-plane RPC service; see
// DESIGN.md's dropped-dependency notes for grpc/protobuf).
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/config"
	"github.com/mahabharatha/orchestrator/pkg/log"
	"github.com/mahabharatha/orchestrator/pkg/metrics"
	"github.com/mahabharatha/orchestrator/pkg/types"
)

// SpawnRequest carries everything a backend needs to start one worker.
type SpawnRequest struct {
	WorkerID int
	Feature  string
	Worktree string
	Branch   string
	// RepoGitDir is the main repository's .git directory, mounted read-only
	// into container backends so git commands resolve despite host-path
	// indirection (spec §4.3 container-specific concerns).
	RepoGitDir string
	// SpecDir points at the directory holding the feature's task graph and
	// related spec artifacts; StateRoot points at the state document root.
	// Both are handed to the worker as environment variables alongside
	// WORKER_ID/FEATURE/WORKTREE/BRANCH.
	SpecDir   string
	StateRoot string
}

// SpawnResult is the outcome of a spawn attempt.
type SpawnResult struct {
	Handle  string
	Backend types.Backend
	Failed  bool
	Message string
}

// Backend is the interface every execution backend implements (spec §4.3
// "All backends expose").
type Backend interface {
	// Spawn starts a worker process/container/goroutine for req. It never
	// panics; failures are reported in SpawnResult.Failed.
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
	Terminate(ctx context.Context, handle string, graceful bool) error
	IsAlive(ctx context.Context, handle string) bool
	// SyncState reconciles OS-level liveness with logical worker state,
	// returning the handles that are no longer alive (spec §4.3).
	SyncState(ctx context.Context, handles []string) (dead []string, err error)
	Kind() types.Backend
}

// New constructs the configured backend.
func New(kind string, cfg *config.Config) (Backend, error) {
	switch kind {
	case "cooperative":
		return NewCooperative(), nil
	case "process":
		return NewProcess(), nil
	case "container":
		return NewContainer(cfg.ContainerImage)
	default:
		return nil, fmt.Errorf("backend: unknown kind %q", kind)
	}
}

// SpawnWithRetry runs b.Spawn through the retry envelope described in spec
// §4.3: up to attempts tries, backoff per strategy, base/max bounds. Every
// failed attempt is logged with kind, reason, and elapsed time; after
// exhaustion it returns a failed SpawnResult rather than an error — spawning
// never raises.
func SpawnWithRetry(ctx context.Context, b Backend, req SpawnRequest, attempts int, strategy config.BackoffStrategy, base, max time.Duration) SpawnResult {
	if attempts < 1 {
		attempts = 1
	}

	timer := metrics.NewTimer()
	var last SpawnResult
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		result, err := b.Spawn(ctx, req)
		elapsed := time.Since(start)

		if err == nil && !result.Failed {
			timer.ObserveDuration(metrics.WorkerSpawnDuration)
			return result
		}

		reason := result.Message
		if err != nil {
			reason = err.Error()
		}
		log.WithWorkerID(req.WorkerID).Warn().
			Str("backend", string(b.Kind())).
			Int("attempt", attempt).
			Str("reason", reason).
			Dur("elapsed", elapsed).
			Msg("worker spawn attempt failed")

		last = SpawnResult{Failed: true, Message: reason, Backend: b.Kind()}
		if attempt == attempts {
			break
		}
		time.Sleep(backoffFor(strategy, attempt, base, max))
	}

	metrics.WorkerSpawnFailuresTotal.WithLabelValues(string(b.Kind())).Inc()
	if last.Message == "" {
		last.Message = "exhausted spawn retry attempts"
	}
	return last
}

func backoffFor(strategy config.BackoffStrategy, attempt int, base, max time.Duration) time.Duration {
	var d time.Duration
	switch strategy {
	case config.BackoffLinear:
		d = base * time.Duration(attempt)
	case config.BackoffFixed:
		d = base
	default: // exponential
		d = base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > max {
				break
			}
		}
	}
	if d > max {
		d = max
	}
	return d
}
