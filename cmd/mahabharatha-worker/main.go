// Command mahabharatha-worker is the process spawned by the process/container
// backends (spec §4.3): it reads its identity from the environment, wires up
// the worker protocol against the shared state store, and drives one claim
// loop until cancelled, idle past the wait ceiling, or crashed.
//
// The agent that actually edits files is treated as a black box (spec §1
// "explicitly out of scope"): ExecuteFunc here shells out to whatever
// command MAHABHARATHA_AGENT_COMMAND names, handing it the task as
// environment variables, and leaves interpreting the task description to
// that external program.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/log"
	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
	"github.com/mahabharatha/orchestrator/pkg/workerproto"
)

func main() {
	os.Exit(run())
}

func run() int {
	log.Init(log.Config{
		Level:      log.Level(envOr("LOG_LEVEL", "info")),
		JSONOutput: os.Getenv("LOG_JSON") == "true",
	})

	workerID, feature, worktree, branch, specDir, stateRoot, err := readIdentity()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mahabharatha-worker: %v\n", err)
		return workerproto.ExitCrash
	}
	root, err := store.NewRoot(stateRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mahabharatha-worker: open state store: %v\n", err)
		return workerproto.ExitCrash
	}

	w := &workerproto.Worker{
		Feature:  root.Feature(feature),
		WorkerID: workerID,
		Worktree: worktree,
		Branch:   branch,

		PollInterval:      durationEnv("POLL_INTERVAL_SECONDS", 2*time.Second),
		HeartbeatInterval: durationEnv("HEARTBEAT_INTERVAL_SECONDS", 30*time.Second),
		WaitCeiling:       durationEnv("WAIT_CEILING_SECONDS", 10*time.Minute),

		Execute: agentExecuteFunc(specDir),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.WithWorkerID(workerID).Info().Msg("signal received, requesting graceful stop")
		cancel()
	}()

	return w.Run(ctx)
}

// readIdentity pulls the worker's assignment from the environment the
// backend set at spawn time (spec §4.3 "env vars every backend sets").
func readIdentity() (workerID int, feature, worktree, branch, specDir, stateRoot string, err error) {
	workerIDStr := os.Getenv("WORKER_ID")
	workerID, convErr := strconv.Atoi(workerIDStr)
	if convErr != nil {
		return 0, "", "", "", "", "", fmt.Errorf("parse WORKER_ID=%q: %w", workerIDStr, convErr)
	}

	feature = os.Getenv("FEATURE")
	worktree = os.Getenv("WORKTREE")
	branch = os.Getenv("BRANCH")
	specDir = os.Getenv("SPEC_DIR")
	stateRoot = os.Getenv("MAHABHARATHA_STATE_ROOT")

	var missing []string
	for name, val := range map[string]string{
		"FEATURE": feature, "WORKTREE": worktree, "BRANCH": branch,
		"SPEC_DIR": specDir, "MAHABHARATHA_STATE_ROOT": stateRoot,
	} {
		if val == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return 0, "", "", "", "", "", fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return workerID, feature, worktree, branch, specDir, stateRoot, nil
}

// agentExecuteFunc shells out to MAHABHARATHA_AGENT_COMMAND with the task's
// id/title/description/file-ownership passed as environment variables, and
// a heartbeat call before and after so the worker's periodic heartbeat
// isn't the only liveness signal for a slow-starting agent.
func agentExecuteFunc(specDir string) workerproto.ExecuteFunc {
	return func(ctx context.Context, task *types.Task, worktree string, heartbeat func(step string, pct float64)) error {
		agentCmd := os.Getenv("MAHABHARATHA_AGENT_COMMAND")
		if agentCmd == "" {
			return fmt.Errorf("MAHABHARATHA_AGENT_COMMAND not set: no agent runtime configured for this worker")
		}

		heartbeat("starting agent", 0)

		execCtx, cancel := context.WithTimeout(ctx, agentTimeout())
		defer cancel()

		cmd := exec.CommandContext(execCtx, "sh", "-c", agentCmd)
		cmd.Dir = worktree
		cmd.Env = append(os.Environ(),
			"TASK_ID="+task.ID,
			"TASK_TITLE="+task.Title,
			"TASK_DESCRIPTION="+task.Description,
			"TASK_LEVEL="+strconv.Itoa(task.Level),
			"TASK_FILES_CREATE="+strings.Join(task.Files.Create, ","),
			"TASK_FILES_MODIFY="+strings.Join(task.Files.Modify, ","),
			"TASK_FILES_READ="+strings.Join(task.Files.Read, ","),
			"SPEC_DIR="+specDir,
		)

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		runErr := cmd.Run()

		heartbeat("agent finished", 1)

		if execCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("agent command timed out after %s", agentTimeout())
		}
		if runErr != nil {
			if ctx.Err() != nil {
				return workerproto.ErrContextCheckpoint
			}
			return fmt.Errorf("agent command failed: %w: %s", runErr, truncate(out.String(), 2000))
		}
		return nil
	}
}

func agentTimeout() time.Duration {
	return durationEnv("AGENT_TIMEOUT_SECONDS", 30*time.Minute)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
