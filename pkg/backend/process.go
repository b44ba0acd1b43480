package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/types"
)

// Process spawns an OS process per worker, rooted at the worktree with the
// spec's required environment variables set, and tracks the handle for
// signaling and exit (spec §4.3 "Local process backend").
type Process struct {
	// Command is the worker binary to exec. Defaults to
	// "mahabharatha-worker" on the PATH.
	Command string
	Args    []string

	mu    sync.Mutex
	procs map[string]*os.Process
}

// NewProcess returns a Process backend invoking the default worker binary.
func NewProcess() *Process {
	return &Process{Command: "mahabharatha-worker", procs: make(map[string]*os.Process)}
}

func (p *Process) Kind() types.Backend { return types.BackendProcess }

func (p *Process) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	cmd := exec.Command(p.Command, p.Args...)
	cmd.Dir = req.Worktree
	cmd.Env = append(os.Environ(),
		"WORKER_ID="+strconv.Itoa(req.WorkerID),
		"FEATURE="+req.Feature,
		"WORKTREE="+req.Worktree,
		"BRANCH="+req.Branch,
		"SPEC_DIR="+req.SpecDir,
		"MAHABHARATHA_STATE_ROOT="+req.StateRoot,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return SpawnResult{Failed: true, Backend: types.BackendProcess, Message: err.Error()}, nil
	}

	handle := strconv.Itoa(cmd.Process.Pid)
	p.mu.Lock()
	p.procs[handle] = cmd.Process
	p.mu.Unlock()

	go func() {
		_, _ = cmd.Process.Wait()
	}()

	return SpawnResult{Handle: handle, Backend: types.BackendProcess}, nil
}

func (p *Process) Terminate(ctx context.Context, handle string, graceful bool) error {
	p.mu.Lock()
	proc, ok := p.procs[handle]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("process: unknown handle %q", handle)
	}

	if !graceful {
		return proc.Kill()
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return proc.Kill()
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return proc.Kill()
	}
}

func (p *Process) IsAlive(ctx context.Context, handle string) bool {
	p.mu.Lock()
	proc, ok := p.procs[handle]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (p *Process) SyncState(ctx context.Context, handles []string) ([]string, error) {
	dead := make([]string, 0)
	for _, h := range handles {
		if !p.IsAlive(ctx, h) {
			dead = append(dead, h)
		}
	}
	return dead, nil
}
