package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/mahabharatha/orchestrator/pkg/types"
)

// WorkerFunc is the cooperative worker entry point an embedding host
// provides: it runs the full worker protocol (spec §4.4) against the given
// worktree/branch until it exits or ctx is cancelled.
type WorkerFunc func(ctx context.Context, req SpawnRequest) error

// Cooperative runs workers as goroutines inside the orchestrating process.
// No network or port allocation is involved (spec §4.3); it's used when
// integrating with an external agent host that already runs in-process.
type Cooperative struct {
	run WorkerFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	done    map[string]bool
	next    int
}

// NewCooperative returns a Cooperative backend. SetWorkerFunc must be called
// before Spawn is used; until then Spawn reports a failed SpawnResult.
func NewCooperative() *Cooperative {
	return &Cooperative{cancels: make(map[string]context.CancelFunc), done: make(map[string]bool)}
}

// SetWorkerFunc installs the cooperative entry point.
func (c *Cooperative) SetWorkerFunc(fn WorkerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run = fn
}

func (c *Cooperative) Kind() types.Backend { return types.BackendCooperative }

func (c *Cooperative) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	c.mu.Lock()
	run := c.run
	if run == nil {
		c.mu.Unlock()
		return SpawnResult{Failed: true, Backend: types.BackendCooperative, Message: "cooperative backend has no worker function installed"}, nil
	}
	c.next++
	handle := fmt.Sprintf("cooperative-%d", c.next)
	workerCtx, cancel := context.WithCancel(context.Background())
	c.cancels[handle] = cancel
	c.done[handle] = false
	c.mu.Unlock()

	go func() {
		err := run(workerCtx, req)
		c.mu.Lock()
		c.done[handle] = true
		c.mu.Unlock()
		_ = err // the worker protocol reports its own outcome through the state store
	}()

	return SpawnResult{Handle: handle, Backend: types.BackendCooperative}, nil
}

func (c *Cooperative) Terminate(ctx context.Context, handle string, graceful bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.cancels[handle]
	if !ok {
		return fmt.Errorf("cooperative: unknown handle %q", handle)
	}
	cancel()
	c.done[handle] = true
	return nil
}

func (c *Cooperative) IsAlive(ctx context.Context, handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	done, ok := c.done[handle]
	return ok && !done
}

func (c *Cooperative) SyncState(ctx context.Context, handles []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dead := make([]string, 0)
	for _, h := range handles {
		if done, ok := c.done[h]; !ok || done {
			dead = append(dead, h)
		}
	}
	return dead, nil
}
