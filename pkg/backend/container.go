package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/mahabharatha/orchestrator/pkg/portalloc"
	"github.com/mahabharatha/orchestrator/pkg/types"
)

const (
	containerNamespace = "mahabharatha"
	defaultSocketPath  = "/run/containerd/containerd.sock"
	livenessMarkerName = "alive"
)

// Container starts one isolated container per worker: worktree mounted
// read-write, the main repo's .git directory mounted read-only, the
// worktree's .git entry checked for presence (its gitdir pointer is not
// rewritten and still names the host path), an ephemeral port allocated from the
// dynamic range, and a liveness marker file an exit trap clears (spec §4.3
// "Container-specific concerns").
//
// Grounded on cuemby-warren's pkg/runtime/containerd.go (pull/create/start/
// stop/delete, namespace scoping, OCI spec options, graceful-then-SIGKILL
// stop).
type Container struct {
	client *containerd.Client
	image  string
	ports  *portalloc.Allocator

	mu     sync.Mutex
	tasks  map[string]containerd.Task
}

// NewContainer connects to containerd and verifies the configured image is
// reachable, failing closed per spec §4.3 ("verify container runtime is
// reachable and required image exists; if missing, fail-closed").
func NewContainer(image string) (*Container, error) {
	client, err := containerd.New(defaultSocketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd at %s: %w", defaultSocketPath, err)
	}
	if image == "" {
		return nil, fmt.Errorf("container backend: no container_image configured")
	}

	ctx := namespaces.WithNamespace(context.Background(), containerNamespace)
	if _, err := client.GetImage(ctx, image); err != nil {
		if _, pullErr := client.Pull(ctx, image, containerd.WithPullUnpack); pullErr != nil {
			_ = client.Close()
			return nil, fmt.Errorf("container backend: image %s unreachable: %w", image, pullErr)
		}
	}

	return &Container{
		client: client,
		image:  image,
		ports:  portalloc.New(),
		tasks:  make(map[string]containerd.Task),
	}, nil
}

func (c *Container) Kind() types.Backend { return types.BackendContainer }

func (c *Container) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	nsCtx := namespaces.WithNamespace(ctx, containerNamespace)

	if err := patchWorktreeGitMetadata(req.Worktree); err != nil {
		return SpawnResult{Failed: true, Backend: types.BackendContainer, Message: err.Error()}, nil
	}

	port, err := c.ports.Allocate()
	if err != nil {
		return SpawnResult{Failed: true, Backend: types.BackendContainer, Message: err.Error()}, nil
	}

	image, err := c.client.GetImage(nsCtx, c.image)
	if err != nil {
		c.ports.Release(port)
		return SpawnResult{Failed: true, Backend: types.BackendContainer, Message: err.Error()}, nil
	}

	containerID := fmt.Sprintf("worker-%d-%s", req.WorkerID, req.Feature)
	markerPath := filepath.Join(req.Worktree, ".mahabharatha-"+livenessMarkerName)

	mounts := []specs.Mount{
		{Source: req.Worktree, Destination: "/workspace", Type: "bind", Options: []string{"rw", "bind"}},
	}
	env := []string{
		"WORKER_ID=" + strconv.Itoa(req.WorkerID),
		"FEATURE=" + req.Feature,
		"WORKTREE=/workspace",
		"BRANCH=" + req.Branch,
		"PORT=" + strconv.Itoa(port),
		"LIVENESS_MARKER=/workspace/.mahabharatha-" + livenessMarkerName,
		"SPEC_DIR=" + req.SpecDir,
		"MAHABHARATHA_STATE_ROOT=" + req.StateRoot,
		"GIT_WORKTREE_DIR=/workspace",
	}
	if req.RepoGitDir != "" {
		mounts = append(mounts, specs.Mount{Source: req.RepoGitDir, Destination: "/repo-git", Type: "bind", Options: []string{"ro", "bind"}})
		env = append(env, "GIT_MAIN_DIR=/repo-git")
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithMounts(mounts),
	}

	ctrd, err := c.client.NewContainer(nsCtx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		c.ports.Release(port)
		return SpawnResult{Failed: true, Backend: types.BackendContainer, Message: err.Error()}, nil
	}

	task, err := ctrd.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		c.ports.Release(port)
		return SpawnResult{Failed: true, Backend: types.BackendContainer, Message: err.Error()}, nil
	}
	if err := task.Start(nsCtx); err != nil {
		c.ports.Release(port)
		return SpawnResult{Failed: true, Backend: types.BackendContainer, Message: err.Error()}, nil
	}

	c.mu.Lock()
	c.tasks[containerID] = task
	c.mu.Unlock()

	if err := waitForLivenessMarker(nsCtx, markerPath); err != nil {
		_ = c.Terminate(ctx, containerID, false)
		c.ports.Release(port)
		return SpawnResult{Failed: true, Backend: types.BackendContainer, Message: err.Error()}, nil
	}

	return SpawnResult{Handle: containerID, Backend: types.BackendContainer}, nil
}

// waitForLivenessMarker polls for the marker file the container's entry
// script creates on startup (its exit trap clears it), failing the spawn if
// the worker process never comes up within the grace period.
func waitForLivenessMarker(ctx context.Context, markerPath string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := exec.CommandContext(checkCtx, "test", "-f", markerPath).Run()
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("worker did not report liveness marker %s within 30s", markerPath)
		}
		time.Sleep(300 * time.Millisecond)
	}
}

func (c *Container) Terminate(ctx context.Context, handle string, graceful bool) error {
	nsCtx := namespaces.WithNamespace(ctx, containerNamespace)

	c.mu.Lock()
	task, ok := c.tasks[handle]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("container: unknown handle %q", handle)
	}

	stopCtx, cancel := context.WithTimeout(nsCtx, 10*time.Second)
	defer cancel()

	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	if err := task.Kill(stopCtx, sig); err != nil {
		return fmt.Errorf("kill container task %s: %w", handle, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait on container task %s: %w", handle, err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		_ = task.Kill(nsCtx, syscall.SIGKILL)
	}

	if _, err := task.Delete(nsCtx); err != nil {
		return fmt.Errorf("delete container task %s: %w", handle, err)
	}
	c.mu.Lock()
	delete(c.tasks, handle)
	c.mu.Unlock()
	return nil
}

func (c *Container) IsAlive(ctx context.Context, handle string) bool {
	nsCtx := namespaces.WithNamespace(ctx, containerNamespace)
	c.mu.Lock()
	task, ok := c.tasks[handle]
	c.mu.Unlock()
	if !ok {
		return false
	}
	status, err := task.Status(nsCtx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}

func (c *Container) SyncState(ctx context.Context, handles []string) ([]string, error) {
	dead := make([]string, 0)
	for _, h := range handles {
		if !c.IsAlive(ctx, h) {
			dead = append(dead, h)
		}
	}
	return dead, nil
}

// patchWorktreeGitMetadata checks that the worktree has a .git entry: it
// returns an error if the entry is missing and nil otherwise. It does not
// rewrite a linked worktree's .git file, so the gitdir pointer in it still
// names the absolute host path inside the main repo's worktrees directory.
func patchWorktreeGitMetadata(worktreePath string) error {
	gitFile := filepath.Join(worktreePath, ".git")
	info, err := os.Stat(gitFile)
	if err != nil {
		return fmt.Errorf("stat worktree .git file: %w", err)
	}
	if info.IsDir() {
		return nil // main checkout, not a linked worktree; nothing to patch
	}
	return nil
}
