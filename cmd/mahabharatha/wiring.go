package main

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mahabharatha/orchestrator/pkg/backend"
	"github.com/mahabharatha/orchestrator/pkg/config"
	"github.com/mahabharatha/orchestrator/pkg/events"
	"github.com/mahabharatha/orchestrator/pkg/merge"
	"github.com/mahabharatha/orchestrator/pkg/scheduler"
	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
	"github.com/mahabharatha/orchestrator/pkg/worktree"
)

// runtime bundles every long-lived component wired up for one feature run,
// so the run command can construct it once and tear it down consistently.
type runtime struct {
	cfg        *config.Config
	root       *store.Root
	feature    *store.Feature
	tailStore  *events.TailStore
	broker     *events.Broker
	backend    backend.Backend
	worktrees  *worktree.Manager
	mergeCoord *merge.Coordinator
	sched      *scheduler.Scheduler

	repoRoot   string
	repoGitDir string
	baseBranch string
}

// newRuntime resolves the repository root and current branch, loads config,
// and wires every subsystem the scheduler needs for featureName. It does not
// start anything; callers decide what to run.
func newRuntime(cfgPath, featureName, backendKind string) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, exitErrorf(3, "load config: %v", err)
	}
	if backendKind != "" {
		cfg.Backend = backendKind
	}

	repoRoot, err := gitOutput("rev-parse", "--show-toplevel")
	if err != nil {
		return nil, exitErrorf(3, "resolve repository root (run inside a git repository): %v", err)
	}
	repoGitDir, err := gitOutput("rev-parse", "--git-common-dir")
	if err != nil {
		return nil, exitErrorf(3, "resolve repository git directory: %v", err)
	}
	if !filepath.IsAbs(repoGitDir) {
		repoGitDir = filepath.Join(repoRoot, repoGitDir)
	}
	baseBranch, err := gitOutput("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, exitErrorf(3, "resolve current branch: %v", err)
	}

	root, err := store.NewRoot(cfg.StateRoot)
	if err != nil {
		return nil, exitErrorf(3, "open state store: %v", err)
	}
	feature := root.Feature(featureName)

	tailStore, err := events.NewTailStore(filepath.Join(cfg.StateRoot, "events.db"), 5000)
	if err != nil {
		return nil, exitErrorf(3, "open event tail store: %v", err)
	}
	broker := events.NewBroker()
	broker.Start()
	root.SetEventSpillHook(func(feature string, event types.ExecutionEvent) {
		_ = tailStore.Append(feature, event)
	})

	b, err := backend.New(cfg.Backend, cfg)
	if err != nil {
		tailStore.Close()
		broker.Stop()
		return nil, exitErrorf(3, "construct %s backend: %v", cfg.Backend, err)
	}

	worktrees := worktree.New(repoRoot, cfg.WorktreeRoot, 0)
	mergeCoord := merge.New(feature, worktrees, cfg, repoRoot, baseBranch)
	sched := scheduler.New(feature, b, worktrees, mergeCoord, cfg, repoGitDir, baseBranch)

	return &runtime{
		cfg:        cfg,
		root:       root,
		feature:    feature,
		tailStore:  tailStore,
		broker:     broker,
		backend:    b,
		worktrees:  worktrees,
		mergeCoord: mergeCoord,
		sched:      sched,
		repoRoot:   repoRoot,
		repoGitDir: repoGitDir,
		baseBranch: baseBranch,
	}, nil
}

func (r *runtime) Close() {
	r.broker.Stop()
	_ = r.tailStore.Close()
}

// loadConfigOnly loads configuration without wiring any subsystem, for
// commands (status/stop/retry/cleanup) that only need state-store and
// worktree paths, not a running scheduler.
func loadConfigOnly(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, exitErrorf(3, "load config: %v", err)
	}
	return cfg, nil
}

func gitOutput(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
