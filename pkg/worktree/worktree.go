// Package worktree manages per-worker git worktrees: deterministic paths,
// worker-{id}/{feature} branch naming, idempotent create (delete-if-exists
// then create), and forced deletion that ignores dirty state (spec §4.3).
//
// Grounded on tim-coutinho-agentops's cli/internal/rpi/worktree.go: every
// git invocation runs through exec.CommandContext with a bounded timeout,
// classifies "already exists"-style stderr for retry-vs-terminal decisions,
// and validates a path against its expected shape before removing it.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/types"
)

var (
	// ErrWorktreeCollision is returned after repeated path collisions.
	ErrWorktreeCollision = errors.New("worktree: failed to create worktree after repeated path collisions")
	// ErrNotGitRepo is returned when repoRoot is not inside a git repository.
	ErrNotGitRepo = errors.New("worktree: not a git repository")
	// ErrUnsafeRemoval is returned when a removal target does not match its
	// expected deterministic path, a defense against removing the wrong dir.
	ErrUnsafeRemoval = errors.New("worktree: refusing to remove path outside the expected worktree root")
)

// Manager creates and removes worker worktrees under a deterministic root.
type Manager struct {
	repoRoot string
	worktreeRoot string
	timeout  time.Duration
}

// New returns a Manager rooted at repoRoot (the main checkout) that places
// worker worktrees under worktreeRoot.
func New(repoRoot, worktreeRoot string, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{repoRoot: repoRoot, worktreeRoot: worktreeRoot, timeout: timeout}
}

// Path returns the deterministic worktree path for a worker, without
// creating anything.
func (m *Manager) Path(workerID int, feature string) string {
	return filepath.Join(m.worktreeRoot, fmt.Sprintf("worker-%d-%s", workerID, feature))
}

// Create creates a worktree for workerID checked out on worker-{id}/{feature}
// branched from baseBranch, idempotently: any existing worktree/branch at
// that path is removed first (spec §4.3 "idempotent: delete-if-exists then
// create").
func (m *Manager) Create(workerID int, feature, baseBranch string) (worktreePath, branch string, err error) {
	if err := m.verifyGitRepo(); err != nil {
		return "", "", err
	}

	path := m.Path(workerID, feature)
	branch = types.BranchName(workerID, feature)

	if _, statErr := os.Stat(path); statErr == nil {
		if err := m.Delete(path); err != nil {
			return "", "", fmt.Errorf("remove existing worktree before recreate: %w", err)
		}
	}
	_ = m.deleteBranchIfExists(branch)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("create worktree parent dir: %w", err)
	}

	var out string
	for attempt := 0; attempt < 3; attempt++ {
		out, err = m.run("worktree", "add", "-b", branch, path, baseBranch)
		if err == nil || !isAlreadyExists(out) {
			break
		}
		_ = os.RemoveAll(path)
		_, _ = m.run("worktree", "prune")
		_ = m.deleteBranchIfExists(branch)
	}
	if err != nil {
		if isAlreadyExists(out) {
			return "", "", ErrWorktreeCollision
		}
		return "", "", fmt.Errorf("git worktree add: %w (output: %s)", err, strings.TrimSpace(out))
	}
	return path, branch, nil
}

// Delete forcibly removes a worktree; dirty state does not block cleanup
// (spec §4.3). Falls back to a raw directory removal if git refuses.
func (m *Manager) Delete(worktreePath string) error {
	absPath, err := m.resolveForRemoval(worktreePath)
	if err != nil {
		return err
	}

	if _, err := m.run("worktree", "remove", "--force", absPath); err != nil {
		if rmErr := os.RemoveAll(absPath); rmErr != nil {
			return fmt.Errorf("remove worktree directory %s: %w", absPath, rmErr)
		}
	}
	_, _ = m.run("worktree", "prune")
	return nil
}

// resolveForRemoval validates that worktreePath lives under this manager's
// worktreeRoot before allowing removal, so a bad path can't delete unrelated
// directories.
func (m *Manager) resolveForRemoval(worktreePath string) (string, error) {
	abs, err := filepath.Abs(worktreePath)
	if err != nil {
		return "", fmt.Errorf("resolve worktree path: %w", err)
	}
	rootAbs, err := filepath.Abs(m.worktreeRoot)
	if err != nil {
		return "", fmt.Errorf("resolve worktree root: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrUnsafeRemoval
	}
	return abs, nil
}

func (m *Manager) deleteBranchIfExists(branch string) error {
	_, err := m.run("branch", "-D", branch)
	return err
}

func (m *Manager) verifyGitRepo() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = m.repoRoot
	if err := cmd.Run(); err != nil {
		return ErrNotGitRepo
	}
	return nil
}

func (m *Manager) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("git %s timed out after %s", args[0], m.timeout)
	}
	return string(out), err
}

func isAlreadyExists(output string) bool {
	return strings.Contains(output, "already exists")
}

// HeadCommit returns the current HEAD commit SHA of repoRoot, used by the
// merge coordinator to resolve a worktree's merge source.
func HeadCommit(repoRoot string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD in %s: %w (output: %s)", repoRoot, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
