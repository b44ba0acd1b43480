package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

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
	require.NoError(t, writeFile(filepath.Join(dir, "README.md"), "hello"))
	run("add", ".")
	run("commit", "-q", "-m", "init")
	return dir
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func TestCreateProducesDeterministicBranchAndPath(t *testing.T) {
	repo := initRepo(t)
	worktreeRoot := t.TempDir()
	m := New(repo, worktreeRoot, 5*time.Second)

	path, branch, err := m.Create(1, "checkout-flow", "main")
	require.NoError(t, err)
	assert.Equal(t, types.BranchName(1, "checkout-flow"), branch)
	assert.Equal(t, m.Path(1, "checkout-flow"), path)
	assert.DirExists(t, path)
}

func TestCreateIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	worktreeRoot := t.TempDir()
	m := New(repo, worktreeRoot, 5*time.Second)

	_, _, err := m.Create(1, "checkout-flow", "main")
	require.NoError(t, err)

	path, branch, err := m.Create(1, "checkout-flow", "main")
	require.NoError(t, err, "recreating the same worker's worktree must delete-then-create, not fail")
	assert.DirExists(t, path)
	assert.Equal(t, types.BranchName(1, "checkout-flow"), branch)
}

func TestDeleteRemovesDirtyWorktree(t *testing.T) {
	repo := initRepo(t)
	worktreeRoot := t.TempDir()
	m := New(repo, worktreeRoot, 5*time.Second)

	path, _, err := m.Create(1, "checkout-flow", "main")
	require.NoError(t, err)
	require.NoError(t, writeFile(filepath.Join(path, "scratch.txt"), "uncommitted"))

	require.NoError(t, m.Delete(path))
	assert.NoDirExists(t, path)
}

func TestDeleteRefusesPathOutsideWorktreeRoot(t *testing.T) {
	repo := initRepo(t)
	worktreeRoot := t.TempDir()
	m := New(repo, worktreeRoot, 5*time.Second)

	err := m.Delete(repo)
	require.ErrorIs(t, err, ErrUnsafeRemoval)
}
