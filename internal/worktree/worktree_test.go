package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverun/hive/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// initGitRepo creates a repository with a single commit so branches can
// be created from HEAD.
func initGitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hive\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "init")
	return dir
}

func TestCreateAndReuseWorktree(t *testing.T) {
	repo := initGitRepo(t)
	adapter := NewGitAdapter(newTestLogger())
	ctx := context.Background()

	path, err := adapter.Create(ctx, repo, "cell-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".hive", "cells", "cell-1"), path)
	assert.True(t, adapter.isValidWorktree(path))

	// Second call reuses the existing worktree.
	again, err := adapter.Create(ctx, repo, "cell-1")
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestCreateFailsOutsideGitRepo(t *testing.T) {
	adapter := NewGitAdapter(newTestLogger())
	_, err := adapter.Create(context.Background(), t.TempDir(), "cell-x")
	assert.ErrorIs(t, err, ErrRepoNotGit)
}

func TestRemoveWorktree(t *testing.T) {
	repo := initGitRepo(t)
	adapter := NewGitAdapter(newTestLogger())
	ctx := context.Background()

	path, err := adapter.Create(ctx, repo, "cell-2")
	require.NoError(t, err)

	require.NoError(t, adapter.Remove(ctx, repo, "cell-2"))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// Branch is gone too, so a fresh create succeeds.
	_, err = adapter.Create(ctx, repo, "cell-2")
	require.NoError(t, err)
}

func TestRemoveMissingWorktreeIsBestEffort(t *testing.T) {
	repo := initGitRepo(t)
	adapter := NewGitAdapter(newTestLogger())
	assert.NoError(t, adapter.Remove(context.Background(), repo, "never-created"))
}
