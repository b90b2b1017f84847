// Package worktree creates and removes per-cell git worktrees.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/common/logger"
)

var (
	// ErrRepoNotGit is returned when the workspace root is not a git repository.
	ErrRepoNotGit = errors.New("workspace root is not a git repository")
	// ErrGitCommandFailed wraps git subprocess failures.
	ErrGitCommandFailed = errors.New("git command failed")
)

// Adapter is the worktree contract the provisioning engine depends on.
type Adapter interface {
	// Create materializes a worktree for a cell and returns its path.
	// Creating an already existing, valid worktree is a no-op.
	Create(ctx context.Context, workspaceRoot, cellID string) (string, error)
	// Remove deletes the cell's worktree directory and its branch.
	Remove(ctx context.Context, workspaceRoot, cellID string) error
	// Path returns where the cell's worktree lives under a root.
	Path(workspaceRoot, cellID string) string
}

// GitAdapter shells out to git to manage worktrees under
// <workspaceRoot>/.hive/cells/<cellID>.
type GitAdapter struct {
	logger *logger.Logger

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewGitAdapter creates a git-backed worktree adapter.
func NewGitAdapter(log *logger.Logger) *GitAdapter {
	if log == nil {
		log = logger.Default()
	}
	return &GitAdapter{
		logger:    log.WithFields(zap.String("component", "worktree")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// Path returns the worktree directory for a cell.
func (a *GitAdapter) Path(workspaceRoot, cellID string) string {
	return filepath.Join(workspaceRoot, ".hive", "cells", cellID)
}

// BranchName returns the branch created for a cell's worktree.
func (a *GitAdapter) BranchName(cellID string) string {
	return "hive/" + cellID
}

// Create adds a git worktree for the cell. Safe to call repeatedly:
// an existing valid worktree is reused.
func (a *GitAdapter) Create(ctx context.Context, workspaceRoot, cellID string) (string, error) {
	path := a.Path(workspaceRoot, cellID)

	if a.isValidWorktree(path) {
		a.logger.Info("reusing existing worktree",
			zap.String("cell_id", cellID),
			zap.String("path", path))
		return path, nil
	}

	if !a.isGitRepo(workspaceRoot) {
		return "", ErrRepoNotGit
	}

	lock := a.repoLock(workspaceRoot)
	lock.Lock()
	defer lock.Unlock()

	// A stale directory without a .git link blocks git worktree add.
	if _, err := os.Stat(path); err == nil {
		_ = os.RemoveAll(path)
		a.prune(ctx, workspaceRoot)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktree parent directory: %w", err)
	}

	branch := a.BranchName(cellID)
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path)
	cmd.Dir = workspaceRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "already exists") {
			cmd = exec.CommandContext(ctx, "git", "worktree", "add", path, branch)
			cmd.Dir = workspaceRoot
			output, err = cmd.CombinedOutput()
		}
		if err != nil {
			a.logger.Error("git worktree add failed",
				zap.String("cell_id", cellID),
				zap.String("output", string(output)),
				zap.Error(err))
			return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
		}
	}

	a.logger.Info("created worktree",
		zap.String("cell_id", cellID),
		zap.String("path", path),
		zap.String("branch", branch))
	return path, nil
}

// Remove deletes the worktree directory and its branch. Best-effort:
// a partially removed worktree is pruned rather than failed on.
func (a *GitAdapter) Remove(ctx context.Context, workspaceRoot, cellID string) error {
	path := a.Path(workspaceRoot, cellID)

	lock := a.repoLock(workspaceRoot)
	lock.Lock()
	defer lock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = workspaceRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		a.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", err)
		}
		a.prune(ctx, workspaceRoot)
	}

	branch := a.BranchName(cellID)
	cmd = exec.CommandContext(ctx, "git", "branch", "-D", branch)
	cmd.Dir = workspaceRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		a.logger.Debug("failed to delete worktree branch",
			zap.String("branch", branch),
			zap.String("output", string(output)))
	}

	a.logger.Info("removed worktree",
		zap.String("cell_id", cellID),
		zap.String("path", path))
	return nil
}

func (a *GitAdapter) prune(ctx context.Context, workspaceRoot string) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	cmd.Dir = workspaceRoot
	_ = cmd.Run()
}

func (a *GitAdapter) repoLock(workspaceRoot string) *sync.Mutex {
	a.repoLockMu.Lock()
	defer a.repoLockMu.Unlock()
	if lock, ok := a.repoLocks[workspaceRoot]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	a.repoLocks[workspaceRoot] = lock
	return lock
}

func (a *GitAdapter) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// isValidWorktree reports whether path looks like a linked worktree:
// the .git entry is a file containing a gitdir pointer.
func (a *GitAdapter) isValidWorktree(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}
