package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aristath/apex/internal/domain"
)

// BranchPrefix prefixes every branch created for a task.
const BranchPrefix = "apex/"

// GitWorktreesConfig configures the git worktree provider.
type GitWorktreesConfig struct {
	RepoPath    string // Absolute path to the git repository
	BaseBranch  string // Branch to branch from (e.g., "main")
	WorktreeDir string // Directory under repo for worktrees (default ".worktrees")
}

// GitWorktrees gives every top-level task its own git worktree on a
// dedicated branch.
type GitWorktrees struct {
	config GitWorktreesConfig
	mu     sync.Mutex // Serializes git operations to prevent lock conflicts on the main repo
}

// WorktreeInfo describes one worktree reported by git.
type WorktreeInfo struct {
	Path   string
	Branch string
	TaskID string // Derived from the branch name; empty for foreign worktrees
	Head   string
}

// NewGitWorktrees creates a git worktree provider.
func NewGitWorktrees(cfg GitWorktreesConfig) *GitWorktrees {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &GitWorktrees{config: cfg}
}

// Provision implements Provider. The branch is apex/<taskID> and the worktree
// lives under <repo>/<worktreeDir>/<taskID>.
func (g *GitWorktrees) Provision(ctx context.Context, task *domain.Task) (Workspace, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	branch := BranchPrefix + task.ID
	wtPath := filepath.Join(g.config.RepoPath, g.config.WorktreeDir, task.ID)

	if _, err := g.git(ctx, g.config.RepoPath, "worktree", "add", "-b", branch, wtPath, g.config.BaseBranch); err != nil {
		return Workspace{}, fmt.Errorf("failed to create worktree: %w", err)
	}

	return Workspace{BranchName: branch, Path: wtPath}, nil
}

// Cleanup implements Provider. It removes the worktree and deletes the
// branch, forcing both when the gentle variant fails. Missing worktrees and
// branches are not errors.
func (g *GitWorktrees) Cleanup(ctx context.Context, task *domain.Task) error {
	if task.WorkspacePath == "" && task.BranchName == "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error

	if task.WorkspacePath != "" {
		if _, statErr := os.Stat(task.WorkspacePath); statErr == nil {
			if _, err := g.git(ctx, g.config.RepoPath, "worktree", "remove", task.WorkspacePath); err != nil {
				// Retry with --force for dirty worktrees
				if _, forceErr := g.git(ctx, g.config.RepoPath, "worktree", "remove", "--force", task.WorkspacePath); forceErr != nil {
					errs = append(errs, fmt.Errorf("worktree remove failed: %w", forceErr))
				}
			}
		} else if _, err := g.git(ctx, g.config.RepoPath, "worktree", "prune"); err != nil {
			errs = append(errs, fmt.Errorf("worktree prune failed: %w", err))
		}
	}

	if task.BranchName != "" && g.branchExists(ctx, task.BranchName) {
		if _, err := g.git(ctx, g.config.RepoPath, "branch", "-d", task.BranchName); err != nil {
			// Retry with -D for unmerged work
			if _, forceErr := g.git(ctx, g.config.RepoPath, "branch", "-D", task.BranchName); forceErr != nil {
				errs = append(errs, fmt.Errorf("branch delete failed: %w", forceErr))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup of task %s: %w", task.ID, errors.Join(errs...))
	}
	return nil
}

// List returns all worktrees in the repository.
func (g *GitWorktrees) List(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := g.git(ctx, g.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList(output), nil
}

// Prune cleans up stale worktree metadata left behind by a crash.
func (g *GitWorktrees) Prune(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.git(ctx, g.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

func (g *GitWorktrees) branchExists(ctx context.Context, branch string) bool {
	_, err := g.git(ctx, g.config.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (g *GitWorktrees) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// Empty line signals end of a worktree entry
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if strings.HasPrefix(current.Branch, BranchPrefix) {
				current.TaskID = strings.TrimPrefix(current.Branch, BranchPrefix)
			}
		}
	}

	// Add last entry if not followed by empty line
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}
