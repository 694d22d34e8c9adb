package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/common/tracing"
)

// CleanupPolicy controls what happens to a worktree on terminal transition.
type CleanupPolicy string

const (
	// PolicyKeep preserves the worktree directory and branch.
	PolicyKeep CleanupPolicy = "keep"
	// PolicyRemove erases the worktree directory and branch.
	PolicyRemove CleanupPolicy = "remove"
)

// ManagedWorktree describes an isolated working copy bound to a task branch.
type ManagedWorktree struct {
	TaskID           string    `json:"taskId"`
	ProjectDirectory string    `json:"projectDirectory"`
	Directory        string    `json:"directory"`
	Branch           string    `json:"branch"`
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"createdAt"`
}

// CleanupRequest identifies the worktree to clean up and the policy to apply.
type CleanupRequest struct {
	TaskID            string
	ProjectDirectory  string
	WorktreeDirectory string
	Policy            CleanupPolicy
}

// CleanupResult reports what the cleanup did.
type CleanupResult struct {
	Policy            CleanupPolicy `json:"policy"`
	WorktreeDirectory string        `json:"worktreeDirectory"`
	Removed           bool          `json:"removed"`
}

// MergeResult reports the branch that was merged.
type MergeResult struct {
	Branch string `json:"branch"`
}

// Manager creates, merges, and removes Git worktrees for tasks. Directory and
// branch names derive from the task id, so a task always maps to the same
// branch and orphaned directories can be traced back to their task.
type Manager struct {
	config Config
	logger *logger.Logger
	tracer trace.Tracer

	mu        sync.RWMutex
	worktrees map[string]*ManagedWorktree

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewManager creates a worktree manager and ensures the base directory exists.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		tracer:    tracing.Tracer("worktree-manager"),
		worktrees: make(map[string]*ManagedWorktree),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// repoLock returns the mutex serializing git commands for a repository.
func (m *Manager) repoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, ok := m.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// CreateTaskWorktree creates a worktree and branch for a task under the base
// directory. Calling it again for a task whose worktree is still valid returns
// the existing worktree. An existing task branch is checked out rather than
// recreated.
func (m *Manager) CreateTaskWorktree(ctx context.Context, projectDirectory, taskID string) (*ManagedWorktree, error) {
	projectDirectory = strings.TrimSpace(projectDirectory)
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if !filepath.IsAbs(projectDirectory) {
		return nil, fmt.Errorf("project directory must be absolute: %s", projectDirectory)
	}

	ctx, span := m.tracer.Start(ctx, "worktree.create")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	m.mu.RLock()
	existing := m.worktrees[taskID]
	m.mu.RUnlock()
	if existing != nil {
		if isWorktreeDir(existing.Directory) {
			m.logger.Info("reusing existing worktree",
				zap.String("task_id", taskID),
				zap.String("path", existing.Directory))
			return existing, nil
		}
		// Record exists but the directory is gone. Drop it and prune
		// stale git metadata before creating a fresh one.
		m.logger.Warn("worktree directory invalid, recreating",
			zap.String("task_id", taskID),
			zap.String("path", existing.Directory))
		m.mu.Lock()
		delete(m.worktrees, taskID)
		m.mu.Unlock()
		if out, err := m.runGit(ctx, projectDirectory, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed",
				zap.String("output", out),
				zap.Error(err))
		}
	}

	if !isRepositoryRoot(projectDirectory) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, projectDirectory)
	}

	lock := m.repoLock(projectDirectory)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	name := m.config.DirNameForTask(taskID, now)
	path := m.config.WorktreePath(name)
	branch := m.config.BranchForTask(taskID)

	args := []string{"worktree", "add"}
	if m.branchExists(ctx, projectDirectory, branch) {
		args = append(args, path, branch)
	} else {
		args = append(args, "-b", branch, path)
	}

	if out, err := m.runGit(ctx, projectDirectory, args...); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("task_id", taskID),
			zap.String("output", out),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, out)
	}

	wt := &ManagedWorktree{
		TaskID:           taskID,
		ProjectDirectory: projectDirectory,
		Directory:        path,
		Branch:           branch,
		Name:             name,
		CreatedAt:        now,
	}

	m.mu.Lock()
	m.worktrees[taskID] = wt
	m.mu.Unlock()

	m.logger.Info("created worktree",
		zap.String("task_id", taskID),
		zap.String("path", path),
		zap.String("branch", branch))

	return wt, nil
}

// CleanupTaskWorktree applies the cleanup policy to a task's worktree.
// policy=keep never touches the filesystem and reports removed:false.
// policy=remove erases the directory and the task branch and reports
// removed:true; removing an already-missing directory succeeds.
func (m *Manager) CleanupTaskWorktree(ctx context.Context, req CleanupRequest) (*CleanupResult, error) {
	switch req.Policy {
	case PolicyKeep:
		m.logger.Debug("keeping worktree",
			zap.String("task_id", req.TaskID),
			zap.String("path", req.WorktreeDirectory))
		return &CleanupResult{
			Policy:            PolicyKeep,
			WorktreeDirectory: req.WorktreeDirectory,
			Removed:           false,
		}, nil
	case PolicyRemove:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, req.Policy)
	}

	if strings.TrimSpace(req.WorktreeDirectory) == "" {
		return nil, fmt.Errorf("worktree directory is required")
	}

	ctx, span := m.tracer.Start(ctx, "worktree.cleanup")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", req.TaskID))

	lock := m.repoLock(req.ProjectDirectory)
	lock.Lock()
	defer lock.Unlock()

	if err := m.removeWorktreeDir(ctx, req.WorktreeDirectory, req.ProjectDirectory); err != nil {
		return nil, err
	}
	m.removeBranch(ctx, req.ProjectDirectory, m.config.BranchForTask(req.TaskID))

	m.mu.Lock()
	delete(m.worktrees, req.TaskID)
	m.mu.Unlock()

	m.logger.Info("removed worktree",
		zap.String("task_id", req.TaskID),
		zap.String("path", req.WorktreeDirectory))

	return &CleanupResult{
		Policy:            PolicyRemove,
		WorktreeDirectory: req.WorktreeDirectory,
		Removed:           true,
	}, nil
}

// MergeTaskWorktree merges the task branch into the branch checked out at the
// project root. A fast-forward is used when possible. On conflict the merge is
// aborted and an error is returned; the project repository is left clean.
func (m *Manager) MergeTaskWorktree(ctx context.Context, projectDirectory, taskID, worktreeDirectory string) (*MergeResult, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if worktreeDirectory != "" && !isWorktreeDir(worktreeDirectory) {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, worktreeDirectory)
	}

	ctx, span := m.tracer.Start(ctx, "worktree.merge")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	branch := m.config.BranchForTask(taskID)
	if !m.branchExists(ctx, projectDirectory, branch) {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}

	lock := m.repoLock(projectDirectory)
	lock.Lock()
	defer lock.Unlock()

	target, err := m.currentBranch(ctx, projectDirectory)
	if err != nil {
		return nil, err
	}
	if target == "HEAD" {
		return nil, ErrDetachedHead
	}
	if target == branch {
		return nil, fmt.Errorf("%w: %s", ErrBranchCheckedOut, branch)
	}

	if out, err := m.runGit(ctx, projectDirectory, "merge", "--no-edit", branch); err != nil {
		if abortOut, abortErr := m.runGit(ctx, projectDirectory, "merge", "--abort"); abortErr != nil {
			m.logger.Debug("git merge abort failed",
				zap.String("output", abortOut),
				zap.Error(abortErr))
		}
		m.logger.Error("merge failed",
			zap.String("task_id", taskID),
			zap.String("branch", branch),
			zap.String("target", target),
			zap.String("output", out))
		if strings.Contains(out, "CONFLICT") {
			return nil, fmt.Errorf("%w: merging %s into %s: %s", ErrMergeConflict, branch, target, out)
		}
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, out)
	}

	m.logger.Info("merged task branch",
		zap.String("task_id", taskID),
		zap.String("branch", branch),
		zap.String("target", target))

	return &MergeResult{Branch: branch}, nil
}

// GetTaskWorktreeDirectory returns the directory of the task's worktree.
func (m *Manager) GetTaskWorktreeDirectory(taskID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wt, ok := m.worktrees[strings.TrimSpace(taskID)]
	if !ok {
		return "", ErrWorktreeNotFound
	}
	return wt.Directory, nil
}

// PruneOrphans removes worktree directories under the base directory whose
// task id is not in the known set. Directories of known tasks are never
// touched. Removal failures are logged and skipped.
func (m *Manager) PruneOrphans(ctx context.Context, projectDirectory string, knownTaskIDs []string) error {
	known := make(map[string]struct{}, len(knownTaskIDs))
	for _, id := range knownTaskIDs {
		known[sanitizeID(id)] = struct{}{}
	}

	entries, err := os.ReadDir(m.config.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read worktree base directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, ok := TaskIDFromDirName(entry.Name())
		if !ok {
			continue
		}
		if _, active := known[id]; active {
			continue
		}

		path := m.config.WorktreePath(entry.Name())
		m.logger.Info("removing orphaned worktree",
			zap.String("task_id", id),
			zap.String("path", path))
		if err := m.removeWorktreeDir(ctx, path, projectDirectory); err != nil {
			m.logger.Warn("failed to remove orphaned worktree",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		m.removeBranch(ctx, projectDirectory, m.config.BranchForTask(id))
	}

	return nil
}

// removeWorktreeDir removes a worktree directory using git worktree remove,
// falling back to direct removal with a metadata prune when git refuses.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	out, err := m.runGit(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
	if err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", out),
			zap.Error(err))
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return rmErr
		}
		if pruneOut, pruneErr := m.runGit(ctx, repoPath, "worktree", "prune"); pruneErr != nil {
			m.logger.Debug("git worktree prune failed",
				zap.String("output", pruneOut),
				zap.Error(pruneErr))
		}
		return nil
	}

	// git can report success while leaving the directory behind, e.g. when
	// the path was never registered as a worktree.
	if _, statErr := os.Stat(worktreePath); statErr == nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return rmErr
		}
	}
	return nil
}

// removeBranch deletes a task branch from the repository. Best effort.
func (m *Manager) removeBranch(ctx context.Context, repoPath, branch string) {
	if out, err := m.runGit(ctx, repoPath, "branch", "-D", branch); err != nil {
		m.logger.Debug("failed to delete task branch",
			zap.String("branch", branch),
			zap.String("output", out),
			zap.Error(err))
	}
}

// branchExists reports whether a local branch exists in the repository.
func (m *Manager) branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := m.runGit(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// currentBranch returns the branch checked out at the repository root.
// Returns "HEAD" when the repository is in detached HEAD state.
func (m *Manager) currentBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := m.runGit(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, out)
	}
	return out, nil
}

// runGit executes a git command in dir and returns its combined output.
func (m *Manager) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// isRepositoryRoot reports whether path holds a .git entry. Regular
// repositories have a .git directory, linked worktrees a .git file.
func isRepositoryRoot(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// isWorktreeDir reports whether path looks like a usable linked worktree.
func isWorktreeDir(path string) bool {
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
