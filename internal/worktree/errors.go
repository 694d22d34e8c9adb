// Package worktree manages isolated Git worktrees and branches for task execution.
package worktree

import "errors"

var (
	// ErrWorktreeNotFound is returned when no worktree is registered for the task.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrNotRepository is returned when the project directory is not a repository root.
	ErrNotRepository = errors.New("project directory is not a git repository")

	// ErrBranchNotFound is returned when the task branch does not exist in the repository.
	ErrBranchNotFound = errors.New("task branch not found")

	// ErrDetachedHead is returned when the project root has no branch checked out.
	ErrDetachedHead = errors.New("project repository is in detached HEAD state")

	// ErrBranchCheckedOut is returned when the merge target is the task branch itself.
	ErrBranchCheckedOut = errors.New("task branch is checked out at the project root")

	// ErrMergeConflict is returned when merging the task branch hits conflicts.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrInvalidPolicy is returned when the cleanup policy is not keep or remove.
	ErrInvalidPolicy = errors.New("invalid cleanup policy")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)
