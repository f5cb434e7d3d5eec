package worktree

import "errors"

var (
	// ErrWorktreeExists indicates the derived path is already in use.
	ErrWorktreeExists = errors.New("worktree already exists")

	// ErrWorktreeNotFound indicates no tracked worktree at the given path.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrRepoNotGit indicates the workspace root is not a git repository.
	ErrRepoNotGit = errors.New("workspace root is not a git repository")

	// ErrMainWorktree indicates an operation that would touch the main
	// worktree (e.g. removal).
	ErrMainWorktree = errors.New("refusing to operate on main worktree")

	// ErrInvalidState indicates an unknown worktree state value.
	ErrInvalidState = errors.New("invalid worktree state")

	// ErrInvalidTransition indicates a state change outside the allowed
	// successor set.
	ErrInvalidTransition = errors.New("invalid worktree state transition")

	// ErrGitCommandFailed wraps git subprocess failures.
	ErrGitCommandFailed = errors.New("git command failed")
)
