// Package worktree manages git worktrees under the workspace root so that
// concurrent agent sessions each work on an isolated checkout. Paths and
// branch names are derived deterministically from (agent, task, title), and
// every worktree moves through a small state machine persisted in the store.
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

	"go.uber.org/zap"

	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/repository"
)

// Manager owns the worktrees of a single workspace (one git repository).
type Manager struct {
	root        string // canonical workspace root
	worktreeDir string // root/.elemental/.worktrees
	repo        *repository.Repository
	log         *logger.Logger

	mu            sync.Mutex // serializes git mutations and state changes
	defaultBranch string     // cached by InitWorkspace
}

// NewManager creates a manager rooted at the given workspace directory. The
// directory is canonicalized so later path comparisons survive symlinks
// (macOS /tmp vs /private/tmp).
func NewManager(root string, repo *repository.Repository, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	canonical, err := canonicalPath(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return &Manager{
		root:        canonical,
		worktreeDir: filepath.Join(canonical, filepath.FromSlash(WorktreeDir)),
		repo:        repo,
		log:         log.WithFields(zap.String("component", "worktree-manager")),
	}, nil
}

// Root returns the canonical workspace root.
func (m *Manager) Root() string {
	return m.root
}

// DefaultBranch returns the branch detected by InitWorkspace, or empty if the
// workspace has not been initialized.
func (m *Manager) DefaultBranch() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultBranch
}

// InitWorkspace prepares the workspace for worktree use: verifies the git
// repository, creates the worktree directory, adds it to .gitignore, prunes
// stale worktree registrations, and detects the default branch. Idempotent.
func (m *Manager) InitWorkspace(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(filepath.Join(m.root, ".git")); err != nil {
		return fmt.Errorf("%w: %s", ErrRepoNotGit, m.root)
	}
	if _, err := m.git(ctx, m.root, "rev-parse", "--git-dir"); err != nil {
		return fmt.Errorf("%w: %s", ErrRepoNotGit, m.root)
	}

	if err := os.MkdirAll(m.worktreeDir, 0o755); err != nil {
		return fmt.Errorf("failed to create worktree directory: %w", err)
	}
	if err := m.ensureGitignore(); err != nil {
		return err
	}
	if _, err := m.git(ctx, m.root, "worktree", "prune"); err != nil {
		m.log.WithError(err).Warn("git worktree prune failed")
	}

	branch, err := m.detectDefaultBranch(ctx)
	if err != nil {
		return err
	}
	m.defaultBranch = branch

	// Track the main checkout so listings always include it and removal can
	// refuse it.
	head, _ := m.git(ctx, m.root, "rev-parse", "HEAD")
	record := &repository.WorktreeRecord{
		Path:         m.root,
		RelativePath: ".",
		Branch:       branch,
		Head:         head,
		IsMain:       true,
		State:        string(StateActive),
		CreatedAt:    time.Now().UTC(),
	}
	if existing, err := m.repo.GetWorktree(ctx, m.root); err == nil && existing != nil {
		record.CreatedAt = existing.CreatedAt
	}
	if err := m.repo.UpsertWorktree(ctx, record); err != nil {
		return err
	}

	m.log.Info("workspace initialized",
		zap.String("root", m.root),
		zap.String("default_branch", branch))
	return nil
}

// CreateRequest names the inputs a worktree is derived from.
type CreateRequest struct {
	AgentName  string
	TaskID     string
	Title      string // optional, feeds the slug
	BaseBranch string // defaults to the detected default branch
}

// CreateWorktree creates a branch-backed worktree for an agent working a
// task. It fails if the derived path is already in use, creates the branch
// from the base when it does not exist yet, and tries to set the upstream
// (ignoring failure, the remote may be absent). On error the partially
// created worktree is removed best-effort.
func (m *Manager) CreateWorktree(ctx context.Context, req CreateRequest) (*repository.WorktreeRecord, error) {
	if req.AgentName == "" || req.TaskID == "" {
		return nil, fmt.Errorf("agent name and task id are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	relPath := RelativePath(req.AgentName, req.Title)
	absPath := filepath.Join(m.root, filepath.FromSlash(relPath))
	branch := BranchName(req.AgentName, req.TaskID, req.Title)

	if err := m.checkPathFree(ctx, absPath); err != nil {
		return nil, err
	}
	base := req.BaseBranch
	if base == "" {
		base = m.defaultBranch
	}
	if base == "" {
		return nil, fmt.Errorf("base branch unknown; run init first")
	}

	record := &repository.WorktreeRecord{
		Path:         absPath,
		RelativePath: relPath,
		Branch:       branch,
		State:        string(StateCreating),
		AgentName:    req.AgentName,
		TaskID:       req.TaskID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.repo.UpsertWorktree(ctx, record); err != nil {
		return nil, err
	}

	var err error
	if m.branchExists(ctx, branch) {
		_, err = m.git(ctx, m.root, "worktree", "add", absPath, branch)
	} else {
		_, err = m.git(ctx, m.root, "worktree", "add", "-b", branch, absPath, base)
		if err == nil {
			if _, upErr := m.git(ctx, absPath, "branch", "--set-upstream-to", "origin/"+base); upErr != nil {
				m.log.Debug("no upstream set", zap.String("branch", branch))
			}
		}
	}
	if err != nil {
		m.cleanupFailed(ctx, absPath)
		return nil, err
	}

	record.Head, _ = m.git(ctx, absPath, "rev-parse", "HEAD")
	record.State = string(StateActive)
	if err := m.repo.UpsertWorktree(ctx, record); err != nil {
		m.cleanupFailed(ctx, absPath)
		return nil, err
	}

	m.log.Info("worktree created",
		zap.String("path", absPath),
		zap.String("branch", branch),
		zap.String("agent", req.AgentName),
		zap.String("task_id", req.TaskID))
	return record, nil
}

// CreateReadOnlyWorktree creates a detached checkout of the base branch for
// non-mutating triage sessions. No branch is created.
func (m *Manager) CreateReadOnlyWorktree(ctx context.Context, agentName, baseBranch string) (*repository.WorktreeRecord, error) {
	if agentName == "" {
		return nil, fmt.Errorf("agent name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	relPath := RelativePath(agentName, "")
	absPath := filepath.Join(m.root, filepath.FromSlash(relPath))
	if err := m.checkPathFree(ctx, absPath); err != nil {
		return nil, err
	}
	base := baseBranch
	if base == "" {
		base = m.defaultBranch
	}
	if base == "" {
		return nil, fmt.Errorf("base branch unknown; run init first")
	}

	if _, err := m.git(ctx, m.root, "worktree", "add", "--detach", absPath, base); err != nil {
		m.cleanupFailed(ctx, absPath)
		return nil, err
	}

	record := &repository.WorktreeRecord{
		Path:         absPath,
		RelativePath: relPath,
		State:        string(StateActive),
		AgentName:    agentName,
		CreatedAt:    time.Now().UTC(),
	}
	record.Head, _ = m.git(ctx, absPath, "rev-parse", "HEAD")
	if err := m.repo.UpsertWorktree(ctx, record); err != nil {
		m.cleanupFailed(ctx, absPath)
		return nil, err
	}

	m.log.Info("read-only worktree created",
		zap.String("path", absPath),
		zap.String("agent", agentName))
	return record, nil
}

// RemoveOptions control worktree removal.
type RemoveOptions struct {
	Force bool // pass --force to git worktree remove

	// DeleteBranch removes the worktree's branch afterwards (-d, or -D when
	// ForceDeleteBranch).
	DeleteBranch      bool
	ForceDeleteBranch bool
}

// RemoveWorktree removes a tracked worktree. The main worktree is refused.
func (m *Manager) RemoveWorktree(ctx context.Context, path string, opts RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.lookup(ctx, path)
	if err != nil {
		return err
	}
	if record.IsMain {
		return ErrMainWorktree
	}

	record.State = string(StateCleaning)
	if err := m.repo.UpsertWorktree(ctx, record); err != nil {
		return err
	}

	args := []string{"worktree", "remove"}
	if opts.Force {
		args = append(args, "--force")
	}
	args = append(args, record.Path)
	if _, err := m.git(ctx, m.root, args...); err != nil {
		return err
	}

	if opts.DeleteBranch && record.Branch != "" {
		flag := "-d"
		if opts.ForceDeleteBranch {
			flag = "-D"
		}
		if _, err := m.git(ctx, m.root, "branch", flag, record.Branch); err != nil {
			m.log.WithError(err).Warn("failed to delete branch",
				zap.String("branch", record.Branch))
		}
	}

	if err := m.repo.DeleteWorktree(ctx, record.Path); err != nil {
		return err
	}
	m.log.Info("worktree removed",
		zap.String("path", record.Path),
		zap.Bool("force", opts.Force))
	return nil
}

// SetState transitions a worktree through its state machine. Invalid
// transitions are rejected.
func (m *Manager) SetState(ctx context.Context, path string, to State) (*repository.WorktreeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(State(record.State), to); err != nil {
		return nil, err
	}
	record.State = string(to)
	if err := m.repo.UpsertWorktree(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Get returns the tracked worktree at path, canonicalized.
func (m *Manager) Get(ctx context.Context, path string) (*repository.WorktreeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(ctx, path)
}

// List returns all tracked worktrees, main first.
func (m *Manager) List(ctx context.Context) ([]*repository.WorktreeRecord, error) {
	return m.repo.ListWorktrees(ctx)
}

func (m *Manager) lookup(ctx context.Context, path string) (*repository.WorktreeRecord, error) {
	canonical, err := canonicalPath(path)
	if err != nil {
		canonical = path
	}
	record, err := m.repo.GetWorktree(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if record == nil {
		// The caller may pass the pre-resolution path the record was stored
		// under.
		if record, err = m.repo.GetWorktree(ctx, path); err != nil {
			return nil, err
		}
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, path)
	}
	return record, nil
}

// checkPathFree enforces one-owner-per-path: neither a tracked record nor an
// existing directory may occupy the derived path.
func (m *Manager) checkPathFree(ctx context.Context, absPath string) error {
	if record, err := m.repo.GetWorktree(ctx, absPath); err != nil {
		return err
	} else if record != nil {
		return fmt.Errorf("%w: %s", ErrWorktreeExists, absPath)
	}
	if _, err := os.Stat(absPath); err == nil {
		return fmt.Errorf("%w: %s", ErrWorktreeExists, absPath)
	}
	return nil
}

// cleanupFailed undoes a partial creation: removes the directory, prunes the
// git registration, and drops the store record.
func (m *Manager) cleanupFailed(ctx context.Context, absPath string) {
	if _, err := m.git(ctx, m.root, "worktree", "remove", "--force", absPath); err != nil {
		_ = os.RemoveAll(absPath)
		_, _ = m.git(ctx, m.root, "worktree", "prune")
	}
	if err := m.repo.DeleteWorktree(ctx, absPath); err != nil {
		m.log.WithError(err).Warn("failed to drop worktree record",
			zap.String("path", absPath))
	}
}

func (m *Manager) ensureGitignore() error {
	gitignore := filepath.Join(m.root, ".gitignore")
	entry := WorktreeDir + "/"

	data, err := os.ReadFile(gitignore)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read .gitignore: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry || strings.TrimSpace(line) == WorktreeDir {
			return nil
		}
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"
	if err := os.WriteFile(gitignore, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to update .gitignore: %w", err)
	}
	return nil
}

// detectDefaultBranch prefers origin/HEAD, falls back through conventional
// names, then the current branch.
func (m *Manager) detectDefaultBranch(ctx context.Context) (string, error) {
	if out, err := m.git(ctx, m.root, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if branch := strings.TrimPrefix(out, "refs/remotes/origin/"); branch != out {
			return branch, nil
		}
	}
	for _, candidate := range []string{"main", "master", "develop"} {
		if m.branchExists(ctx, candidate) {
			return candidate, nil
		}
	}
	out, err := m.git(ctx, m.root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to detect default branch: %w", err)
	}
	return out, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.root, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: git %s: %s",
			ErrGitCommandFailed, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// canonicalPath resolves symlinks where possible; for paths that do not exist
// yet it resolves the nearest existing ancestor.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	dir, base := filepath.Split(abs)
	resolvedDir, err := filepath.EvalSymlinks(filepath.Clean(dir))
	if err != nil {
		return abs, nil
	}
	return filepath.Join(resolvedDir, base), nil
}
