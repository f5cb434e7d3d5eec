package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elemental-sh/elemental/internal/common/config"
	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/element/blocked"
	elementsvc "github.com/elemental-sh/elemental/internal/element/service"
	"github.com/elemental-sh/elemental/internal/events"
	"github.com/elemental-sh/elemental/internal/repository"
	"github.com/elemental-sh/elemental/internal/server"
	"github.com/elemental-sh/elemental/internal/session"
	"github.com/elemental-sh/elemental/internal/workflow"
	"github.com/elemental-sh/elemental/internal/worktree"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workspace daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	stateDir, err := cfg.Workspace.StateDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// One daemon per workspace. The lock lives in .elemental so a second
	// serve in the same repo fails fast instead of fighting over SQLite.
	lockPath, err := cfg.Workspace.LockPath()
	if err != nil {
		return err
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another elemental daemon holds %s", lockPath)
	}
	defer func() { _ = lock.Unlock() }()

	dbPath, err := cfg.Workspace.DatabasePath()
	if err != nil {
		return err
	}
	repo, err := repository.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = repo.Close() }()

	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()
	eventBus := provided.Bus

	cache := blocked.New(repo, log)
	elements := elementsvc.New(repo, cache, eventBus, log)
	workflows := workflow.New(repo, elements, cache, eventBus, log)
	sessions := session.NewManager(session.Config{
		Binary:          cfg.Session.Binary,
		GracefulTimeout: cfg.Session.GracefulStopDuration(),
		QueueSize:       cfg.Session.SubscriberBuffer,
		Heartbeat:       cfg.Session.HeartbeatDuration(),
	}, repo, eventBus, log)

	root, err := cfg.Workspace.RootOrCwd()
	if err != nil {
		return err
	}
	worktrees, err := worktree.NewManager(root, repo, log)
	if err != nil {
		return err
	}
	if err := worktrees.InitWorkspace(ctx); err != nil {
		if errors.Is(err, worktree.ErrRepoNotGit) {
			log.Warn("workspace is not a git repository; worktree operations will fail",
				zap.String("root", root))
		} else {
			return fmt.Errorf("init workspace: %w", err)
		}
	}

	// The cache is authoritative only after a full rebuild; edges may have
	// changed while the daemon was down.
	if err := cache.Rebuild(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("rebuild blocked cache: %w", err)
	}

	srv := server.New(cfg.Server, server.Services{
		Elements:  elements,
		Workflows: workflows,
		Sessions:  sessions,
		Worktrees: worktrees,
		Repo:      repo,
	}, log)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(srv.Start)
	g.Go(func() error {
		elements.RunMaintenance(gctx, cfg.Session.GateTickDuration())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		sessions.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("daemon started",
		zap.String("workspace", root),
		zap.String("db", filepath.Base(dbPath)))
	return g.Wait()
}
