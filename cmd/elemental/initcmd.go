package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elemental-sh/elemental/internal/common/logger"
	"github.com/elemental-sh/elemental/internal/repository"
	"github.com/elemental-sh/elemental/internal/worktree"
)

func newInitCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace state directory",
		Long: `Creates .elemental/ at the repository root, opens the store, registers
the main worktree and adds the worktree directory to .gitignore. Safe to run
repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			stateDir, err := cfg.Workspace.StateDir()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(stateDir, 0o755); err != nil {
				return err
			}
			dbPath, err := cfg.Workspace.DatabasePath()
			if err != nil {
				return err
			}
			repo, err := repository.Open(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			root, err := cfg.Workspace.RootOrCwd()
			if err != nil {
				return err
			}
			manager, err := worktree.NewManager(root, repo, logger.Default())
			if err != nil {
				return err
			}
			if err := manager.InitWorkspace(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("initialized workspace at %s (default branch %s)\n", root, manager.DefaultBranch())
			return nil
		},
	}
}
