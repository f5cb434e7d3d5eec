package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

func newResetCmd(flags *rootFlags) *cobra.Command {
	var full bool
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove workspace state",
		Long: `Deletes the store, worktree metadata and uploads under .elemental/.
The config file survives unless --full is given. Refuses to run while a
daemon holds the workspace lock.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			stateDir, err := cfg.Workspace.StateDir()
			if err != nil {
				return err
			}
			if _, err := os.Stat(stateDir); os.IsNotExist(err) {
				fmt.Println("nothing to reset")
				return nil
			}

			lockPath, err := cfg.Workspace.LockPath()
			if err != nil {
				return err
			}
			lock := flock.New(lockPath)
			locked, err := lock.TryLock()
			if err == nil && !locked {
				return fmt.Errorf("a daemon is running in this workspace; stop it first")
			}
			if locked {
				defer func() { _ = lock.Unlock() }()
			}

			if !force {
				fmt.Printf("this removes all state under %s; pass --yes to confirm\n", stateDir)
				return nil
			}

			if full {
				return os.RemoveAll(stateDir)
			}
			entries, err := os.ReadDir(stateDir)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if entry.Name() == "config.yaml" || entry.Name() == "config.yml" {
					continue
				}
				if err := os.RemoveAll(filepath.Join(stateDir, entry.Name())); err != nil {
					return err
				}
			}
			fmt.Println("workspace state removed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "also remove the config file")
	cmd.Flags().BoolVarP(&force, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
