package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elemental-sh/elemental/internal/common/config"
)

type rootFlags struct {
	serverURL  string
	workspace  string
	configPath string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "elemental",
		Short:         "Workspace orchestrator for AI coding agents",
		Long: `Elemental tracks tasks, dependencies, workflows, git worktrees and
agent sessions for a single repository. Run "elemental serve" to start the
daemon; every other command talks to it over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.serverURL, "server", "", "daemon base URL (default from config)")
	pf.StringVarP(&flags.workspace, "workspace", "w", "", "workspace root (default current directory)")
	pf.StringVar(&flags.configPath, "config", "", "config file directory")
	pf.BoolVar(&flags.jsonOutput, "json", false, "print raw JSON responses")

	cmd.AddCommand(
		newServeCmd(flags),
		newInitCmd(flags),
		newResetCmd(flags),
		newTaskCmd(flags),
		newDepCmd(flags),
		newWorkflowCmd(flags),
		newEntityCmd(flags),
		newAgentCmd(flags),
	)
	return cmd
}

func (f *rootFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithPath(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.workspace != "" {
		cfg.Workspace.Root = f.workspace
	}
	return cfg, nil
}

func (f *rootFlags) client() (*apiClient, error) {
	base := f.serverURL
	if base == "" {
		cfg, err := f.loadConfig()
		if err != nil {
			return nil, err
		}
		base = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	return newAPIClient(base, f.jsonOutput), nil
}
