package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/element/models"
	"github.com/elemental-sh/elemental/internal/workflow"
)

func newWorkflowCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Pour, inspect and retire workflows",
	}
	cmd.AddCommand(
		newWorkflowPourCmd(flags),
		newWorkflowListCmd(flags),
		newWorkflowShowCmd(flags),
		newWorkflowTasksCmd(flags),
		newWorkflowProgressCmd(flags),
		newWorkflowBurnCmd(flags),
		newWorkflowSquashCmd(flags),
		newWorkflowGCCmd(flags),
	)
	return cmd
}

func newWorkflowPourCmd(flags *rootFlags) *cobra.Command {
	var vars []string
	var ephemeral bool
	var title string

	cmd := &cobra.Command{
		Use:   "pour <playbook>",
		Short: "Instantiate a playbook into a workflow of tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			variables, err := parseVariables(vars)
			if err != nil {
				return err
			}
			req := map[string]any{
				"variables": variables,
				"ephemeral": ephemeral,
				"title":     title,
			}
			// An element id selects by id, anything else by playbook name.
			if strings.HasPrefix(args[0], "el-") {
				req["playbookId"] = args[0]
			} else {
				req["playbookName"] = args[0]
			}
			var result workflow.PourResult
			if err := client.post("/api/workflows/pour", req, &result); err != nil {
				return err
			}
			fmt.Printf("poured %s (%d tasks", result.Workflow.ID, len(result.TaskIDs))
			if len(result.SkippedSteps) > 0 {
				fmt.Printf(", skipped %s", strings.Join(result.SkippedSteps, ","))
			}
			fmt.Println(")")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&vars, "var", nil, "variable as name=value (repeatable)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "eligible for gc once finished")
	cmd.Flags().StringVar(&title, "title", "", "override the workflow title")
	return cmd
}

// parseVariables turns name=value pairs into typed values: JSON literals
// (true, 42, "x", [..]) parse as themselves, everything else is a string.
func parseVariables(pairs []string) (map[string]any, error) {
	vars := map[string]any{}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, apperrors.InvalidInput(fmt.Sprintf("--var %q is not name=value", pair))
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			vars[name] = parsed
		} else {
			vars[name] = value
		}
	}
	return vars, nil
}

func newWorkflowListCmd(flags *rootFlags) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			path := "/api/workflows"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var body struct {
				Workflows []*models.Element `json:"workflows"`
			}
			if err := client.get(path, &body); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tEPHEMERAL\tTITLE")
			for _, wf := range body.Workflows {
				status, ephemeral := "", false
				if wf.Workflow != nil {
					status = string(wf.Workflow.Status)
					ephemeral = wf.Workflow.Ephemeral
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", wf.ID, status, ephemeral, wf.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	return cmd
}

func newWorkflowShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var wf models.Element
			if err := client.get("/api/workflows/"+args[0], &wf); err != nil {
				return err
			}
			return printJSON(wf)
		},
	}
}

func newWorkflowTasksCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <id>",
		Short: "List a workflow's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var body struct {
				Tasks []*models.Element `json:"tasks"`
			}
			if err := client.get("/api/workflows/"+args[0]+"/tasks", &body); err != nil {
				return err
			}
			printTaskTable(body.Tasks)
			return nil
		},
	}
}

func newWorkflowProgressCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id>",
		Short: "Summarize a workflow's task statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var progress workflow.Progress
			if err := client.get("/api/workflows/"+args[0]+"/progress", &progress); err != nil {
				return err
			}
			fmt.Printf("%s: %d%% complete, %d tasks\n",
				progress.WorkflowID, progress.CompletionPercentage, progress.TotalTasks)
			for status, count := range progress.StatusCounts {
				fmt.Printf("  %s: %d\n", status, count)
			}
			fmt.Printf("  ready: %d, blocked: %d\n", len(progress.ReadyTasks), len(progress.BlockedTasks))
			return nil
		},
	}
}

func newWorkflowBurnCmd(flags *rootFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "burn <id>",
		Short: "Delete a workflow and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			path := "/api/workflows/" + args[0]
			if force {
				path += "?force=true"
			}
			if err := client.delete(path, nil, nil); err != nil {
				return err
			}
			fmt.Printf("burned %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "burn even while tasks are in progress")
	return cmd
}

func newWorkflowSquashCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "squash <id>",
		Short: "Collapse a finished workflow into a summary element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var summary models.Element
			if err := client.post("/api/workflows/"+args[0]+"/squash", nil, &summary); err != nil {
				return err
			}
			fmt.Printf("squashed into %s\n", summary.ID)
			return nil
		},
	}
}

func newWorkflowGCCmd(flags *rootFlags) *cobra.Command {
	var maxAgeHours int
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Burn old ephemeral workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var result workflow.GCResult
			err = client.post("/api/workflows/gc", map[string]any{
				"maxAgeHours": maxAgeHours,
				"dryRun":      dryRun,
			}, &result)
			if err != nil {
				return err
			}
			if result.DryRun {
				fmt.Printf("%d candidate(s): %s\n", len(result.Candidates), strings.Join(result.Candidates, " "))
				return nil
			}
			fmt.Printf("burned %d workflow(s)\n", len(result.Burned))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAgeHours, "max-age-hours", 24, "minimum age since the workflow finished")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report candidates without burning")
	return cmd
}
