package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/element/models"
	"github.com/elemental-sh/elemental/internal/repository"
)

func newTaskCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and manage tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(flags),
		newTaskListCmd(flags),
		newTaskShowCmd(flags),
		newTaskReadyCmd(flags),
		newTaskBlockedCmd(flags),
		newTaskCloseCmd(flags),
		newTaskReopenCmd(flags),
		newTaskAssignCmd(flags),
		newTaskDeferCmd(flags),
		newTaskUndeferCmd(flags),
	)
	return cmd
}

func newTaskCreateCmd(flags *rootFlags) *cobra.Command {
	var priority, complexity int
	var taskType, assignee, description string
	var tags []string
	var ephemeral bool

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var task models.Element
			err = client.post("/api/tasks", map[string]any{
				"title":       args[0],
				"description": description,
				"priority":    priority,
				"complexity":  complexity,
				"taskType":    taskType,
				"assignee":    assignee,
				"tags":        tags,
				"ephemeral":   ephemeral,
			}, &task)
			if err != nil {
				return err
			}
			fmt.Printf("created %s\n", task.ID)
			return nil
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "priority (higher first)")
	cmd.Flags().IntVar(&complexity, "complexity", 0, "complexity estimate")
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	cmd.Flags().StringVarP(&assignee, "assignee", "a", "", "assignee entity id")
	cmd.Flags().StringVarP(&description, "description", "d", "", "description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "eligible for gc once closed")
	return cmd
}

func newTaskListCmd(flags *rootFlags) *cobra.Command {
	var status, assignee string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			if assignee != "" {
				query.Set("assignee", assignee)
			}
			path := "/api/tasks"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}
			var page struct {
				Elements []*models.Element `json:"elements"`
				Total    int               `json:"total"`
			}
			if err := client.get(path, &page); err != nil {
				return err
			}
			printTaskTable(page.Elements)
			return nil
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	cmd.Flags().StringVarP(&assignee, "assignee", "a", "", "filter by assignee")
	return cmd
}

func newTaskShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var task models.Element
			if err := client.get("/api/tasks/"+args[0], &task); err != nil {
				return err
			}
			return printJSON(task)
		},
	}
}

func newTaskReadyCmd(flags *rootFlags) *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List tasks with no unsatisfied blockers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			path := "/api/tasks/ready"
			if assignee != "" {
				path += "?assignee=" + url.QueryEscape(assignee)
			}
			var body struct {
				Tasks []*models.Element `json:"tasks"`
			}
			if err := client.get(path, &body); err != nil {
				return err
			}
			printTaskTable(body.Tasks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&assignee, "assignee", "a", "", "filter by assignee")
	return cmd
}

func newTaskBlockedCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List blocked tasks with their blockers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var body struct {
				Tasks []*repository.BlockedTask `json:"tasks"`
			}
			if err := client.get("/api/tasks/blocked", &body); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tBLOCKED BY\tREASON")
			for _, bt := range body.Tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					bt.Task.ID, bt.Task.Title, bt.BlockedBy, bt.Reason)
			}
			return w.Flush()
		},
	}
}

func newTaskCloseCmd(flags *rootFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var task models.Element
			if err := client.post("/api/tasks/"+args[0]+"/close", map[string]any{"reason": reason}, &task); err != nil {
				return err
			}
			fmt.Printf("closed %s\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "close reason")
	return cmd
}

func newTaskReopenCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a closed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var task models.Element
			if err := client.post("/api/tasks/"+args[0]+"/reopen", nil, &task); err != nil {
				return err
			}
			fmt.Printf("reopened %s (%s)\n", task.ID, task.Task.Status)
			return nil
		},
	}
}

func newTaskAssignCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id> <entity>",
		Short: "Assign a task to a registered entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var task models.Element
			if err := client.post("/api/tasks/"+args[0]+"/assign", map[string]any{"assignee": args[1]}, &task); err != nil {
				return err
			}
			fmt.Printf("assigned %s to %s\n", task.ID, task.Task.Assignee)
			return nil
		},
	}
}

func newTaskDeferCmd(flags *rootFlags) *cobra.Command {
	var until string
	cmd := &cobra.Command{
		Use:   "defer <id>",
		Short: "Defer a task, optionally until a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			body := map[string]any{}
			if until != "" {
				ts, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return apperrors.InvalidInput(fmt.Sprintf("--until must be RFC3339: %v", err))
				}
				body["scheduledFor"] = ts
			}
			var task models.Element
			if err := client.post("/api/tasks/"+args[0]+"/defer", body, &task); err != nil {
				return err
			}
			fmt.Printf("deferred %s\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "automatic undefer time (RFC3339)")
	return cmd
}

func newTaskUndeferCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "undefer <id>",
		Short: "Return a deferred task to open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var task models.Element
			if err := client.post("/api/tasks/"+args[0]+"/undefer", nil, &task); err != nil {
				return err
			}
			fmt.Printf("undeferred %s\n", task.ID)
			return nil
		},
	}
}

func printTaskTable(tasks []*models.Element) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRI\tASSIGNEE\tTITLE")
	for _, task := range tasks {
		status, priority, assignee := "", 0, ""
		if task.Task != nil {
			status = string(task.Task.Status)
			priority = task.Task.Priority
			assignee = task.Task.Assignee
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", task.ID, status, priority, assignee, task.Title)
	}
	_ = w.Flush()
}
