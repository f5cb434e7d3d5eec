package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/elemental-sh/elemental/internal/repository"
	"github.com/elemental-sh/elemental/internal/session"
)

func newAgentCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Drive agent sessions",
	}
	cmd.AddCommand(
		newAgentStartCmd(flags),
		newAgentStopCmd(flags),
		newAgentInterruptCmd(flags),
		newAgentResumeCmd(flags),
		newAgentSendCmd(flags),
		newAgentSessionsCmd(flags),
		newAgentLogCmd(flags),
	)
	return cmd
}

func newAgentStartCmd(flags *rootFlags) *cobra.Command {
	var prompt, workdir, worktreePath string
	var interactive bool

	cmd := &cobra.Command{
		Use:   "start <entity>",
		Short: "Start a session for an agent entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var record repository.SessionRecord
			err = client.post("/api/agents/"+args[0]+"/start", session.StartOptions{
				WorkingDir:    workdir,
				WorktreePath:  worktreePath,
				InitialPrompt: prompt,
				Interactive:   interactive,
			}, &record)
			if err != nil {
				return err
			}
			fmt.Printf("started %s (pid %d)\n", record.ID, record.PID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "initial prompt")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory")
	cmd.Flags().StringVar(&worktreePath, "worktree", "", "worktree path to run in")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "keep stdin open for follow-up input")
	return cmd
}

func newAgentStopCmd(flags *rootFlags) *cobra.Command {
	var graceful bool
	var reason string

	cmd := &cobra.Command{
		Use:   "stop <entity>",
		Short: "Stop the agent's active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			err = client.post("/api/agents/"+args[0]+"/stop", map[string]any{
				"graceful": graceful,
				"reason":   reason,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&graceful, "graceful", "g", true, "interrupt first, kill on timeout")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "stop reason")
	return cmd
}

func newAgentInterruptCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt <entity>",
		Short: "Send an interrupt to the agent's active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			if err := client.post("/api/agents/"+args[0]+"/interrupt", nil, nil); err != nil {
				return err
			}
			fmt.Println("interrupted")
			return nil
		},
	}
}

func newAgentResumeCmd(flags *rootFlags) *cobra.Command {
	var cookie, prompt string
	var interactive bool

	cmd := &cobra.Command{
		Use:   "resume <entity>",
		Short: "Resume the agent's most recent conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var result session.ResumeResult
			err = client.post("/api/agents/"+args[0]+"/resume", map[string]any{
				"claudeSessionId": cookie,
				"initialPrompt":   prompt,
				"interactive":     interactive,
			}, &result)
			if err != nil {
				return err
			}
			fmt.Printf("resumed %s from %s\n", result.Session.ID, result.ResumedFrom)
			return nil
		},
	}
	cmd.Flags().StringVar(&cookie, "session", "", "resumption cookie (default: most recent)")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt to send on resume")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "keep stdin open")
	return cmd
}

func newAgentSendCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <entity> <message>",
		Short: "Send input to an interactive session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			err = client.post("/api/agents/"+args[0]+"/input", map[string]any{
				"input":         args[1],
				"isUserMessage": true,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
}

func newAgentSessionsCmd(flags *rootFlags) *cobra.Command {
	var agentID, status string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			query := url.Values{}
			if agentID != "" {
				query.Set("agentId", agentID)
			}
			if status != "" {
				query.Set("status", status)
			}
			path := "/api/sessions"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}
			var body struct {
				Sessions []*repository.SessionRecord `json:"sessions"`
			}
			if err := client.get(path, &body); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tMODE\tSTATUS\tSTARTED")
			for _, s := range body.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.AgentID, s.Mode, s.Status, s.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "filter by agent entity id")
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	return cmd
}

func newAgentLogCmd(flags *rootFlags) *cobra.Command {
	var after string
	var limit int

	cmd := &cobra.Command{
		Use:   "log <sessionId>",
		Short: "Print a session's persisted messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			query := url.Values{}
			if after != "" {
				query.Set("after", after)
			}
			query.Set("limit", fmt.Sprintf("%d", limit))
			var body struct {
				Messages []*repository.Message `json:"messages"`
			}
			err = client.get("/api/sessions/"+args[0]+"/messages?"+query.Encode(), &body)
			if err != nil {
				return err
			}
			for _, msg := range body.Messages {
				switch {
				case msg.ToolName != "":
					fmt.Printf("[%s] %s: %s %s\n", msg.Type, msg.Role, msg.ToolName, msg.ToolInput)
				default:
					fmt.Printf("[%s] %s: %s\n", msg.Type, msg.Role, msg.Content)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "return messages after this id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum messages")
	return cmd
}
