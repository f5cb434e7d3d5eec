package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/elemental-sh/elemental/internal/element/models"
)

func newEntityCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Register and list actors (agents and humans)",
	}
	cmd.AddCommand(newEntityRegisterCmd(flags), newEntityListCmd(flags))
	return cmd
}

func newEntityRegisterCmd(flags *rootFlags) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var entity models.Element
			err = client.post("/api/entities", map[string]any{
				"name":        args[0],
				"description": description,
			}, &entity)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s as %s\n", entity.Title, entity.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "what this entity is")
	return cmd
}

func newEntityListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var body struct {
				Entities []*models.Element `json:"entities"`
			}
			if err := client.get("/api/entities", &body); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
			for _, entity := range body.Entities {
				fmt.Fprintf(w, "%s\t%s\t%s\n", entity.ID, entity.Title, entity.Description)
			}
			return w.Flush()
		},
	}
}
