package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/element/models"
	elementsvc "github.com/elemental-sh/elemental/internal/element/service"
)

func newDepCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Manage dependencies between elements",
	}
	cmd.AddCommand(
		newDepAddCmd(flags),
		newDepRemoveCmd(flags),
		newDepListCmd(flags),
		newDepTreeCmd(flags),
	)
	return cmd
}

func newDepAddCmd(flags *rootFlags) *cobra.Command {
	var depType, gate, waitUntil string

	cmd := &cobra.Command{
		Use:   "add <source> <target>",
		Short: "Add a dependency edge from source to target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			metadata := map[string]any{}
			if gate != "" {
				metadata["gate"] = gate
			}
			if waitUntil != "" {
				ts, err := time.Parse(time.RFC3339, waitUntil)
				if err != nil {
					return apperrors.InvalidInput(fmt.Sprintf("--wait-until must be RFC3339: %v", err))
				}
				metadata["waitUntil"] = ts
			}
			err = client.post("/api/dependencies", map[string]any{
				"sourceId": args[0],
				"targetId": args[1],
				"type":     depType,
				"metadata": metadata,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", args[0], depType, args[1])
			return nil
		},
	}
	cmd.Flags().StringVarP(&depType, "type", "t", string(models.DepBlocks), "dependency type")
	cmd.Flags().StringVar(&gate, "gate", "", "gate type for awaits edges (manual, timer)")
	cmd.Flags().StringVar(&waitUntil, "wait-until", "", "timer gate expiry (RFC3339)")
	return cmd
}

func newDepRemoveCmd(flags *rootFlags) *cobra.Command {
	var depType string

	cmd := &cobra.Command{
		Use:   "remove <source> <target>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			err = client.delete("/api/dependencies", map[string]any{
				"sourceId": args[0],
				"targetId": args[1],
				"type":     depType,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Println("removed")
			return nil
		},
	}
	cmd.Flags().StringVarP(&depType, "type", "t", string(models.DepBlocks), "dependency type")
	return cmd
}

func newDepListCmd(flags *rootFlags) *cobra.Command {
	var dependents bool
	var depType string

	cmd := &cobra.Command{
		Use:   "list <id>",
		Short: "List an element's dependencies (or dependents)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			direction := "dependencies"
			if dependents {
				direction = "dependents"
			}
			path := "/api/elements/" + args[0] + "/" + direction
			if depType != "" {
				path += "?type=" + url.QueryEscape(depType)
			}
			var body map[string][]*models.Dependency
			if err := client.get(path, &body); err != nil {
				return err
			}
			for _, dep := range body[direction] {
				fmt.Printf("%s %s %s\n", dep.SourceID, dep.Type, dep.TargetID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dependents, "dependents", false, "list edges pointing at the element instead")
	cmd.Flags().StringVarP(&depType, "type", "t", "", "filter by dependency type")
	return cmd
}

func newDepTreeCmd(flags *rootFlags) *cobra.Command {
	var depth int

	cmd := &cobra.Command{
		Use:   "tree <id>",
		Short: "Print the dependency tree rooted at an element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var tree elementsvc.Tree
			err = client.get("/api/elements/"+args[0]+"/tree?depth="+strconv.Itoa(depth), &tree)
			if err != nil {
				return err
			}
			printTree(tree.Root, "", true)
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 3, "traversal depth")
	return cmd
}

func printTree(node *elementsvc.TreeNode, prefix string, isRoot bool) {
	if node == nil || node.Element == nil {
		return
	}
	label := fmt.Sprintf("%s  %s", node.Element.ID, node.Element.Title)
	if node.DependencyType != "" {
		label = fmt.Sprintf("[%s] %s", node.DependencyType, label)
	}
	if node.CircularReference {
		label += " (cycle)"
	}
	if isRoot {
		fmt.Println(label)
	} else {
		fmt.Printf("%s- %s\n", prefix, label)
	}
	for _, child := range node.Dependencies {
		printTree(child, prefix+"  ", false)
	}
}
