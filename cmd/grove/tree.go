package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/grovekit/grove/store"
)

func newTreeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <session-id>",
		Short: "Render a session's event tree with branch points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openGrove(opts)
			if err != nil {
				return err
			}
			defer g.Close()

			nodes, err := g.Store().Tree(args[0])
			if err != nil {
				return err
			}

			// Roots are session events whose parent lives outside this
			// session (or nowhere).
			var roots []string
			for id, n := range nodes {
				if n.Event.ParentID == nil {
					roots = append(roots, id)
					continue
				}
				if _, ok := nodes[*n.Event.ParentID]; !ok {
					roots = append(roots, id)
				}
			}
			sort.Slice(roots, func(i, j int) bool {
				return nodes[roots[i]].Event.Sequence < nodes[roots[j]].Event.Sequence
			})
			for _, root := range roots {
				renderTree(cmd, nodes, root, "")
			}
			return nil
		},
	}
}

func renderTree(cmd *cobra.Command, nodes map[string]*store.TreeNode, id, indent string) {
	n, ok := nodes[id]
	if !ok {
		return
	}
	label := fmt.Sprintf("%s seq=%d depth=%d", n.Event.Type, n.Event.Sequence, n.Event.Depth)
	line := indent + "• " + label + " " + idStyle.Render(id)
	if n.BranchPoint {
		line += " " + branchStyle.Render("⑂ branch point")
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)

	children := append([]string(nil), n.Children...)
	sort.Slice(children, func(i, j int) bool {
		return nodes[children[i]].Event.Sequence < nodes[children[j]].Event.Sequence
	})
	for _, child := range children {
		renderTree(cmd, nodes, child, indent+"  ")
	}
}

func newBranchesCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "branches <session-id>",
		Short: "Show a session's main line and forks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openGrove(opts)
			if err != nil {
				return err
			}
			defer g.Close()

			lines, err := g.Store().Branches(args[0])
			if err != nil {
				return err
			}
			for _, line := range lines {
				name := line.Name
				if line.Main {
					name = titleStyle.Render(name)
				} else {
					name = branchStyle.Render(name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%d events, head %s)\n",
					name, len(line.EventIDs), idStyle.Render(line.HeadEventID))
			}

			named, err := g.Store().NamedBranches(args[0])
			if err != nil {
				return err
			}
			for _, b := range named {
				label := branchStyle.Render(b.Name)
				if b.IsDefault {
					label += " " + metaStyle.Render("(default)")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n",
					label, idStyle.Render(b.HeadEventID))
			}
			return nil
		},
	}
}
