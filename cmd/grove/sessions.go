package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/grovekit/grove/store"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	metaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("109"))
	endedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("131"))
	branchStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

func newSessionsCmd(opts *cliOptions) *cobra.Command {
	var (
		workspace string
		archived  bool
		limit     int64
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with their last messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openGrove(opts)
			if err != nil {
				return err
			}
			defer g.Close()

			sessions, err := g.Store().Sessions(store.ListFilter{
				WorkspaceID:     workspace,
				IncludeArchived: archived,
				Limit:           limit,
			})
			if err != nil {
				return err
			}
			ids := make([]string, len(sessions))
			for i, s := range sessions {
				ids[i] = s.ID
			}
			previews, err := g.Store().SessionPreviews(ids)
			if err != nil {
				return err
			}

			for _, s := range sessions {
				title := s.ID
				if s.Title != nil && *s.Title != "" {
					title = *s.Title
				}
				line := titleStyle.Render(title) + " " + idStyle.Render(s.ID)
				if s.Ended() {
					line += " " + endedStyle.Render("(ended)")
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
				fmt.Fprintln(cmd.OutOrStdout(), metaStyle.Render(fmt.Sprintf(
					"  %s · %d events · %d turns · in %d out %d",
					s.Model, s.EventCount, s.TurnCount, s.InputTokens, s.OutputTokens)))
				if p, ok := previews[s.ID]; ok {
					if p.LastUserMessage != "" {
						fmt.Fprintln(cmd.OutOrStdout(), "  > "+truncate(p.LastUserMessage, 80))
					}
					if p.LastAssistantMessage != "" {
						fmt.Fprintln(cmd.OutOrStdout(), "  < "+truncate(p.LastAssistantMessage, 80))
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "filter by workspace id")
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived sessions")
	cmd.Flags().Int64Var(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

func newStatsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <session-id>",
		Short: "Show a session's token usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openGrove(opts)
			if err != nil {
				return err
			}
			defer g.Close()

			usage, err := g.Store().TokenUsage(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"input %d · output %d · cache read %d · cache creation %d\n",
				usage.InputTokens, usage.OutputTokens,
				usage.CacheReadTokens, usage.CacheCreationTokens)
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
