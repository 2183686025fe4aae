package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grovekit/grove/store"
)

func newSearchCmd(opts *cliOptions) *cobra.Command {
	var (
		sessionID string
		limit     int64
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over persisted events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openGrove(opts)
			if err != nil {
				return err
			}
			defer g.Close()

			query := ""
			for i, a := range args {
				if i > 0 {
					query += " "
				}
				query += a
			}
			results, err := g.Store().Search(query, store.SearchFilter{
				SessionID: sessionID,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			for _, res := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n  %s\n",
					metaStyle.Render(res.Timestamp),
					idStyle.Render(res.SessionID),
					res.Type, res.Snippet)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "restrict to one session")
	cmd.Flags().Int64Var(&limit, "limit", 20, "maximum results")
	return cmd
}
