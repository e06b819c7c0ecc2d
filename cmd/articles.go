package cmd

import (
	"github.com/spf13/cobra"
)

func newArticlesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "articles",
		Short: "Acknowledges extracted articles on behalf of downstream consumers",
	}
	cmd.AddCommand(newArticlesProcessedCmd())
	return cmd
}

func newArticlesProcessedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processed <article-id>...",
		Short: "Marks articles as processed downstream",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			summary, err := a.Ops.MarkArticlesProcessed(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
}
