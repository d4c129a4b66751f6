package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "List every archive URL in the index",
		Long: `Walks the index from the entry page through region and country
pages and prints one archive URL per line. Nothing is downloaded.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			res, err := appInstance.Crawl(cmd.Context())
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, f := range res.Files {
				if _, err := fmt.Fprintln(out, f); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
			for _, f := range res.Failures {
				fmt.Fprintf(cmd.ErrOrStderr(), "unreachable %s page %s: %v\n", f.Level, f.Page, f.Err)
			}
			return nil
		}),
	}
}
