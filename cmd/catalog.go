package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newCatalogCmd() *cobra.Command {
	var noStdout bool
	cmd := &cobra.Command{
		Use:   "catalog [dir]",
		Short: "Build metadata records for materialized weather files",
		Long: `Parses the header of every weather file under dir (default: the
retrieval output directory) and writes one JSON record per line to
standard output. When db.dsn is set the records are also upserted into
Postgres.`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			var dir string
			if len(args) == 1 {
				dir = args[0]
			}
			var w io.Writer
			if !noStdout {
				w = cmd.OutOrStdout()
			}
			sum, err := appInstance.Catalog(cmd.Context(), dir, w)
			if err != nil {
				return fmt.Errorf("catalog: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d records from %d files (%d unparsable)\n",
				sum.Records, sum.Files, sum.ParseErrors)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&noStdout, "no-stdout", false, "only write to the database")
	return cmd
}
