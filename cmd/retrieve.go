package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/climate-archive-crawler/internal/app"
	"github.com/JakeFAU/climate-archive-crawler/internal/retrieval"
)

func newRetrieveCmd() *cobra.Command {
	var urlsFile string
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Download and extract every archive",
		Long: `Crawls the index and materializes every archive under the output
directory. With --urls-file the crawl is skipped and the listed URLs are
retrieved instead ("-" reads standard input). Individual download or
extraction failures are reported but do not fail the command.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			var report app.RetrieveReport
			if urlsFile != "" {
				urls, err := readURLs(cmd.InOrStdin(), urlsFile)
				if err != nil {
					return err
				}
				report = appInstance.Retrieve(cmd.Context(), urls)
			} else {
				_, synced, err := appInstance.Sync(cmd.Context())
				if err != nil {
					return fmt.Errorf("crawl: %w", err)
				}
				report = synced
			}
			return printReport(cmd.OutOrStdout(), report)
		}),
	}
	cmd.Flags().StringVar(&urlsFile, "urls-file", "", "retrieve the URLs listed in this file instead of crawling")
	return cmd
}

// readURLs returns the non-blank, non-comment lines of name.
func readURLs(stdin io.Reader, name string) ([]string, error) {
	r := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("open urls file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		r = f
	}
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read urls file: %w", err)
	}
	return urls, nil
}

func printReport(w io.Writer, report app.RetrieveReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, out := range report.Outcomes {
		if out.Status == retrieval.StatusFailure {
			fmt.Fprintf(tw, "failure\t%s\t%s\t%v\n", out.Stage, out.URL, out.Err)
		}
	}
	s := report.Summary
	fmt.Fprintf(tw, "total\t%d\n", s.Total)
	fmt.Fprintf(tw, "success\t%d\n", s.Succeeded)
	fmt.Fprintf(tw, "skipped\t%d\n", s.Skipped)
	fmt.Fprintf(tw, "failure\t%d\n", s.Failed)
	fmt.Fprintf(tw, "bytes\t%d\n", s.Bytes)
	if report.Mirrored+report.MirrorErrors > 0 {
		fmt.Fprintf(tw, "mirrored\t%d (%d errors)\n", report.Mirrored, report.MirrorErrors)
	}
	if report.Published+report.PublishErrors > 0 {
		fmt.Fprintf(tw, "published\t%d (%d errors)\n", report.Published, report.PublishErrors)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
