package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidsearch/crawler/internal/app"
	"github.com/kidsearch/crawler/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	var (
		site       string
		force      bool
		workers    int
		embeddings bool
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the configured sites and update the index",
		Long: `crawl walks every enabled site in the registry, or a single site when
--site is given. Pages whose content fingerprint matches the cache are
skipped unless --force is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			opts := app.RunOptions{
				Force:      force,
				Workers:    workers,
				Embeddings: embeddings,
			}
			if site != "" {
				report, err := a.RunSite(cmd.Context(), site, opts)
				printReport(cmd.OutOrStdout(), report)
				return err
			}
			reports, err := a.RunAll(cmd.Context(), opts)
			for _, r := range reports {
				printReport(cmd.OutOrStdout(), r)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "crawl only the named site")
	cmd.Flags().BoolVar(&force, "force", false, "reprocess pages even when their fingerprint is cached")
	cmd.Flags().IntVar(&workers, "workers", 0, "override the configured worker count")
	cmd.Flags().BoolVar(&embeddings, "embeddings", true, "dispatch embeddings for indexed pages")

	return cmd
}

func printReport(w io.Writer, r crawler.RunReport) {
	if r.Site == "" {
		return
	}
	fmt.Fprintf(w, "%s: %s (processed %d, indexed %d, skipped %d, failed %d) in %s\n",
		r.Site, r.Termination, r.Processed, r.Indexed, r.Skipped, r.Failed,
		r.Finished.Sub(r.Started).Round(time.Millisecond))
}
