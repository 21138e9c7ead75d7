package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the change cache",
	}
	cmd.AddCommand(newCacheClearCmd())
	cmd.AddCommand(newCacheStatsCmd())
	return cmd
}

func newCacheClearCmd() *cobra.Command {
	var (
		site string
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop cached fingerprints so the next crawl reprocesses pages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.ClearCache(cmd.Context(), site, all); err != nil {
				return err
			}
			scope := site
			if all {
				scope = "all sites"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cache cleared: %s\n", scope)
			return nil
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "clear only the named site")
	cmd.Flags().BoolVar(&all, "all", false, "clear every site")

	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	var site string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print cached document counts and recent run summaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := a.Stats(cmd.Context(), site)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(report.Cache) == 0 {
				fmt.Fprintln(out, "no cached documents")
			} else {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SITE\tDOCUMENTS\tEMBEDDED\tLAST CRAWL")
				for _, s := range report.Cache {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.Site, s.Documents, s.Embedded, formatStamp(s.LastCrawled))
				}
				w.Flush()
			}

			if len(report.Sessions) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "RECENT RUNS")
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SITE\tSTARTED\tTERMINATION\tPROCESSED\tINDEXED\tSKIPPED\tFAILED\tDEFERRED")
			for _, s := range report.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
					s.Site, formatStamp(s.Started), s.Termination,
					s.Processed, s.Indexed, s.Skipped, s.Failed, s.Deferred)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "restrict stats to the named site")

	return cmd
}

func formatStamp(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}
