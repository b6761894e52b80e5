package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/precatorios/precatorios-client/internal/export"
	"github.com/precatorios/precatorios-client/pkg/crawler"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

const (
	formatSummary = "summary"
	formatJSON    = "json"
	formatCSV     = "csv"
)

type crawlOptions struct {
	maxRecords int
	output     string
	format     string
	decimal    bool
	refresh    bool
}

func newCrawlCmd(root *rootOptions) *cobra.Command {
	opts := &crawlOptions{}

	cmd := &cobra.Command{
		Use:   "crawl <entity> [entity...]",
		Short: "Crawl the precatórios of one or more entities",
		Long: `Crawl resolves each entity by slug or official name, fetches every page
of its precatórios and prints the normalized records.

Entities are crawled concurrently up to max_concurrency. A failed entity
does not stop the others; the command exits non-zero if any failed.

Examples:
  precatorios crawl municipio-de-fortaleza
  precatorios crawl municipio-de-fortaleza --max-records 100 --format json
  precatorios crawl municipio-de-fortaleza municipio-de-caucaia --output precatorios.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.format {
			case formatSummary, formatJSON, formatCSV:
			default:
				return fmt.Errorf("unknown format %q: want summary, json or csv", opts.format)
			}

			a, err := newApp(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if opts.refresh {
				for _, id := range args {
					// Unknown entities are reported by the crawl itself.
					if _, err := a.session.Refresh(cmd.Context(), id); err != nil && !errors.Is(err, precatorio.ErrUnknownEntity) {
						return err
					}
				}
			}

			outcomes := a.session.CrawlMany(cmd.Context(), args, opts.maxRecords)
			return writeOutcomes(cmd.OutOrStdout(), outcomes, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.maxRecords, "max-records", "n", 0, "stop after this many records per entity (0: all)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "append records to this CSV file")
	cmd.Flags().StringVarP(&opts.format, "format", "f", formatSummary, "stdout format: summary, json or csv")
	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "drop cached pages of these entities before crawling")
	cmd.Flags().BoolVar(&opts.decimal, "decimal", false, "write amounts as 1234.56 instead of R$ 1.234,56")

	return cmd
}

// writeOutcomes prints successful results and returns the joined errors of
// the failed ones.
func writeOutcomes(w io.Writer, outcomes []crawler.Outcome, opts *crawlOptions) error {
	style := export.AmountBRL
	if opts.decimal {
		style = export.AmountDecimal
	}

	var failed error
	results := make([]*crawler.Result, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			log.Error().Err(o.Err).Str("entity", o.Identifier).Msg("Crawl failed")
			failed = errors.Join(failed, fmt.Errorf("%s: %w", o.Identifier, o.Err))
			continue
		}
		results = append(results, o.Result)

		if opts.output != "" {
			if err := export.AppendCSVFile(opts.output, o.Result.Records, style); err != nil {
				return err
			}
			log.Info().
				Str("entity", o.Result.Entity.Slug).
				Str("output", opts.output).
				Int("records", len(o.Result.Records)).
				Msg("Records saved")
		}
	}

	var err error
	switch opts.format {
	case formatJSON:
		err = export.WriteJSON(w, results)
	case formatCSV:
		for i, res := range results {
			err = export.WriteCSV(w, res.Records, export.Options{Amounts: style, NoBOM: true, NoHeader: i > 0})
			if err != nil {
				break
			}
		}
	default:
		err = writeSummary(w, results)
	}
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return failed
}

func writeSummary(w io.Writer, results []*crawler.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tRECORDS\tPAGES\tCACHE HITS\tREJECTED\tPARTIAL\tDURATION")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%t\t%s\n",
			r.Entity.Slug, len(r.Records), r.Pages, r.CacheHits, r.ValidationFailures, r.Partial(), r.Duration.Round(time.Millisecond))
	}
	for _, r := range results {
		for _, warning := range r.Warnings {
			fmt.Fprintf(tw, "warning: %s: %s\n", r.Entity.Slug, warning)
		}
	}
	return tw.Flush()
}
