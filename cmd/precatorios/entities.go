package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/precatorios/precatorios-client/internal/export"
	"github.com/precatorios/precatorios-client/pkg/entity"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

type entitiesOptions struct {
	remote bool
	json   bool
	output string
}

func newEntitiesCmd(root *rootOptions) *cobra.Command {
	opts := &entitiesOptions{}

	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List debtor entities and their slugs",
		Long: `Entities lists the configured entity table. With --remote it asks the
report for the entities it currently holds instead.

Examples:
  precatorios entities
  precatorios entities --remote --output entidades.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var list []precatorio.EntityIdentifier
			if opts.remote {
				names, err := a.session.FetchEntities(cmd.Context())
				if err != nil {
					return err
				}
				list = make([]precatorio.EntityIdentifier, 0, len(names))
				for _, name := range names {
					list = append(list, precatorio.EntityIdentifier{Slug: entity.Slugify(name), OfficialName: name})
				}
			} else {
				list = a.session.Entities()
			}

			if opts.output != "" {
				if err := writeEntitiesFile(opts.output, list); err != nil {
					return err
				}
			}
			if opts.json {
				return export.WriteJSON(cmd.OutOrStdout(), list)
			}
			return writeEntityTable(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().BoolVar(&opts.remote, "remote", false, "list the entities present in the report")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print JSON instead of a table")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "also write official_name,slug to this CSV file")

	return cmd
}

func writeEntityTable(w io.Writer, list []precatorio.EntityIdentifier) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tNAME")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\n", e.Slug, e.OfficialName)
	}
	return tw.Flush()
}

func writeEntitiesFile(path string, list []precatorio.EntityIdentifier) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	_ = cw.Write([]string{"official_name", "slug"})
	for _, e := range list {
		_ = cw.Write([]string{e.OfficialName, e.Slug})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
