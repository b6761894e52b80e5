package main

import (
	"github.com/spf13/cobra"

	"github.com/precatorios/precatorios-client/internal/config"
	"github.com/precatorios/precatorios-client/pkg/logging"
)

const version = "0.1.0"

// rootOptions are the persistent flags and the configuration they load.
type rootOptions struct {
	cfgFile  string
	logLevel string
	pretty   bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "precatorios",
		Short: "Crawl court-ordered payment records from the TJCE precatórios report",
		Long: `precatorios retrieves the precatórios of a debtor entity from the TJCE
Power BI report, follows every continuation page and writes validated,
ranked records.

Configuration comes from precatorios.yaml (./ or ~/.precatorios/), the
--config flag and PRECATORIOS_* environment variables.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			if opts.pretty {
				cfg.LogPretty = true
			}

			lc := cfg.Logging()
			lc.Output = cmd.ErrOrStderr()
			logging.Setup(lc)

			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(
		&opts.cfgFile, "config", "", "config file (default: ./precatorios.yaml or ~/.precatorios/precatorios.yaml)",
	)
	cmd.PersistentFlags().StringVar(
		&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error or disabled",
	)
	cmd.PersistentFlags().BoolVar(
		&opts.pretty, "pretty", false, "human-readable console logs",
	)

	cmd.AddCommand(
		newCrawlCmd(opts),
		newEntitiesCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}
