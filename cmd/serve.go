package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newswatch/ingest/internal/app"
	"github.com/newswatch/ingest/internal/config"
)

// newServeCmd creates the 'serve' subcommand, which runs the full ingestion
// service: pipeline workers, batch persister, load controller and HTTP API.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline and HTTP API",
		Long: `Starts the ingestion service and blocks until SIGINT or SIGTERM.
Pending items are pulled from the configured work queue, processed by an
adaptive worker pool, and committed in batches. The HTTP API exposes health,
status, rate-limit and event endpoints plus Prometheus metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}
