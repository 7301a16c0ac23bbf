// Package cmd defines the CLI commands for the newswatch-ingest executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "newswatch-ingest",
		Short: "News URL ingestion and analysis service",
		Long: `newswatch-ingest pulls pending article URLs from a work queue,
fetches each page with rate limiting and headless fallback, runs the content
through an analysis model, and persists scored outcomes in atomic batches.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (environment variables with the NEWSWATCH prefix override it)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSubmitCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
