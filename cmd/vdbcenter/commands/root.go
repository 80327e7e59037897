// Package commands implements the vdbcenter CLI with cobra.
package commands

import (
	"github.com/spf13/cobra"
)

func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vdbcenter",
		Short: "Knowledge base ingestion and hybrid retrieval service",
		Long: `vdbcenter ingests document segments and question/answer pairs into
per-project knowledge bases and serves hybrid dense and lexical retrieval.

Examples:
  vdbcenter migrate
  vdbcenter serve
  vdbcenter ingest --project 1 --file segments.jsonl --source handbook.pdf
  vdbcenter retrieve --project 1 "reset procedure"
  vdbcenter deadletter list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newIngestCmd(),
		newRetrieveCmd(),
		newDeadLetterCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
