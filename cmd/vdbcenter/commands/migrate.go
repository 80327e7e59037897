package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/moyitech/vdb-center/internal/storage/postgres"
	"github.com/moyitech/vdb-center/pkg/logger"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the knowledge base schema and indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := postgres.NewClient(cmd.Context(), postgres.Config{
				DSN:             cfg.Postgres.DSN,
				MaxConns:        2,
				MinConns:        1,
				MaxConnLifetime: time.Duration(cfg.Postgres.MaxConnLifetime) * time.Second,
				VectorDim:       cfg.Postgres.VectorDim,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (vector dimension %d)\n", cfg.Postgres.VectorDim)
			return nil
		},
	}
}
