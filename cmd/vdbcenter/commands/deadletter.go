package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/moyitech/vdb-center/internal/deadletter"
	"github.com/moyitech/vdb-center/pkg/logger"
)

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect runs whose failure status could not be recorded",
	}
	cmd.AddCommand(newDeadLetterListCmd())
	return cmd
}

func newDeadLetterListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			journal, err := deadletter.Open(cfg.DeadLetter.Path)
			if err != nil {
				return err
			}
			defer journal.Close()

			entries, err := journal.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tRUN\tPROJECT\tKB\tCAUSE\tWRITE ERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
					e.ID, e.CreatedAt.Format(time.RFC3339), e.RunID, e.ProjectID, e.KBID, e.Cause, e.WriteError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to print")
	return cmd
}
