package commands

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moyitech/vdb-center/internal/retrieval"
)

func newRetrieveCmd() *cobra.Command {
	var (
		projectID   int64
		topKDense   int
		topKLexical int
		lexical     string
	)

	cmd := &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Run a hybrid retrieval and print the hits as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			query := strings.Join(args, " ")
			if lexical == "" {
				lexical = query
			}
			res, err := a.engine().Retrieve(cmd.Context(), retrieval.Request{
				ProjectID:    projectID,
				DenseQuery:   query,
				LexicalQuery: lexical,
				TopKDense:    topKDense,
				TopKLexical:  topKLexical,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().IntVar(&topKDense, "top-k-dense", 10, "dense hits to return, 0 disables the branch")
	cmd.Flags().IntVar(&topKLexical, "top-k-lexical", 10, "lexical hits to return, 0 disables the branch")
	cmd.Flags().StringVar(&lexical, "lexical", "", "separate lexical query (defaults to the dense query)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}
