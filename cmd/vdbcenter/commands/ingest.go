package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/ingestion"
)

func newIngestCmd() *cobra.Command {
	var (
		projectID int64
		kbID      int64
		file      string
		format    string
		source    string
		date      string
		qa        bool
		appendRun bool
		dedup     bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a segment file synchronously",
		Long: `Reads pre-extracted segments (one JSON object per line with "text",
or "question" and "answer") and writes them into a knowledge base. Without
--kb a new knowledge base is created; with --qa the project's QA knowledge
base receives the segments, appended and deduplicated.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := domain.ValidateID("project", projectID); err != nil {
				return err
			}
			if format == "" {
				format = filepath.Ext(file)
			}
			extractor, err := ingestion.ExtractorFor(format)
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to open segments: %w", err)
			}
			segments, err := extractor.Extract(f)
			_ = f.Close()
			if err != nil {
				return err
			}

			parsedDate, err := domain.ParseDate(date)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			req := ingestion.RunRequest{
				KBID:              kbID,
				ProjectID:         projectID,
				Segments:          segments,
				AppendToExisting:  appendRun,
				DedupByOriginText: dedup,
				Source:            domain.OptionalText(&source),
				Date:              parsedDate,
			}

			switch {
			case qa:
				if req.KBID, err = a.store.GetOrCreateQAKnowledgeBase(ctx, projectID); err != nil {
					return err
				}
				req.AppendToExisting, req.DedupByOriginText = true, true
			case kbID == 0:
				name := filepath.Base(file)
				if req.KBID, err = a.store.CreateKnowledgeBase(ctx, domain.NewKnowledgeBase{
					ProjectID: projectID,
					FileName:  &name,
					Source:    req.Source,
					Date:      parsedDate,
					Status:    domain.StatusIngesting,
				}); err != nil {
					return err
				}
			}

			res := a.orchestrator().Run(ctx, req)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(struct {
				KBID int64 `json:"kb_id"`
				ingestion.Result
			}{req.KBID, res}); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("ingestion failed")
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&kbID, "kb", 0, "existing knowledge base id to re-ingest into")
	cmd.Flags().StringVarP(&file, "file", "f", "", "segment file")
	cmd.Flags().StringVar(&format, "format", "", "segment format (defaults to the file extension)")
	cmd.Flags().StringVar(&source, "source", "", "provenance stamped on the knowledge base and its items")
	cmd.Flags().StringVar(&date, "date", "", "business date, YYYY-MM-DD")
	cmd.Flags().BoolVar(&qa, "qa", false, "ingest into the project's QA knowledge base")
	cmd.Flags().BoolVar(&appendRun, "append", false, "append after the existing chunks")
	cmd.Flags().BoolVar(&dedup, "dedup", false, "skip segments whose text is already live")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
