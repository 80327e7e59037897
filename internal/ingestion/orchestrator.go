// Package ingestion writes segments into knowledge bases: bulk runs through
// the Orchestrator and single question/answer edits through the QAService.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/deadletter"
	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/metrics"
	"github.com/moyitech/vdb-center/internal/storage"
	"github.com/moyitech/vdb-center/pkg/logger"
)

const (
	defaultEmbeddingBatchSize = 10
	defaultUpsertBatchSize    = 200
	defaultStatusTimeout      = 10 * time.Second
)

var errNoChunksWritten = errors.New("no chunks written")

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Tokenizer interface {
	// Join returns the space-separated lexical terms of text.
	Join(text string) string
}

type DeadLetterSink interface {
	Append(ctx context.Context, e deadletter.Entry) error
}

type RunRequest struct {
	KBID              int64
	ProjectID         int64
	Segments          []Segment
	AppendToExisting  bool
	DedupByOriginText bool
	Source            *string
	Date              *time.Time
}

func (r RunRequest) Validate() error {
	if err := domain.ValidateID("kb_id", r.KBID); err != nil {
		return err
	}
	return domain.ValidateID("project_id", r.ProjectID)
}

type Result struct {
	OK           bool   `json:"ok"`
	Message      string `json:"message"`
	SuccessCount int    `json:"success_count"`
	FailedCount  int    `json:"failed_count"`
}

type Orchestrator struct {
	store         storage.Store
	embedder      Embedder
	tokenizer     Tokenizer
	deadLetters   DeadLetterSink
	embedBatch    int
	upsertBatch   int
	statusTimeout time.Duration
}

type Option func(*Orchestrator)

func WithBatchSizes(embedding, upsert int) Option {
	return func(o *Orchestrator) {
		if embedding > 0 {
			o.embedBatch = embedding
		}
		if upsert > 0 {
			o.upsertBatch = upsert
		}
	}
}

func WithDeadLetters(sink DeadLetterSink) Option {
	return func(o *Orchestrator) { o.deadLetters = sink }
}

// WithStatusTimeout bounds the failure-status write made after a run aborts.
func WithStatusTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.statusTimeout = d
		}
	}
}

func NewOrchestrator(store storage.Store, embedder Embedder, tokenizer Tokenizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		embedder:      embedder,
		tokenizer:     tokenizer,
		embedBatch:    defaultEmbeddingBatchSize,
		upsertBatch:   defaultUpsertBatchSize,
		statusTimeout: defaultStatusTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type pendingSegment struct {
	text     string
	question *string
	answer   *string
}

// Run ingests the request's segments into its knowledge base. It never
// returns an error or panics: failures are reported in the Result and leave
// the knowledge base in failed state.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (res Result) {
	total := len(req.Segments)
	if err := req.Validate(); err != nil {
		return Result{Message: err.Error(), FailedCount: total}
	}

	runID := uuid.NewString()
	log := logger.With(
		zap.String("run_id", runID),
		zap.Int64("kb_id", req.KBID),
		zap.Int64("project_id", req.ProjectID),
	)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Ingestion run panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = o.fail(ctx, log, runID, req, fmt.Errorf("panic: %v", r))
		}
		metrics.IngestionDuration.Observe(time.Since(start).Seconds())
		outcome := "ok"
		if !res.OK {
			outcome = "error"
		}
		metrics.IngestionRuns.WithLabelValues(outcome).Inc()
	}()

	log.Info("Ingestion run started",
		zap.Int("segments", total),
		zap.Bool("append", req.AppendToExisting),
		zap.Bool("dedup", req.DedupByOriginText),
	)

	written, err := o.ingest(ctx, log, req)
	if err != nil {
		return o.fail(ctx, log, runID, req, err)
	}

	failed := max(0, total-written)
	log.Info("Ingestion run succeeded", zap.Int("written", written), zap.Int("failed", failed))
	return Result{
		OK:           true,
		Message:      fmt.Sprintf("knowledge base %d: wrote %d of %d chunks", req.KBID, written, total),
		SuccessCount: written,
		FailedCount:  failed,
	}
}

// Abort marks a run that never started as failed, e.g. when the background
// pool rejected it.
func (o *Orchestrator) Abort(ctx context.Context, req RunRequest, cause error) Result {
	runID := uuid.NewString()
	log := logger.With(
		zap.String("run_id", runID),
		zap.Int64("kb_id", req.KBID),
		zap.Int64("project_id", req.ProjectID),
	)
	metrics.IngestionRuns.WithLabelValues("error").Inc()
	return o.fail(ctx, log, runID, req, cause)
}

func (o *Orchestrator) ingest(ctx context.Context, log *zap.Logger, req RunRequest) (int, error) {
	err := o.store.WithTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetTaskStatus(ctx, req.ProjectID, req.KBID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.NotFoundf("knowledge base %d in project %d", req.KBID, req.ProjectID)
		}
		if !current.IngestStatus.CanTransition(domain.StatusIngesting) {
			log.Warn("Knowledge base still marked ingesting, restarting run",
				zap.Time("since", current.UpdateTime))
		}
		return tx.UpdateIngestStatus(ctx, req.KBID, req.ProjectID, domain.StatusIngesting, &domain.StatusCounts{})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark ingesting: %w", err)
	}

	segments, err := o.prepare(ctx, req)
	if err != nil {
		return 0, err
	}
	metrics.ChunksSkipped.Add(float64(len(req.Segments) - len(segments)))

	written := 0
	pending := make([]domain.ChunkRow, 0, o.upsertBatch)
	for i := 0; i < len(segments); i += o.embedBatch {
		batch := segments[i:min(i+o.embedBatch, len(segments))]
		texts := make([]string, len(batch))
		for j, seg := range batch {
			texts[j] = seg.text
		}

		vectors, err := o.embedder.Embed(ctx, texts)
		if err != nil {
			return written, domain.ExternalService(err)
		}
		if len(vectors) != len(batch) {
			return written, fmt.Errorf("%w: embedding count mismatch: got %d, expected %d",
				domain.ErrExternalService, len(vectors), len(batch))
		}

		for j, seg := range batch {
			pending = append(pending, domain.ChunkRow{
				OriginText: seg.text,
				Question:   seg.question,
				Answer:     seg.answer,
				Source:     req.Source,
				Date:       req.Date,
				Embedding:  vectors[j],
				Lexical:    o.tokenizer.Join(seg.text),
			})
		}

		// Full batches commit on their own; the remainder commits with the status.
		for len(pending) >= o.upsertBatch && i+o.embedBatch < len(segments) {
			err := o.store.WithTx(ctx, func(tx storage.Tx) error {
				return o.upsert(ctx, tx, req, written, pending[:o.upsertBatch])
			})
			if err != nil {
				return written, err
			}
			written += o.upsertBatch
			metrics.ChunksWritten.Add(float64(o.upsertBatch))
			log.Debug("Chunk batch committed", zap.Int("written", written))
			pending = append(pending[:0], pending[o.upsertBatch:]...)
		}
	}

	total := len(req.Segments)
	final := written + len(pending)
	if final == 0 && !req.DedupByOriginText {
		return 0, errNoChunksWritten
	}

	err = o.store.WithTx(ctx, func(tx storage.Tx) error {
		if len(pending) > 0 {
			if err := o.upsert(ctx, tx, req, written, pending); err != nil {
				return err
			}
		}
		return tx.UpdateIngestStatus(ctx, req.KBID, req.ProjectID, domain.StatusSucceeded,
			&domain.StatusCounts{Success: final, Failed: max(0, total-final)})
	})
	if err != nil {
		return written, err
	}
	metrics.ChunksWritten.Add(float64(len(pending)))
	return final, nil
}

// upsert numbers rows and writes them in tx. A fresh run numbers from offset;
// an append run allocates after the highest stored index inside tx, which
// keeps concurrent writers to the same knowledge base from sharing indexes.
func (o *Orchestrator) upsert(ctx context.Context, tx storage.Tx, req RunRequest, offset int, rows []domain.ChunkRow) error {
	base := offset
	if req.AppendToExisting {
		next, err := tx.NextChunkIndex(ctx, req.KBID, req.ProjectID)
		if err != nil {
			return err
		}
		base = next
	}
	for i := range rows {
		rows[i].ChunkIndex = base + i
	}
	return tx.UpsertChunks(ctx, req.KBID, req.ProjectID, rows)
}

// prepare drops blank segments and, when asked, duplicates: the first
// occurrence in the batch wins and texts already live in the kb are skipped.
func (o *Orchestrator) prepare(ctx context.Context, req RunRequest) ([]pendingSegment, error) {
	segments := make([]pendingSegment, 0, len(req.Segments))
	seen := make(map[string]struct{}, len(req.Segments))
	for _, s := range req.Segments {
		text, question, answer := s.originText()
		if text == "" {
			continue
		}
		if req.DedupByOriginText {
			if _, dup := seen[text]; dup {
				continue
			}
			seen[text] = struct{}{}
		}
		segments = append(segments, pendingSegment{text: text, question: question, answer: answer})
	}

	if !req.DedupByOriginText || len(segments) == 0 {
		return segments, nil
	}

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.text
	}
	existing, err := o.store.ExistingOriginTexts(ctx, req.KBID, req.ProjectID, texts)
	if err != nil {
		return nil, err
	}
	fresh := segments[:0]
	for _, seg := range segments {
		if _, ok := existing[seg.text]; !ok {
			fresh = append(fresh, seg)
		}
	}
	return fresh, nil
}

// fail records the failed status with a context that outlives cancellation
// of the run. When that write fails too the run is dead-lettered.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, runID string, req RunRequest, cause error) Result {
	total := len(req.Segments)
	log.Error("Ingestion run failed", zap.Error(cause))

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.statusTimeout)
	defer cancel()

	err := o.store.UpdateIngestStatus(writeCtx, req.KBID, req.ProjectID, domain.StatusFailed,
		&domain.StatusCounts{Success: 0, Failed: total})
	if err != nil {
		log.Error("Failed to record failed ingestion status", zap.Error(err), zap.NamedError("cause", cause))
		if o.deadLetters != nil && !errors.Is(err, domain.ErrNotFound) {
			entry := deadletter.Entry{
				RunID:      runID,
				KBID:       req.KBID,
				ProjectID:  req.ProjectID,
				Cause:      cause.Error(),
				WriteError: err.Error(),
			}
			// The status write may have used up writeCtx.
			dlCtx, dlCancel := context.WithTimeout(context.WithoutCancel(ctx), o.statusTimeout)
			if dlErr := o.deadLetters.Append(dlCtx, entry); dlErr != nil {
				log.Error("Failed to append dead letter", zap.Error(dlErr))
			}
			dlCancel()
		}
	}

	return Result{
		Message:     fmt.Sprintf("knowledge base %d: ingestion failed: %v", req.KBID, cause),
		FailedCount: total,
	}
}
