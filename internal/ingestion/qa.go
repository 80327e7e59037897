package ingestion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/metrics"
	"github.com/moyitech/vdb-center/internal/storage"
	"github.com/moyitech/vdb-center/pkg/logger"
)

const (
	SkipReasonDuplicate = "duplicate"
	MaxPageSize         = 1000
)

// QAService edits single items of a project's QA knowledge base. Every write
// flips the knowledge base to ingesting, then to succeeded, or to failed when
// the write does not go through.
type QAService struct {
	store         storage.Store
	embedder      Embedder
	tokenizer     Tokenizer
	statusTimeout time.Duration
}

func NewQAService(store storage.Store, embedder Embedder, tokenizer Tokenizer) *QAService {
	return &QAService{
		store:         store,
		embedder:      embedder,
		tokenizer:     tokenizer,
		statusTimeout: defaultStatusTimeout,
	}
}

type QAPair struct {
	ProjectID int64
	Question  string
	Answer    string
}

func (p QAPair) normalize() (question, answer string, err error) {
	if err := domain.ValidateID("project_id", p.ProjectID); err != nil {
		return "", "", err
	}
	question, answer = domain.NormalizeText(p.Question), domain.NormalizeText(p.Answer)
	if question == "" || answer == "" {
		return "", "", domain.Validationf("question and answer must not be empty")
	}
	return question, answer, nil
}

type AddItemResult struct {
	KBID       int64  `json:"kb_id"`
	ItemID     int64  `json:"item_id,omitempty"`
	ChunkIndex int    `json:"chunk_index"`
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
}

// AddItem appends one question/answer pair. A pair whose origin text is
// already live in the knowledge base is skipped, not an error.
func (s *QAService) AddItem(ctx context.Context, pair QAPair) (res *AddItemResult, err error) {
	defer observeQA("add", &err)

	question, answer, err := pair.normalize()
	if err != nil {
		return nil, err
	}
	origin := domain.QAOriginText(question, answer)

	var kbID int64
	duplicate := false
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		id, err := tx.GetOrCreateQAKnowledgeBase(ctx, pair.ProjectID)
		if err != nil {
			return err
		}
		kbID = id
		duplicate, err = s.exists(ctx, tx, id, pair.ProjectID, origin)
		if err != nil || duplicate {
			return err
		}
		return tx.UpdateIngestStatus(ctx, id, pair.ProjectID, domain.StatusIngesting, nil)
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return &AddItemResult{KBID: kbID, Skipped: true, Reason: SkipReasonDuplicate}, nil
	}

	vector, err := s.embedOne(ctx, origin)
	if err != nil {
		s.markFailed(ctx, kbID, pair.ProjectID, err)
		return nil, err
	}

	res = &AddItemResult{KBID: kbID}
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		// Re-resolving takes the project lock again, serializing index allocation.
		id, err := tx.GetOrCreateQAKnowledgeBase(ctx, pair.ProjectID)
		if err != nil {
			return err
		}
		res.KBID = id

		dup, err := s.exists(ctx, tx, id, pair.ProjectID, origin)
		if err != nil {
			return err
		}
		if dup {
			res.Skipped, res.Reason = true, SkipReasonDuplicate
			return tx.UpdateIngestStatus(ctx, id, pair.ProjectID, domain.StatusSucceeded, nil)
		}

		next, err := tx.NextChunkIndex(ctx, id, pair.ProjectID)
		if err != nil {
			return err
		}
		row := domain.ChunkRow{
			ChunkIndex: next,
			OriginText: origin,
			Question:   &question,
			Answer:     &answer,
			Embedding:  vector,
			Lexical:    s.tokenizer.Join(origin),
		}
		if err := tx.UpsertChunks(ctx, id, pair.ProjectID, []domain.ChunkRow{row}); err != nil {
			return err
		}
		itemID, found, err := tx.ItemIDByChunkIndex(ctx, id, pair.ProjectID, next)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("item at chunk index %d missing after upsert", next)
		}
		res.ItemID, res.ChunkIndex = itemID, next
		return tx.UpdateIngestStatus(ctx, id, pair.ProjectID, domain.StatusSucceeded, nil)
	})
	if err != nil {
		s.markFailed(ctx, kbID, pair.ProjectID, err)
		return nil, err
	}

	if !res.Skipped {
		metrics.ChunksWritten.Inc()
	}
	logger.Info("QA item added",
		zap.Int64("kb_id", res.KBID),
		zap.Int64("item_id", res.ItemID),
		zap.Bool("skipped", res.Skipped),
	)
	return res, nil
}

type UpdateItemRequest struct {
	QAPair
	ItemID int64
}

// UpdateItem replaces the question and answer of a live item and re-embeds it.
func (s *QAService) UpdateItem(ctx context.Context, req UpdateItemRequest) (item *domain.Item, err error) {
	defer observeQA("update", &err)

	question, answer, err := req.normalize()
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateID("item_id", req.ItemID); err != nil {
		return nil, err
	}
	origin := domain.QAOriginText(question, answer)

	var kbID int64
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		id, err := s.requireQA(ctx, tx, req.ProjectID)
		if err != nil {
			return err
		}
		kbID = id
		existing, err := tx.GetItem(ctx, id, req.ProjectID, req.ItemID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.NotFoundf("qa item %d", req.ItemID)
		}
		return tx.UpdateIngestStatus(ctx, id, req.ProjectID, domain.StatusIngesting, nil)
	})
	if err != nil {
		return nil, err
	}

	vector, err := s.embedOne(ctx, origin)
	if err != nil {
		s.markFailed(ctx, kbID, req.ProjectID, err)
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.UpdateItem(ctx, kbID, req.ProjectID, domain.ItemUpdate{
			ItemID:     req.ItemID,
			Question:   &question,
			Answer:     &answer,
			OriginText: origin,
			Embedding:  vector,
			Lexical:    s.tokenizer.Join(origin),
		})
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFoundf("qa item %d", req.ItemID)
		}
		if item, err = tx.GetItem(ctx, kbID, req.ProjectID, req.ItemID); err != nil {
			return err
		}
		return tx.UpdateIngestStatus(ctx, kbID, req.ProjectID, domain.StatusSucceeded, nil)
	})
	if err != nil {
		s.markFailed(ctx, kbID, req.ProjectID, err)
		return nil, err
	}
	return item, nil
}

type DeleteItemsResult struct {
	KBID           int64 `json:"kb_id"`
	RequestedCount int   `json:"requested_count"`
	DeletedCount   int   `json:"deleted_count"`
}

// DeleteItem soft-deletes one live item, or reports domain.ErrNotFound.
func (s *QAService) DeleteItem(ctx context.Context, projectID, itemID int64) (*DeleteItemsResult, error) {
	if err := domain.ValidateID("item_id", itemID); err != nil {
		return nil, err
	}
	res, err := s.deleteItems(ctx, "delete", projectID, []int64{itemID})
	if err != nil {
		return nil, err
	}
	if res.DeletedCount == 0 {
		return nil, domain.NotFoundf("qa item %d", itemID)
	}
	return res, nil
}

// DeleteItems soft-deletes the live items among ids. Unknown or already
// deleted ids are not errors; they are missing from DeletedCount.
func (s *QAService) DeleteItems(ctx context.Context, projectID int64, ids []int64) (*DeleteItemsResult, error) {
	if len(ids) == 0 {
		return nil, domain.Validationf("item_ids must not be empty")
	}
	for _, id := range ids {
		if err := domain.ValidateID("item_id", id); err != nil {
			return nil, err
		}
	}
	return s.deleteItems(ctx, "delete_batch", projectID, ids)
}

func (s *QAService) deleteItems(ctx context.Context, op string, projectID int64, ids []int64) (res *DeleteItemsResult, err error) {
	defer observeQA(op, &err)

	if err := domain.ValidateID("project_id", projectID); err != nil {
		return nil, err
	}

	var kbID int64
	res = &DeleteItemsResult{RequestedCount: len(ids)}
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		id, err := s.requireQA(ctx, tx, projectID)
		if err != nil {
			return err
		}
		kbID, res.KBID = id, id
		if err := tx.UpdateIngestStatus(ctx, id, projectID, domain.StatusIngesting, nil); err != nil {
			return err
		}
		if res.DeletedCount, err = tx.SoftDeleteItemsByIDs(ctx, id, projectID, ids); err != nil {
			return err
		}
		return tx.UpdateIngestStatus(ctx, id, projectID, domain.StatusSucceeded, nil)
	})
	if err != nil {
		if kbID != 0 {
			s.markFailed(ctx, kbID, projectID, err)
		}
		return nil, err
	}
	return res, nil
}

type ItemPage struct {
	KBID        *int64        `json:"kb_id"`
	CurrentPage int           `json:"current_page"`
	PageSize    int           `json:"page_size"`
	TotalPages  int           `json:"total_pages"`
	TotalCount  int           `json:"total_count"`
	Items       []domain.Item `json:"items"`
}

// ListItems pages through live QA items by chunk index. A project without a
// QA knowledge base yields an empty page.
func (s *QAService) ListItems(ctx context.Context, projectID int64, page, pageSize int) (*ItemPage, error) {
	if err := domain.ValidateID("project_id", projectID); err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, domain.Validationf("page must be >= 1, got %d", page)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, domain.Validationf("page_size must be in [1, %d], got %d", MaxPageSize, pageSize)
	}

	out := &ItemPage{CurrentPage: page, PageSize: pageSize, Items: []domain.Item{}}
	err := s.store.WithReadTx(ctx, func(tx storage.Tx) error {
		id, found, err := tx.FindQAKnowledgeBase(ctx, projectID)
		if err != nil || !found {
			return err
		}
		out.KBID = &id
		items, total, err := tx.ListItems(ctx, id, projectID, page, pageSize)
		if err != nil {
			return err
		}
		out.Items, out.TotalCount = items, total
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.TotalPages = (out.TotalCount + pageSize - 1) / pageSize
	return out, nil
}

func (s *QAService) requireQA(ctx context.Context, tx storage.Tx, projectID int64) (int64, error) {
	id, found, err := tx.FindQAKnowledgeBase(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, domain.NotFoundf("qa knowledge base for project %d", projectID)
	}
	return id, nil
}

func (s *QAService) exists(ctx context.Context, tx storage.Tx, kbID, projectID int64, origin string) (bool, error) {
	existing, err := tx.ExistingOriginTexts(ctx, kbID, projectID, []string{origin})
	if err != nil {
		return false, err
	}
	_, ok := existing[origin]
	return ok, nil
}

func (s *QAService) embedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, domain.ExternalService(err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: embedding count mismatch: got %d, expected 1",
			domain.ErrExternalService, len(vectors))
	}
	return vectors[0], nil
}

func (s *QAService) markFailed(ctx context.Context, kbID, projectID int64, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.statusTimeout)
	defer cancel()

	if err := s.store.UpdateIngestStatus(writeCtx, kbID, projectID, domain.StatusFailed, nil); err != nil {
		logger.Error("Failed to mark QA knowledge base failed",
			zap.Int64("kb_id", kbID),
			zap.Error(err),
			zap.NamedError("cause", cause),
		)
	}
}

func observeQA(op string, err *error) {
	metrics.QAOperations.WithLabelValues(op, metrics.Outcome(*err)).Inc()
}
