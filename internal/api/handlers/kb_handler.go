package handlers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/ingestion"
	"github.com/moyitech/vdb-center/internal/middleware/validation"
	"github.com/moyitech/vdb-center/internal/storage"
	"github.com/moyitech/vdb-center/pkg/logger"
)

const defaultPageSize = 20

type Submitter interface {
	Submit(req ingestion.RunRequest) error
}

type KBHandler struct {
	store  storage.Store
	runner Submitter
}

func NewKBHandler(store storage.Store, runner Submitter) *KBHandler {
	return &KBHandler{store: store, runner: runner}
}

type ingestRequest struct {
	KBID     int64               `json:"kb_id"`
	FileName *string             `json:"file_name"`
	Source   *string             `json:"source"`
	Date     string              `json:"date"`
	QAItems  bool                `json:"qa_items"`
	Append   bool                `json:"append"`
	Dedup    bool                `json:"dedup"`
	Segments []ingestion.Segment `json:"segments"`
}

// Ingest schedules a background run and answers 202 with the knowledge base
// id to poll. QA segments always go to the project's QA knowledge base,
// appended and deduplicated.
func (h *KBHandler) Ingest(c *fiber.Ctx) error {
	var req ingestRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if len(req.Segments) == 0 {
		return badRequest(c, "Segments are required")
	}

	ctx := c.UserContext()
	projectID := validation.ProjectID(c)
	source := domain.OptionalText(req.Source)
	date, err := domain.ParseDate(req.Date)
	if err != nil {
		return writeError(c, err)
	}

	run := ingestion.RunRequest{
		ProjectID:         projectID,
		Segments:          req.Segments,
		AppendToExisting:  req.Append,
		DedupByOriginText: req.Dedup,
		Source:            source,
		Date:              date,
	}

	switch {
	case req.QAItems:
		run.KBID, err = h.store.GetOrCreateQAKnowledgeBase(ctx, projectID)
		run.AppendToExisting, run.DedupByOriginText = true, true
	case req.KBID > 0:
		run.KBID = req.KBID
		err = h.reingest(c, run)
	default:
		run.KBID, err = h.create(c, req, source, date)
	}
	if err != nil {
		return writeError(c, err)
	}

	if err := h.runner.Submit(run); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Ingestion queue is full",
			"kb_id": run.KBID,
		})
	}

	logger.Info("Ingestion scheduled",
		zap.Int64("kb_id", run.KBID),
		zap.Int64("project_id", projectID),
		zap.Int("segments", len(req.Segments)),
	)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"kb_id":         run.KBID,
		"ingest_status": domain.StatusIngesting,
		"segments":      len(req.Segments),
	})
}

func (h *KBHandler) create(c *fiber.Ctx, req ingestRequest, source *string, date *time.Time) (int64, error) {
	ctx := c.UserContext()
	projectID := validation.ProjectID(c)
	if source != nil {
		exists, err := h.store.SourceExists(ctx, projectID, *source)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, fmt.Errorf("%w: source %q already ingested", domain.ErrConflict, *source)
		}
	}
	return h.store.CreateKnowledgeBase(ctx, domain.NewKnowledgeBase{
		ProjectID: projectID,
		FileName:  domain.OptionalText(req.FileName),
		Source:    source,
		Date:      date,
		Status:    domain.StatusIngesting,
	})
}

func (h *KBHandler) reingest(c *fiber.Ctx, run ingestion.RunRequest) error {
	ctx := c.UserContext()
	task, err := h.store.GetTaskStatus(ctx, run.ProjectID, run.KBID)
	if err != nil {
		return err
	}
	if task == nil {
		return domain.NotFoundf("knowledge base %d", run.KBID)
	}
	if task.QAItems {
		return fmt.Errorf("%w: use qa_items to ingest into the qa knowledge base", domain.ErrForbidden)
	}
	if run.Source != nil || run.Date != nil {
		return h.store.UpdateSourceAndDate(ctx, run.KBID, run.ProjectID, run.Source, run.Date)
	}
	return nil
}

func (h *KBHandler) List(c *fiber.Ctx) error {
	kbs, err := h.store.ListKnowledgeBases(c.UserContext(), validation.ProjectID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"items": kbs, "total": len(kbs)})
}

func (h *KBHandler) Search(c *fiber.Ctx) error {
	kbs, err := h.store.SearchKnowledgeBasesBySource(c.UserContext(), validation.ProjectID(c), c.Query("keyword"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"items": kbs, "total": len(kbs)})
}

func (h *KBHandler) TaskStatus(c *fiber.Ctx) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return writeError(c, err)
	}
	task, err := h.store.GetTaskStatus(c.UserContext(), validation.ProjectID(c), kbID)
	if err != nil {
		return writeError(c, err)
	}
	if task == nil {
		return writeError(c, domain.NotFoundf("knowledge base %d", kbID))
	}
	return c.JSON(task)
}

// Delete answers with the reason-coded result; refusals carry the status of
// the matching error class.
func (h *KBHandler) Delete(c *fiber.Ctx) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return writeError(c, err)
	}
	res, err := h.store.SoftDeleteKnowledgeBase(c.UserContext(), kbID, validation.ProjectID(c), domain.DefaultDeleteOptions())
	if err != nil {
		return writeError(c, err)
	}
	status := fiber.StatusOK
	if err := res.Err(); err != nil {
		status = statusFor(err)
	}
	return c.Status(status).JSON(res)
}

func (h *KBHandler) Restore(c *fiber.Ctx) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return writeError(c, err)
	}
	restored, err := h.store.RestoreKnowledgeBase(c.UserContext(), kbID, validation.ProjectID(c))
	if err != nil {
		return writeError(c, err)
	}
	if !restored {
		return writeError(c, domain.NotFoundf("deleted knowledge base %d", kbID))
	}
	return c.JSON(fiber.Map{"kb_id": kbID, "restored": true})
}

func (h *KBHandler) UpdateSource(c *fiber.Ctx) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return writeError(c, err)
	}
	var req struct {
		Source *string `json:"source"`
		Date   string  `json:"date"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	date, err := domain.ParseDate(req.Date)
	if err != nil {
		return writeError(c, err)
	}
	err = h.store.UpdateSourceAndDate(c.UserContext(), kbID, validation.ProjectID(c), domain.OptionalText(req.Source), date)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"kb_id": kbID, "updated": true})
}

func (h *KBHandler) Items(c *fiber.Ctx) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return writeError(c, err)
	}
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return writeError(c, err)
	}
	pageSize, err := queryInt(c, "page_size", defaultPageSize)
	if err != nil {
		return writeError(c, err)
	}
	if pageSize > ingestion.MaxPageSize {
		return writeError(c, domain.Validationf("page_size must not exceed %d", ingestion.MaxPageSize))
	}

	items, total, err := h.store.ListItems(c.UserContext(), kbID, validation.ProjectID(c), page, pageSize)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"kb_id":        kbID,
		"current_page": page,
		"page_size":    pageSize,
		"total_count":  total,
		"total_pages":  (total + pageSize - 1) / pageSize,
		"items":        items,
	})
}

func (h *KBHandler) DeleteChunks(c *fiber.Ctx) error {
	kbID, err := paramID(c, "kb_id")
	if err != nil {
		return writeError(c, err)
	}
	var req struct {
		ChunkIndexes []int `json:"chunk_indexes"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if len(req.ChunkIndexes) == 0 {
		return badRequest(c, "chunk_indexes are required")
	}

	deleted, err := h.store.SoftDeleteItemsByChunkIndexes(c.UserContext(), kbID, validation.ProjectID(c), req.ChunkIndexes)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"kb_id":           kbID,
		"requested_count": len(req.ChunkIndexes),
		"deleted_count":   deleted,
	})
}
