package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/moyitech/vdb-center/internal/ingestion"
	"github.com/moyitech/vdb-center/internal/middleware/validation"
)

type QAHandler struct {
	qa *ingestion.QAService
}

func NewQAHandler(qa *ingestion.QAService) *QAHandler {
	return &QAHandler{qa: qa}
}

type qaItemRequest struct {
	ItemID   int64  `json:"item_id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (h *QAHandler) Add(c *fiber.Ctx) error {
	var req qaItemRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	res, err := h.qa.AddItem(c.UserContext(), ingestion.QAPair{
		ProjectID: validation.ProjectID(c),
		Question:  req.Question,
		Answer:    req.Answer,
	})
	if err != nil {
		return writeError(c, err)
	}
	status := fiber.StatusCreated
	if res.Skipped {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

func (h *QAHandler) Update(c *fiber.Ctx) error {
	var req qaItemRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	item, err := h.qa.UpdateItem(c.UserContext(), ingestion.UpdateItemRequest{
		QAPair: ingestion.QAPair{
			ProjectID: validation.ProjectID(c),
			Question:  req.Question,
			Answer:    req.Answer,
		},
		ItemID: req.ItemID,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(item)
}

func (h *QAHandler) Delete(c *fiber.Ctx) error {
	var req qaItemRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	res, err := h.qa.DeleteItem(c.UserContext(), validation.ProjectID(c), req.ItemID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

func (h *QAHandler) DeleteBatch(c *fiber.Ctx) error {
	var req struct {
		ItemIDs []int64 `json:"item_ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	res, err := h.qa.DeleteItems(c.UserContext(), validation.ProjectID(c), req.ItemIDs)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

func (h *QAHandler) List(c *fiber.Ctx) error {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return writeError(c, err)
	}
	pageSize, err := queryInt(c, "page_size", defaultPageSize)
	if err != nil {
		return writeError(c, err)
	}

	res, err := h.qa.ListItems(c.UserContext(), validation.ProjectID(c), page, pageSize)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}
