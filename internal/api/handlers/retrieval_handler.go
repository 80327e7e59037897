package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/middleware/validation"
	"github.com/moyitech/vdb-center/internal/retrieval"
)

type RetrievalHandler struct {
	engine      *retrieval.Engine
	defaultTopK int
	maxTopK     int
}

func NewRetrievalHandler(engine *retrieval.Engine, defaultTopK, maxTopK int) *RetrievalHandler {
	if maxTopK <= 0 {
		maxTopK = retrieval.DefaultMaxTopK
	}
	if defaultTopK <= 0 || defaultTopK > maxTopK {
		defaultTopK = min(10, maxTopK)
	}
	return &RetrievalHandler{engine: engine, defaultTopK: defaultTopK, maxTopK: maxTopK}
}

func (h *RetrievalHandler) topK(v *int, name string) (int, error) {
	if v == nil {
		return h.defaultTopK, nil
	}
	if *v < 1 || *v > h.maxTopK {
		return 0, domain.Validationf("%s must be in [1, %d]", name, h.maxTopK)
	}
	return *v, nil
}

// Hybrid runs the dense and lexical branches. A single "query" field feeds
// both branches unless a branch-specific query is given.
func (h *RetrievalHandler) Hybrid(c *fiber.Ctx) error {
	var req struct {
		Query        string `json:"query"`
		DenseQuery   string `json:"dense_query"`
		LexicalQuery string `json:"lexical_query"`
		TopKDense    *int   `json:"top_k_dense"`
		TopKLexical  *int   `json:"top_k_lexical"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	topKDense, err := h.topK(req.TopKDense, "top_k_dense")
	if err != nil {
		return writeError(c, err)
	}
	topKLexical, err := h.topK(req.TopKLexical, "top_k_lexical")
	if err != nil {
		return writeError(c, err)
	}
	if req.DenseQuery == "" {
		req.DenseQuery = req.Query
	}
	if req.LexicalQuery == "" {
		req.LexicalQuery = req.Query
	}

	res, err := h.engine.Retrieve(c.UserContext(), retrieval.Request{
		ProjectID:    validation.ProjectID(c),
		DenseQuery:   req.DenseQuery,
		LexicalQuery: req.LexicalQuery,
		TopKDense:    topKDense,
		TopKLexical:  topKLexical,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}
