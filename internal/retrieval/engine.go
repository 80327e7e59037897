// Package retrieval answers hybrid queries: a dense cosine scan and a lexical
// full-text scan over one project's live items, merged dense-first.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/metrics"
	"github.com/moyitech/vdb-center/internal/storage"
	"github.com/moyitech/vdb-center/pkg/logger"
)

const DefaultMaxTopK = 100

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Tokenizer interface {
	Tokenize(text string) []string
}

type Request struct {
	ProjectID    int64
	DenseQuery   string
	LexicalQuery string
	TopKDense    int
	TopKLexical  int
}

type Result struct {
	Dense   []domain.ScoredItem `json:"dense"`
	Lexical []domain.ScoredItem `json:"lexical"`
	Merged  []domain.ScoredItem `json:"merged"`
}

type Engine struct {
	store     storage.Store
	embedder  Embedder
	tokenizer Tokenizer
	maxTopK   int
}

func NewEngine(store storage.Store, embedder Embedder, tokenizer Tokenizer, maxTopK int) *Engine {
	if maxTopK <= 0 {
		maxTopK = DefaultMaxTopK
	}
	return &Engine{store: store, embedder: embedder, tokenizer: tokenizer, maxTopK: maxTopK}
}

func (e *Engine) validate(req Request) error {
	if err := domain.ValidateID("project_id", req.ProjectID); err != nil {
		return err
	}
	if req.TopKDense > e.maxTopK || req.TopKLexical > e.maxTopK {
		return domain.Validationf("top_k must not exceed %d", e.maxTopK)
	}
	return nil
}

// Retrieve runs each branch whose query is non-blank and whose top-k is
// positive. The query vector is computed before the snapshot is opened so no
// transaction waits on the embedding service.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.RetrievalDuration.Observe(time.Since(start).Seconds()) }()

	var vector []float32
	denseQuery := strings.TrimSpace(req.DenseQuery)
	if denseQuery != "" && req.TopKDense > 0 {
		vectors, err := e.embedder.Embed(ctx, []string{denseQuery})
		if err != nil {
			return nil, domain.ExternalService(err)
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("%w: expected one query vector, got %d", domain.ErrExternalService, len(vectors))
		}
		vector = vectors[0]
	}

	var tokens []string
	if req.TopKLexical > 0 {
		tokens = e.tokenizer.Tokenize(req.LexicalQuery)
	}

	res := &Result{Dense: []domain.ScoredItem{}, Lexical: []domain.ScoredItem{}}
	if vector != nil || len(tokens) > 0 {
		err := e.store.WithReadTx(ctx, func(tx storage.Tx) error {
			if vector != nil {
				hits, err := tx.SearchDense(ctx, req.ProjectID, vector, req.TopKDense)
				if err != nil {
					return err
				}
				res.Dense = hits
			}
			if len(tokens) > 0 {
				hits, err := tx.SearchLexical(ctx, req.ProjectID, tokens, req.TopKLexical)
				if err != nil {
					return err
				}
				res.Lexical = hits
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	res.Merged = Merge(res.Dense, res.Lexical)

	metrics.RetrievalResults.WithLabelValues("dense").Observe(float64(len(res.Dense)))
	metrics.RetrievalResults.WithLabelValues("lexical").Observe(float64(len(res.Lexical)))
	logger.Debug("Hybrid retrieval finished",
		zap.Int64("project_id", req.ProjectID),
		zap.Int("dense", len(res.Dense)),
		zap.Int("lexical", len(res.Lexical)),
		zap.Int("merged", len(res.Merged)),
	)
	return res, nil
}

// Merge keeps every dense hit in rank order, then appends lexical hits whose
// id the dense branch did not return. Scores are not compared across branches.
func Merge(dense, lexical []domain.ScoredItem) []domain.ScoredItem {
	merged := make([]domain.ScoredItem, 0, len(dense)+len(lexical))
	seen := make(map[int64]struct{}, len(dense)+len(lexical))
	for _, hit := range dense {
		seen[hit.ID] = struct{}{}
		merged = append(merged, hit)
	}
	for _, hit := range lexical {
		if _, dup := seen[hit.ID]; dup {
			continue
		}
		seen[hit.ID] = struct{}{}
		merged = append(merged, hit)
	}
	return merged
}
