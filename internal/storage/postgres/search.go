package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/moyitech/vdb-center/internal/domain"
)

const hitColumns = `i.id, i.kb_id, i.chunk_index, i.origin_text, i.question, i.answer, i.source, i.date`

func (q *queries) SearchDense(ctx context.Context, projectID int64, vector []float32, topK int) ([]domain.ScoredItem, error) {
	if topK <= 0 || len(vector) == 0 {
		return []domain.ScoredItem{}, nil
	}

	rows, err := q.db.Query(ctx, `
		SELECT `+hitColumns+`, i.embedding <=> $2 AS distance
		FROM item i
		WHERE i.project_id = $1 AND NOT i.is_deleted
		ORDER BY distance, i.id
		LIMIT $3`,
		projectID, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("failed to run dense search: %w", err)
	}
	return collectHits(rows)
}

func (q *queries) SearchLexical(ctx context.Context, projectID int64, tokens []string, topK int) ([]domain.ScoredItem, error) {
	if topK <= 0 || len(tokens) == 0 {
		return []domain.ScoredItem{}, nil
	}

	rows, err := q.db.Query(ctx, `
		SELECT `+hitColumns+`, ts_rank_cd(i.fts, query)::float8 AS rank
		FROM item i, plainto_tsquery('simple', $2) query
		WHERE i.project_id = $1 AND NOT i.is_deleted AND i.fts @@ query
		ORDER BY rank DESC, i.id
		LIMIT $3`,
		projectID, strings.Join(tokens, " "), topK)
	if err != nil {
		return nil, fmt.Errorf("failed to run lexical search: %w", err)
	}
	return collectHits(rows)
}

func collectHits(rows pgx.Rows) ([]domain.ScoredItem, error) {
	defer rows.Close()

	hits := []domain.ScoredItem{}
	for rows.Next() {
		var h domain.ScoredItem
		if err := rows.Scan(&h.ID, &h.KBID, &h.ChunkIndex, &h.Text, &h.Question, &h.Answer,
			&h.Source, &h.Date, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
