package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/pkg/logger"
)

// chunkIndexLockSpace is the first key of the two-key advisory lock guarding a
// knowledge base's index allocation. The two-key space is disjoint from the
// single-key project locks.
const chunkIndexLockSpace = 1

// NextChunkIndex holds the knowledge base's allocation lock until the
// surrounding transaction ends, so writers that allocate and upsert in one
// transaction never hand out the same index.
func (q *queries) NextChunkIndex(ctx context.Context, kbID, projectID int64) (int, error) {
	if _, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2::text))`,
		chunkIndexLockSpace, kbID); err != nil {
		return 0, fmt.Errorf("failed to lock chunk index allocation: %w", err)
	}

	// A separate statement, so the snapshot is taken after the lock is held.
	var next int
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(chunk_index), -1) + 1 FROM item
		WHERE kb_id = $1 AND project_id = $2`, kbID, projectID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to get next chunk index: %w", err)
	}
	return next, nil
}

func (q *queries) ExistingOriginTexts(ctx context.Context, kbID, projectID int64, texts []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(texts) == 0 {
		return existing, nil
	}

	rows, err := q.db.Query(ctx, `
		SELECT DISTINCT origin_text FROM item
		WHERE kb_id = $1 AND project_id = $2 AND NOT is_deleted AND origin_text = ANY($3)`,
		kbID, projectID, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to query origin texts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("failed to scan origin text: %w", err)
		}
		existing[text] = struct{}{}
	}
	return existing, rows.Err()
}

const upsertChunkSQL = `
	INSERT INTO item (project_id, kb_id, chunk_index, origin_text, question, answer, source, date, embedding, fts)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, to_tsvector('simple', $10))
	ON CONFLICT (kb_id, chunk_index) DO UPDATE SET
		project_id = EXCLUDED.project_id,
		origin_text = EXCLUDED.origin_text,
		question = EXCLUDED.question,
		answer = EXCLUDED.answer,
		source = EXCLUDED.source,
		date = EXCLUDED.date,
		embedding = EXCLUDED.embedding,
		fts = EXCLUDED.fts,
		is_deleted = FALSE,
		update_time = now()`

func (q *queries) UpsertChunks(ctx context.Context, kbID, projectID int64, rows []domain.ChunkRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		if row.ChunkIndex < 0 {
			return domain.Validationf("chunk_index must be non-negative, got %d", row.ChunkIndex)
		}
		batch.Queue(upsertChunkSQL,
			projectID, kbID, row.ChunkIndex, row.OriginText,
			row.Question, row.Answer, row.Source, row.Date,
			pgvector.NewVector(row.Embedding), row.Lexical,
		)
	}

	br := q.db.SendBatch(ctx, batch)
	for _, row := range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert chunk %d: %w", row.ChunkIndex, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}

	logger.Debug("Chunks upserted", zap.Int64("kb_id", kbID), zap.Int("count", len(rows)))
	return nil
}

const itemColumns = `id, project_id, kb_id, chunk_index, origin_text, question, answer, source, date,
	is_deleted, create_time, update_time`

func scanItem(row pgx.Row, extra ...any) (domain.Item, error) {
	var item domain.Item
	dest := append([]any{
		&item.ID, &item.ProjectID, &item.KBID, &item.ChunkIndex, &item.OriginText,
		&item.Question, &item.Answer, &item.Source, &item.Date,
		&item.IsDeleted, &item.CreateTime, &item.UpdateTime,
	}, extra...)
	err := row.Scan(dest...)
	return item, err
}

func (q *queries) GetItem(ctx context.Context, kbID, projectID, itemID int64) (*domain.Item, error) {
	var embedding pgvector.Vector
	item, err := scanItem(q.db.QueryRow(ctx, `
		SELECT `+itemColumns+`, embedding FROM item
		WHERE id = $1 AND kb_id = $2 AND project_id = $3 AND NOT is_deleted`,
		itemID, kbID, projectID), &embedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	item.Embedding = embedding.Slice()
	return &item, nil
}

func (q *queries) ItemIDByChunkIndex(ctx context.Context, kbID, projectID int64, chunkIndex int) (int64, bool, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		SELECT id FROM item WHERE kb_id = $1 AND project_id = $2 AND chunk_index = $3`,
		kbID, projectID, chunkIndex).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get item id: %w", err)
	}
	return id, true, nil
}

func (q *queries) UpdateItem(ctx context.Context, kbID, projectID int64, upd domain.ItemUpdate) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE item SET
			question = $4,
			answer = $5,
			origin_text = $6,
			embedding = $7,
			fts = to_tsvector('simple', $8),
			update_time = now()
		WHERE id = $1 AND kb_id = $2 AND project_id = $3 AND NOT is_deleted`,
		upd.ItemID, kbID, projectID, upd.Question, upd.Answer, upd.OriginText,
		pgvector.NewVector(upd.Embedding), upd.Lexical,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *queries) SoftDeleteItemsByIDs(ctx context.Context, kbID, projectID int64, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE item SET is_deleted = TRUE, update_time = now()
		WHERE kb_id = $1 AND project_id = $2 AND id = ANY($3) AND NOT is_deleted`,
		kbID, projectID, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *queries) SoftDeleteItemsByChunkIndexes(ctx context.Context, kbID, projectID int64, indexes []int) (int, error) {
	if len(indexes) == 0 {
		return 0, nil
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE item SET is_deleted = TRUE, update_time = now()
		WHERE kb_id = $1 AND project_id = $2 AND chunk_index = ANY($3) AND NOT is_deleted`,
		kbID, projectID, indexes)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *queries) RestoreItems(ctx context.Context, kbID, projectID int64) (int, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE item SET is_deleted = FALSE, update_time = now()
		WHERE kb_id = $1 AND project_id = $2 AND is_deleted`, kbID, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to restore items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *queries) ListItems(ctx context.Context, kbID, projectID int64, page, pageSize int) ([]domain.Item, int, error) {
	if page < 1 || pageSize < 1 {
		return nil, 0, domain.Validationf("page and page_size must be positive")
	}

	var total int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM item WHERE kb_id = $1 AND project_id = $2 AND NOT is_deleted`,
		kbID, projectID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count items: %w", err)
	}

	rows, err := q.db.Query(ctx, `
		SELECT `+itemColumns+` FROM item
		WHERE kb_id = $1 AND project_id = $2 AND NOT is_deleted
		ORDER BY chunk_index
		LIMIT $3 OFFSET $4`,
		kbID, projectID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []domain.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}
