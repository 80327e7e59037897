package storagetest

import (
	"context"
	"time"

	"github.com/moyitech/vdb-center/internal/domain"
)

// read runs fn against the committed state without copying it.
func (m *Memory) read(ctx context.Context, fn func(*memTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{m: m, st: m.st, readOnly: true})
}

func (m *Memory) CreateKnowledgeBase(ctx context.Context, kb domain.NewKnowledgeBase) (id int64, err error) {
	err = m.do(ctx, func(tx *memTx) error {
		id, err = tx.CreateKnowledgeBase(ctx, kb)
		return err
	})
	return id, err
}

func (m *Memory) GetOrCreateQAKnowledgeBase(ctx context.Context, projectID int64) (id int64, err error) {
	err = m.do(ctx, func(tx *memTx) error {
		id, err = tx.GetOrCreateQAKnowledgeBase(ctx, projectID)
		return err
	})
	return id, err
}

func (m *Memory) FindQAKnowledgeBase(ctx context.Context, projectID int64) (id int64, found bool, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		id, found, err = tx.FindQAKnowledgeBase(ctx, projectID)
		return err
	})
	return id, found, err
}

func (m *Memory) UpdateIngestStatus(ctx context.Context, kbID, projectID int64, status domain.IngestStatus, counts *domain.StatusCounts) error {
	return m.do(ctx, func(tx *memTx) error {
		return tx.UpdateIngestStatus(ctx, kbID, projectID, status, counts)
	})
}

func (m *Memory) UpdateSourceAndDate(ctx context.Context, kbID, projectID int64, source *string, date *time.Time) error {
	return m.do(ctx, func(tx *memTx) error {
		return tx.UpdateSourceAndDate(ctx, kbID, projectID, source, date)
	})
}

func (m *Memory) SourceExists(ctx context.Context, projectID int64, source string) (exists bool, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		exists, err = tx.SourceExists(ctx, projectID, source)
		return err
	})
	return exists, err
}

func (m *Memory) SoftDeleteKnowledgeBase(ctx context.Context, kbID, projectID int64, opts domain.DeleteOptions) (res domain.DeleteResult, err error) {
	err = m.do(ctx, func(tx *memTx) error {
		res, err = tx.SoftDeleteKnowledgeBase(ctx, kbID, projectID, opts)
		return err
	})
	return res, err
}

func (m *Memory) RestoreKnowledgeBase(ctx context.Context, kbID, projectID int64) (ok bool, err error) {
	err = m.do(ctx, func(tx *memTx) error {
		ok, err = tx.RestoreKnowledgeBase(ctx, kbID, projectID)
		return err
	})
	return ok, err
}

func (m *Memory) ListKnowledgeBases(ctx context.Context, projectID int64) (out []domain.KBSummary, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		out, err = tx.ListKnowledgeBases(ctx, projectID)
		return err
	})
	return out, err
}

func (m *Memory) SearchKnowledgeBasesBySource(ctx context.Context, projectID int64, keyword string) (out []domain.KBSummary, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		out, err = tx.SearchKnowledgeBasesBySource(ctx, projectID, keyword)
		return err
	})
	return out, err
}

func (m *Memory) GetTaskStatus(ctx context.Context, projectID, kbID int64) (out *domain.KBSummary, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		out, err = tx.GetTaskStatus(ctx, projectID, kbID)
		return err
	})
	return out, err
}

func (m *Memory) ListStaleIngesting(ctx context.Context, olderThan time.Time) (out []domain.KnowledgeBase, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		out, err = tx.ListStaleIngesting(ctx, olderThan)
		return err
	})
	return out, err
}

func (m *Memory) NextChunkIndex(ctx context.Context, kbID, projectID int64) (next int, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		next, err = tx.NextChunkIndex(ctx, kbID, projectID)
		return err
	})
	return next, err
}

func (m *Memory) ExistingOriginTexts(ctx context.Context, kbID, projectID int64, texts []string) (out map[string]struct{}, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		out, err = tx.ExistingOriginTexts(ctx, kbID, projectID, texts)
		return err
	})
	return out, err
}

func (m *Memory) UpsertChunks(ctx context.Context, kbID, projectID int64, rows []domain.ChunkRow) error {
	return m.do(ctx, func(tx *memTx) error {
		return tx.UpsertChunks(ctx, kbID, projectID, rows)
	})
}

func (m *Memory) GetItem(ctx context.Context, kbID, projectID, itemID int64) (out *domain.Item, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		out, err = tx.GetItem(ctx, kbID, projectID, itemID)
		return err
	})
	return out, err
}

func (m *Memory) ItemIDByChunkIndex(ctx context.Context, kbID, projectID int64, chunkIndex int) (id int64, found bool, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		id, found, err = tx.ItemIDByChunkIndex(ctx, kbID, projectID, chunkIndex)
		return err
	})
	return id, found, err
}

func (m *Memory) UpdateItem(ctx context.Context, kbID, projectID int64, upd domain.ItemUpdate) (ok bool, err error) {
	err = m.do(ctx, func(tx *memTx) error {
		ok, err = tx.UpdateItem(ctx, kbID, projectID, upd)
		return err
	})
	return ok, err
}

func (m *Memory) SoftDeleteItemsByIDs(ctx context.Context, kbID, projectID int64, ids []int64) (n int, err error) {
	err = m.do(ctx, func(tx *memTx) error {
		n, err = tx.SoftDeleteItemsByIDs(ctx, kbID, projectID, ids)
		return err
	})
	return n, err
}

func (m *Memory) SoftDeleteItemsByChunkIndexes(ctx context.Context, kbID, projectID int64, indexes []int) (n int, err error) {
	err = m.do(ctx, func(tx *memTx) error {
		n, err = tx.SoftDeleteItemsByChunkIndexes(ctx, kbID, projectID, indexes)
		return err
	})
	return n, err
}

func (m *Memory) RestoreItems(ctx context.Context, kbID, projectID int64) (n int, err error) {
	err = m.do(ctx, func(tx *memTx) error {
		n, err = tx.RestoreItems(ctx, kbID, projectID)
		return err
	})
	return n, err
}

func (m *Memory) ListItems(ctx context.Context, kbID, projectID int64, page, pageSize int) (items []domain.Item, total int, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		items, total, err = tx.ListItems(ctx, kbID, projectID, page, pageSize)
		return err
	})
	return items, total, err
}

func (m *Memory) SearchDense(ctx context.Context, projectID int64, vector []float32, topK int) (out []domain.ScoredItem, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		out, err = tx.SearchDense(ctx, projectID, vector, topK)
		return err
	})
	return out, err
}

func (m *Memory) SearchLexical(ctx context.Context, projectID int64, tokens []string, topK int) (out []domain.ScoredItem, err error) {
	err = m.read(ctx, func(tx *memTx) error {
		out, err = tx.SearchLexical(ctx, projectID, tokens, topK)
		return err
	})
	return out, err
}
