package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/storage"
)

var projectSeq atomic.Int64

func init() {
	projectSeq.Store(time.Now().UnixNano() % 1_000_000_000 * 1000)
}

// NewProjectID returns a project id unused by earlier calls in this process,
// so suites can share a database without truncating it.
func NewProjectID() int64 {
	return projectSeq.Add(1)
}

// Vector returns a dim-sized vector with weight on axis i, usable as a
// distinct direction for cosine search.
func Vector(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis%dim] = 1
	return v
}

func ptr[T any](v T) *T { return &v }

func newKB(t *testing.T, ctx context.Context, s storage.Store, projectID int64, source string, status domain.IngestStatus) int64 {
	t.Helper()
	var src *string
	if source != "" {
		src = ptr(source)
	}
	id, err := s.CreateKnowledgeBase(ctx, domain.NewKnowledgeBase{
		ProjectID: projectID,
		FileName:  ptr("doc.txt"),
		Source:    src,
		Status:    status,
	})
	require.NoError(t, err)
	return id
}

func rows(dim int, start int, texts ...string) []domain.ChunkRow {
	out := make([]domain.ChunkRow, len(texts))
	for i, text := range texts {
		out[i] = domain.ChunkRow{
			ChunkIndex: start + i,
			OriginText: text,
			Embedding:  Vector(dim, start+i),
			Lexical:    text,
		}
	}
	return out
}

// RunConformance exercises the storage contract. newStore must return a
// store whose item table accepts vectors of dimension dim.
func RunConformance(t *testing.T, dim int, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()

	t.Run("CreateRejectsInvalidStatus", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateKnowledgeBase(ctx, domain.NewKnowledgeBase{ProjectID: NewProjectID(), Status: "pending"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("UpsertIsIdempotentAndResurrects", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		kb := newKB(t, ctx, s, pid, "", domain.StatusIngesting)

		require.NoError(t, s.UpsertChunks(ctx, kb, pid, rows(dim, 0, "alpha", "beta")))
		require.NoError(t, s.UpsertChunks(ctx, kb, pid, rows(dim, 0, "alpha", "beta v2")))

		items, total, err := s.ListItems(ctx, kb, pid, 1, 10)
		require.NoError(t, err)
		require.Equal(t, 2, total)
		assert.Equal(t, "beta v2", items[1].OriginText)

		n, err := s.SoftDeleteItemsByChunkIndexes(ctx, kb, pid, []int{0})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.SoftDeleteItemsByChunkIndexes(ctx, kb, pid, []int{0})
		require.NoError(t, err)
		assert.Zero(t, n, "deleting a deleted chunk is a no-op")

		require.NoError(t, s.UpsertChunks(ctx, kb, pid, rows(dim, 0, "alpha again")))
		items, total, err = s.ListItems(ctx, kb, pid, 1, 10)
		require.NoError(t, err)
		require.Equal(t, 2, total)
		assert.Equal(t, "alpha again", items[0].OriginText)
		assert.False(t, items[0].IsDeleted)
	})

	t.Run("NextChunkIndexNeverReusesDeletedSlots", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		kb := newKB(t, ctx, s, pid, "", domain.StatusIngesting)

		next, err := s.NextChunkIndex(ctx, kb, pid)
		require.NoError(t, err)
		assert.Equal(t, 0, next)

		require.NoError(t, s.UpsertChunks(ctx, kb, pid, rows(dim, 0, "a", "b", "c")))
		items, _, err := s.ListItems(ctx, kb, pid, 1, 10)
		require.NoError(t, err)
		ids := make([]int64, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		n, err := s.SoftDeleteItemsByIDs(ctx, kb, pid, ids)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		next, err = s.NextChunkIndex(ctx, kb, pid)
		require.NoError(t, err)
		assert.Equal(t, 3, next)

		n, err = s.SoftDeleteItemsByIDs(ctx, kb, pid, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ExistingOriginTextsIgnoresDeleted", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		kb := newKB(t, ctx, s, pid, "", domain.StatusIngesting)
		require.NoError(t, s.UpsertChunks(ctx, kb, pid, rows(dim, 0, "x", "y")))
		_, err := s.SoftDeleteItemsByChunkIndexes(ctx, kb, pid, []int{1})
		require.NoError(t, err)

		existing, err := s.ExistingOriginTexts(ctx, kb, pid, []string{"x", "y", "z"})
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"x": {}}, existing)

		existing, err = s.ExistingOriginTexts(ctx, kb, pid, nil)
		require.NoError(t, err)
		assert.Empty(t, existing)
	})

	t.Run("QASingletonUnderConcurrency", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()

		const n = 8
		ids := make([]int64, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids[i], errs[i] = s.GetOrCreateQAKnowledgeBase(ctx, pid)
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
		}

		found, ok, err := s.FindQAKnowledgeBase(ctx, pid)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, ids[0], found)

		status, err := s.GetTaskStatus(ctx, pid, ids[0])
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.True(t, status.QAItems)
		assert.Equal(t, domain.StatusSucceeded, status.IngestStatus)

		list, err := s.ListKnowledgeBases(ctx, pid)
		require.NoError(t, err)
		assert.Empty(t, list, "qa knowledge base is not listed")
	})

	t.Run("DeleteIsReasonCoded", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		opts := domain.DefaultDeleteOptions()

		res, err := s.SoftDeleteKnowledgeBase(ctx, 1<<40, pid, opts)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonNotFound, res.Reason)

		qa, err := s.GetOrCreateQAKnowledgeBase(ctx, pid)
		require.NoError(t, err)
		res, err = s.SoftDeleteKnowledgeBase(ctx, qa, pid, opts)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonQAKBForbidden, res.Reason)
		assert.False(t, res.KBDeleted)

		ingesting := newKB(t, ctx, s, pid, "", domain.StatusIngesting)
		res, err = s.SoftDeleteKnowledgeBase(ctx, ingesting, pid, opts)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonIngestingForbidden, res.Reason)

		kb := newKB(t, ctx, s, pid, "", domain.StatusSucceeded)
		require.NoError(t, s.UpsertChunks(ctx, kb, pid, rows(dim, 0, "a", "b", "c")))
		_, err = s.SoftDeleteItemsByChunkIndexes(ctx, kb, pid, []int{2})
		require.NoError(t, err)

		res, err = s.SoftDeleteKnowledgeBase(ctx, kb, pid, opts)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonDeleted, res.Reason)
		assert.True(t, res.KBDeleted)
		assert.Equal(t, 2, res.ItemDeletedCount)

		gone, err := s.GetTaskStatus(ctx, pid, kb)
		require.NoError(t, err)
		assert.Nil(t, gone, "deleted knowledge bases have no task status")

		res, err = s.SoftDeleteKnowledgeBase(ctx, kb, pid, opts)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonAlreadyDeleted, res.Reason)

		res, err = s.SoftDeleteKnowledgeBase(ctx, kb, NewProjectID(), opts)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonNotFound, res.Reason, "other projects cannot see the row")

		restored, err := s.RestoreKnowledgeBase(ctx, kb, pid)
		require.NoError(t, err)
		assert.True(t, restored)
		status, err := s.GetTaskStatus(ctx, pid, kb)
		require.NoError(t, err)
		assert.False(t, status.IsDeleted)
		assert.Equal(t, 3, status.ChunkCount)

		restored, err = s.RestoreKnowledgeBase(ctx, kb, pid)
		require.NoError(t, err)
		assert.False(t, restored)
	})

	t.Run("UpdateIngestStatus", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		kb := newKB(t, ctx, s, pid, "", domain.StatusIngesting)

		require.NoError(t, s.UpdateIngestStatus(ctx, kb, pid, domain.StatusSucceeded, &domain.StatusCounts{Success: 3, Failed: -2}))
		status, err := s.GetTaskStatus(ctx, pid, kb)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSucceeded, status.IngestStatus)
		assert.Equal(t, 3, status.SuccessCount)
		assert.Zero(t, status.FailedCount)

		require.NoError(t, s.UpdateIngestStatus(ctx, kb, pid, domain.StatusIngesting, nil))
		status, err = s.GetTaskStatus(ctx, pid, kb)
		require.NoError(t, err)
		assert.Equal(t, 3, status.SuccessCount, "nil counts keep stored values")

		err = s.UpdateIngestStatus(ctx, kb, pid, "done", nil)
		assert.ErrorIs(t, err, domain.ErrValidation)

		err = s.UpdateIngestStatus(ctx, kb, NewProjectID(), domain.StatusFailed, nil)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		missing, err := s.GetTaskStatus(ctx, pid, 1<<40)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("ListAndSearchBySource", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		a := newKB(t, ctx, s, pid, "Annual Report 2024", domain.StatusSucceeded)
		newKB(t, ctx, s, pid, "pricing_100%", domain.StatusSucceeded)
		require.NoError(t, s.UpsertChunks(ctx, a, pid, rows(dim, 0, "one", "two")))

		list, err := s.ListKnowledgeBases(ctx, pid)
		require.NoError(t, err)
		require.Len(t, list, 2)

		found, err := s.SearchKnowledgeBasesBySource(ctx, pid, "annual")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, a, found[0].ID)
		assert.Equal(t, 2, found[0].ChunkCount)

		found, err = s.SearchKnowledgeBasesBySource(ctx, pid, "0%")
		require.NoError(t, err)
		assert.Len(t, found, 1)

		found, err = s.SearchKnowledgeBasesBySource(ctx, pid, "   ")
		require.NoError(t, err)
		assert.NotNil(t, found)
		assert.Empty(t, found)

		exists, err := s.SourceExists(ctx, pid, " Annual Report 2024 ")
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = s.SourceExists(ctx, pid, "annual report 2024")
		require.NoError(t, err)
		assert.False(t, exists)

		date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpdateSourceAndDate(ctx, a, pid, ptr("Renamed"), &date))
		status, err := s.GetTaskStatus(ctx, pid, a)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", *status.Source)
		require.NotNil(t, status.Date)
		assert.Equal(t, 1, status.Date.Day())
	})

	t.Run("ItemLookupAndUpdate", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		kb := newKB(t, ctx, s, pid, "", domain.StatusSucceeded)
		require.NoError(t, s.UpsertChunks(ctx, kb, pid, rows(dim, 0, "q1\na1")))

		id, found, err := s.ItemIDByChunkIndex(ctx, kb, pid, 0)
		require.NoError(t, err)
		require.True(t, found)

		item, err := s.GetItem(ctx, kb, pid, id)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Len(t, item.Embedding, dim)

		ok, err := s.UpdateItem(ctx, kb, pid, domain.ItemUpdate{
			ItemID:     id,
			Question:   ptr("q2"),
			Answer:     ptr("a2"),
			OriginText: "q2\na2",
			Embedding:  Vector(dim, 5),
			Lexical:    "q2 a2",
		})
		require.NoError(t, err)
		assert.True(t, ok)

		item, err = s.GetItem(ctx, kb, pid, id)
		require.NoError(t, err)
		assert.Equal(t, "q2\na2", item.OriginText)
		assert.Equal(t, "q2", *item.Question)

		_, err = s.SoftDeleteItemsByIDs(ctx, kb, pid, []int64{id})
		require.NoError(t, err)
		item, err = s.GetItem(ctx, kb, pid, id)
		require.NoError(t, err)
		assert.Nil(t, item)

		ok, err = s.UpdateItem(ctx, kb, pid, domain.ItemUpdate{ItemID: id, OriginText: "x", Embedding: Vector(dim, 1)})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ListItemsPaginates", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		kb := newKB(t, ctx, s, pid, "", domain.StatusSucceeded)
		require.NoError(t, s.UpsertChunks(ctx, kb, pid, rows(dim, 0, "a", "b", "c", "d", "e")))

		items, total, err := s.ListItems(ctx, kb, pid, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, items, 2)
		assert.Equal(t, 2, items[0].ChunkIndex)
		assert.Equal(t, 3, items[1].ChunkIndex)

		items, total, err = s.ListItems(ctx, kb, pid, 4, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Empty(t, items)

		_, _, err = s.ListItems(ctx, kb, pid, 0, 2)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("DenseAndLexicalSearch", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		other := NewProjectID()
		kb := newKB(t, ctx, s, pid, "", domain.StatusSucceeded)
		foreign := newKB(t, ctx, s, other, "", domain.StatusSucceeded)

		require.NoError(t, s.UpsertChunks(ctx, kb, pid, rows(dim, 0, "red apple", "green apple", "blue sky")))
		require.NoError(t, s.UpsertChunks(ctx, foreign, other, rows(dim, 0, "red apple")))

		dense, err := s.SearchDense(ctx, pid, Vector(dim, 1), 2)
		require.NoError(t, err)
		require.Len(t, dense, 2)
		assert.Equal(t, "green apple", dense[0].Text)
		assert.InDelta(t, 0, dense[0].Score, 1e-6)
		assert.LessOrEqual(t, dense[0].Score, dense[1].Score)

		lexical, err := s.SearchLexical(ctx, pid, []string{"apple"}, 10)
		require.NoError(t, err)
		assert.Len(t, lexical, 2)
		for _, h := range lexical {
			assert.Equal(t, kb, h.KBID)
		}

		lexical, err = s.SearchLexical(ctx, pid, []string{"red", "apple"}, 10)
		require.NoError(t, err)
		require.Len(t, lexical, 1)
		assert.Equal(t, "red apple", lexical[0].Text)

		_, err = s.SoftDeleteItemsByChunkIndexes(ctx, kb, pid, []int{0})
		require.NoError(t, err)
		lexical, err = s.SearchLexical(ctx, pid, []string{"red"}, 10)
		require.NoError(t, err)
		assert.Empty(t, lexical)

		empty, err := s.SearchDense(ctx, pid, Vector(dim, 0), 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("WithTxRollsBackOnError", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		kb := newKB(t, ctx, s, pid, "", domain.StatusIngesting)
		boom := errors.New("boom")

		err := s.WithTx(ctx, func(tx storage.Tx) error {
			if err := tx.UpsertChunks(ctx, kb, pid, rows(dim, 0, "a")); err != nil {
				return err
			}
			if err := tx.UpdateIngestStatus(ctx, kb, pid, domain.StatusSucceeded, nil); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		status, err := s.GetTaskStatus(ctx, pid, kb)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusIngesting, status.IngestStatus)
		assert.Zero(t, status.ChunkCount)
	})

	t.Run("ListStaleIngesting", func(t *testing.T) {
		s := newStore(t)
		pid := NewProjectID()
		stale := newKB(t, ctx, s, pid, "", domain.StatusIngesting)
		newKB(t, ctx, s, pid, "", domain.StatusSucceeded)

		found, err := s.ListStaleIngesting(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		ids := map[int64]bool{}
		for _, kb := range found {
			if kb.ProjectID == pid {
				ids[kb.ID] = true
			}
		}
		assert.Equal(t, map[int64]bool{stale: true}, ids)
	})
}
