package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/storage/storagetest"
	"github.com/moyitech/vdb-center/internal/tokenizer"
)

func newQAService(store *storagetest.Memory, embedder *fakeEmbedder) *QAService {
	return NewQAService(store, embedder, tokenizer.New())
}

func TestAddItemCreatesQAKnowledgeBase(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	svc := newQAService(store, &fakeEmbedder{})

	first, err := svc.AddItem(ctx, QAPair{ProjectID: projectID, Question: "How to reset?", Answer: "Hold the button."})
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.Equal(t, 0, first.ChunkIndex)
	assert.NotZero(t, first.ItemID)

	second, err := svc.AddItem(ctx, QAPair{ProjectID: projectID, Question: "Warranty?", Answer: "Two years."})
	require.NoError(t, err)
	assert.Equal(t, first.KBID, second.KBID)
	assert.Equal(t, 1, second.ChunkIndex)

	kb, ok := store.KnowledgeBase(first.KBID)
	require.True(t, ok)
	assert.True(t, kb.QAItems)
	assert.Equal(t, domain.StatusSucceeded, kb.IngestStatus)

	item, ok := store.Item(first.ItemID)
	require.True(t, ok)
	assert.Equal(t, "How to reset?\nHold the button.", item.OriginText)
	assert.Equal(t, "How to reset?", *item.Question)
}

func TestAddItemSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	embedder := &fakeEmbedder{}
	svc := newQAService(store, embedder)

	pair := QAPair{ProjectID: projectID, Question: "q", Answer: "a"}
	_, err := svc.AddItem(ctx, pair)
	require.NoError(t, err)

	pair.Question = "  q\x00 "
	res, err := svc.AddItem(ctx, pair)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipReasonDuplicate, res.Reason)
	assert.Len(t, embedder.callSizes(), 1, "duplicates are not embedded")
	assert.Len(t, store.LiveItems(res.KBID), 1)

	kb, _ := store.KnowledgeBase(res.KBID)
	assert.Equal(t, domain.StatusSucceeded, kb.IngestStatus)
}

func TestAddItemValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	svc := newQAService(store, &fakeEmbedder{})

	_, err := svc.AddItem(ctx, QAPair{ProjectID: projectID, Question: " ", Answer: "a"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.AddItem(ctx, QAPair{ProjectID: 0, Question: "q", Answer: "a"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, found, err := store.FindQAKnowledgeBase(ctx, projectID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAddItemEmbeddingFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	svc := newQAService(store, &fakeEmbedder{embed: func([]string) ([][]float32, error) {
		return nil, errors.New("timeout")
	}})

	_, err := svc.AddItem(ctx, QAPair{ProjectID: projectID, Question: "q", Answer: "a"})
	assert.ErrorIs(t, err, domain.ErrExternalService)

	kbID, found, err := store.FindQAKnowledgeBase(ctx, projectID)
	require.NoError(t, err)
	require.True(t, found)
	kb, _ := store.KnowledgeBase(kbID)
	assert.Equal(t, domain.StatusFailed, kb.IngestStatus)
	assert.Empty(t, store.LiveItems(kbID))
}

func TestConcurrentAddItemsGetDistinctIndexes(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	svc := newQAService(store, &fakeEmbedder{})

	const n = 10
	var wg sync.WaitGroup
	results := make([]*AddItemResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.AddItem(ctx, QAPair{
				ProjectID: projectID,
				Question:  fmt.Sprintf("question %d", i),
				Answer:    "answer",
			})
		}(i)
	}
	wg.Wait()

	indexes := make([]int, 0, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].KBID, results[i].KBID)
		indexes = append(indexes, results[i].ChunkIndex)
	}
	sort.Ints(indexes)
	for i, idx := range indexes {
		assert.Equal(t, i, idx)
	}
}

func TestAddItemDuringAppendRunKeepsItsIndex(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	kbID, err := store.GetOrCreateQAKnowledgeBase(ctx, projectID)
	require.NoError(t, err)

	svc := newQAService(store, &fakeEmbedder{})
	var added *AddItemResult
	var calls int
	bulk := &fakeEmbedder{embed: func(texts []string) ([][]float32, error) {
		calls++
		if calls == 2 {
			res, err := svc.AddItem(ctx, QAPair{ProjectID: projectID, Question: "live q", Answer: "live a"})
			require.NoError(t, err)
			added = res
		}
		return vectorsFor(texts), nil
	}}

	res := newOrchestrator(store, bulk, WithBatchSizes(2, 2)).Run(ctx, RunRequest{
		KBID:              kbID,
		ProjectID:         projectID,
		Segments:          TextSegments("b0", "b1", "b2", "b3"),
		AppendToExisting:  true,
		DedupByOriginText: true,
	})
	require.True(t, res.OK, res.Message)
	require.NotNil(t, added)
	assert.Equal(t, 2, added.ChunkIndex)

	byIndex := map[int]string{}
	for _, item := range store.LiveItems(kbID) {
		byIndex[item.ChunkIndex] = item.OriginText
	}
	assert.Equal(t, map[int]string{
		0: "b0",
		1: "b1",
		2: domain.QAOriginText("live q", "live a"),
		3: "b2",
		4: "b3",
	}, byIndex)
}

func TestUpdateItem(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	svc := newQAService(store, &fakeEmbedder{})

	added, err := svc.AddItem(ctx, QAPair{ProjectID: projectID, Question: "q", Answer: "a"})
	require.NoError(t, err)

	item, err := svc.UpdateItem(ctx, UpdateItemRequest{
		QAPair: QAPair{ProjectID: projectID, Question: "new question", Answer: "new answer"},
		ItemID: added.ItemID,
	})
	require.NoError(t, err)
	assert.Equal(t, "new question\nnew answer", item.OriginText)
	assert.Equal(t, "new answer", *item.Answer)
	assert.Equal(t, added.ChunkIndex, item.ChunkIndex)
}

func TestUpdateMissingItemLeavesStatusAlone(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	embedder := &fakeEmbedder{}
	svc := newQAService(store, embedder)

	added, err := svc.AddItem(ctx, QAPair{ProjectID: projectID, Question: "q", Answer: "a"})
	require.NoError(t, err)

	_, err = svc.UpdateItem(ctx, UpdateItemRequest{
		QAPair: QAPair{ProjectID: projectID, Question: "q2", Answer: "a2"},
		ItemID: added.ItemID + 100,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, embedder.callSizes(), 1)

	kb, _ := store.KnowledgeBase(added.KBID)
	assert.Equal(t, domain.StatusSucceeded, kb.IngestStatus)

	_, err = svc.UpdateItem(ctx, UpdateItemRequest{
		QAPair: QAPair{ProjectID: storagetest.NewProjectID(), Question: "q", Answer: "a"},
		ItemID: added.ItemID,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound, "project without a qa knowledge base")
}

func TestDeleteItems(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	svc := newQAService(store, &fakeEmbedder{})

	var ids []int64
	for _, q := range []string{"q1", "q2", "q3"} {
		res, err := svc.AddItem(ctx, QAPair{ProjectID: projectID, Question: q, Answer: "a"})
		require.NoError(t, err)
		ids = append(ids, res.ItemID)
	}

	res, err := svc.DeleteItem(ctx, projectID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedCount)

	_, err = svc.DeleteItem(ctx, projectID, ids[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)

	batch, err := svc.DeleteItems(ctx, projectID, []int64{ids[0], ids[1], ids[2], 9999})
	require.NoError(t, err)
	assert.Equal(t, 4, batch.RequestedCount)
	assert.Equal(t, 2, batch.DeletedCount)
	assert.Empty(t, store.LiveItems(batch.KBID))

	kb, _ := store.KnowledgeBase(batch.KBID)
	assert.Equal(t, domain.StatusSucceeded, kb.IngestStatus)

	_, err = svc.DeleteItems(ctx, projectID, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.DeleteItem(ctx, storagetest.NewProjectID(), 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListItemsPaginates(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	svc := newQAService(store, &fakeEmbedder{})

	empty, err := svc.ListItems(ctx, projectID, 1, 20)
	require.NoError(t, err)
	assert.Nil(t, empty.KBID)
	assert.Equal(t, 0, empty.TotalPages)
	assert.Empty(t, empty.Items)

	for _, q := range []string{"q1", "q2", "q3"} {
		_, err := svc.AddItem(ctx, QAPair{ProjectID: projectID, Question: q, Answer: "a"})
		require.NoError(t, err)
	}

	page, err := svc.ListItems(ctx, projectID, 2, 2)
	require.NoError(t, err)
	require.NotNil(t, page.KBID)
	assert.Equal(t, 3, page.TotalCount)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Items[0].ChunkIndex)

	_, err = svc.ListItems(ctx, projectID, 0, 2)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.ListItems(ctx, projectID, 1, MaxPageSize+1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
