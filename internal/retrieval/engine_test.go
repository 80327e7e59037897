package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/storage/storagetest"
	"github.com/moyitech/vdb-center/internal/tokenizer"
)

const testDim = 4

type stubEmbedder struct {
	calls  int
	vector []float32
	err    error
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vector
	}
	return out, nil
}

type fixture struct {
	store     *storagetest.Memory
	projectID int64
	kbID      int64
	ids       map[string]int64
}

// seed writes texts at chunk indexes 0..n-1 with the given axis vectors.
func seed(t *testing.T, texts []string, axes []int) fixture {
	t.Helper()
	ctx := context.Background()
	store := storagetest.NewMemory()
	projectID := storagetest.NewProjectID()
	kbID, err := store.CreateKnowledgeBase(ctx, domain.NewKnowledgeBase{ProjectID: projectID, Status: domain.StatusSucceeded})
	require.NoError(t, err)

	tok := tokenizer.New()
	rows := make([]domain.ChunkRow, len(texts))
	for i, text := range texts {
		rows[i] = domain.ChunkRow{
			ChunkIndex: i,
			OriginText: text,
			Embedding:  storagetest.Vector(testDim, axes[i]),
			Lexical:    tok.Join(text),
		}
	}
	require.NoError(t, store.UpsertChunks(ctx, kbID, projectID, rows))

	ids := make(map[string]int64, len(texts))
	for _, item := range store.LiveItems(kbID) {
		ids[item.OriginText] = item.ID
	}
	return fixture{store: store, projectID: projectID, kbID: kbID, ids: ids}
}

func hitIDs(hits []domain.ScoredItem) []int64 {
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

func TestMergeKeepsDenseOrderAndAppendsNewLexicalHits(t *testing.T) {
	a := domain.ScoredItem{ID: 1, Score: 0.1}
	b := domain.ScoredItem{ID: 2, Score: 0.2}
	c := domain.ScoredItem{ID: 3, Score: 9}

	merged := Merge([]domain.ScoredItem{a, b}, []domain.ScoredItem{{ID: 2, Score: 10}, c})
	assert.Equal(t, []int64{1, 2, 3}, hitIDs(merged))
	assert.Equal(t, 0.2, merged[1].Score, "dense copy wins")

	assert.Empty(t, Merge(nil, nil))
	assert.Equal(t, []int64{3}, hitIDs(Merge(nil, []domain.ScoredItem{c})))
}

func TestRetrieveRunsBothBranches(t *testing.T) {
	f := seed(t, []string{"red apple pie", "green apple", "blue ocean"}, []int{0, 1, 2})
	embedder := &stubEmbedder{vector: storagetest.Vector(testDim, 2)}
	engine := NewEngine(f.store, embedder, tokenizer.New(), 0)

	res, err := engine.Retrieve(context.Background(), Request{
		ProjectID:    f.projectID,
		DenseQuery:   "sea",
		LexicalQuery: "Apple",
		TopKDense:    1,
		TopKLexical:  5,
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{f.ids["blue ocean"]}, hitIDs(res.Dense))
	assert.ElementsMatch(t, []int64{f.ids["red apple pie"], f.ids["green apple"]}, hitIDs(res.Lexical))
	require.Len(t, res.Merged, 3)
	assert.Equal(t, f.ids["blue ocean"], res.Merged[0].ID)
	assert.Equal(t, 1, embedder.calls)
}

func TestRetrieveLexicalRequiresAllTokens(t *testing.T) {
	f := seed(t, []string{"red apple pie", "green apple"}, []int{0, 1})
	engine := NewEngine(f.store, &stubEmbedder{}, tokenizer.New(), 0)

	res, err := engine.Retrieve(context.Background(), Request{
		ProjectID:    f.projectID,
		LexicalQuery: "apple pie",
		TopKLexical:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{f.ids["red apple pie"]}, hitIDs(res.Lexical))
}

func TestRetrieveSkipsBranchesIndependently(t *testing.T) {
	f := seed(t, []string{"alpha", "beta"}, []int{0, 1})
	ctx := context.Background()

	embedder := &stubEmbedder{vector: storagetest.Vector(testDim, 0)}
	engine := NewEngine(f.store, embedder, tokenizer.New(), 0)

	res, err := engine.Retrieve(ctx, Request{ProjectID: f.projectID, DenseQuery: "   ", LexicalQuery: "alpha", TopKDense: 5, TopKLexical: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Dense)
	assert.Len(t, res.Lexical, 1)
	assert.Equal(t, 0, embedder.calls)

	res, err = engine.Retrieve(ctx, Request{ProjectID: f.projectID, DenseQuery: "alpha", LexicalQuery: "!!!", TopKDense: 5, TopKLexical: 5})
	require.NoError(t, err)
	assert.Len(t, res.Dense, 2)
	assert.Empty(t, res.Lexical)

	res, err = engine.Retrieve(ctx, Request{ProjectID: f.projectID, DenseQuery: "alpha", LexicalQuery: "alpha", TopKDense: 0, TopKLexical: 0})
	require.NoError(t, err)
	assert.Empty(t, res.Merged)
	assert.Equal(t, 1, embedder.calls)
}

func TestRetrieveIgnoresDeletedAndOtherProjects(t *testing.T) {
	f := seed(t, []string{"alpha one", "alpha two"}, []int{0, 1})
	ctx := context.Background()
	_, err := f.store.SoftDeleteItemsByIDs(ctx, f.kbID, f.projectID, []int64{f.ids["alpha one"]})
	require.NoError(t, err)

	engine := NewEngine(f.store, &stubEmbedder{vector: storagetest.Vector(testDim, 0)}, tokenizer.New(), 0)
	res, err := engine.Retrieve(ctx, Request{ProjectID: f.projectID, DenseQuery: "a", LexicalQuery: "alpha", TopKDense: 5, TopKLexical: 5})
	require.NoError(t, err)
	assert.Equal(t, []int64{f.ids["alpha two"]}, hitIDs(res.Merged))

	res, err = engine.Retrieve(ctx, Request{ProjectID: storagetest.NewProjectID(), LexicalQuery: "alpha", TopKLexical: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Merged)
}

func TestRetrieveErrors(t *testing.T) {
	f := seed(t, []string{"alpha"}, []int{0})
	ctx := context.Background()

	engine := NewEngine(f.store, &stubEmbedder{err: errors.New("down")}, tokenizer.New(), 10)
	_, err := engine.Retrieve(ctx, Request{ProjectID: f.projectID, DenseQuery: "alpha", TopKDense: 1})
	assert.ErrorIs(t, err, domain.ErrExternalService)

	_, err = engine.Retrieve(ctx, Request{ProjectID: f.projectID, LexicalQuery: "alpha", TopKLexical: 11})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = engine.Retrieve(ctx, Request{ProjectID: 0, LexicalQuery: "alpha", TopKLexical: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
