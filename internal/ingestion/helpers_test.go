package ingestion

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moyitech/vdb-center/internal/deadletter"
	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/storage/storagetest"
	"github.com/moyitech/vdb-center/internal/tokenizer"
)

const testDim = 4

type fakeEmbedder struct {
	mu    sync.Mutex
	calls [][]string
	embed func(texts []string) ([][]float32, error)
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	fn := f.embed
	f.mu.Unlock()

	if fn != nil {
		return fn(texts)
	}
	return vectorsFor(texts), nil
}

func (f *fakeEmbedder) callSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.calls))
	for i, c := range f.calls {
		sizes[i] = len(c)
	}
	return sizes
}

func vectorsFor(texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = storagetest.Vector(testDim, len(text)%testDim)
	}
	return out
}

type recordingSink struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (s *recordingSink) Append(_ context.Context, e deadletter.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) all() []deadletter.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deadletter.Entry(nil), s.entries...)
}

func createKB(t *testing.T, store *storagetest.Memory, projectID int64) int64 {
	t.Helper()
	id, err := store.CreateKnowledgeBase(context.Background(), domain.NewKnowledgeBase{
		ProjectID: projectID,
		Status:    domain.StatusIngesting,
	})
	require.NoError(t, err)
	return id
}

func liveTexts(store *storagetest.Memory, kbID int64) []string {
	var texts []string
	for _, item := range store.LiveItems(kbID) {
		texts = append(texts, item.OriginText)
	}
	return texts
}

func newOrchestrator(store *storagetest.Memory, embedder *fakeEmbedder, opts ...Option) *Orchestrator {
	return NewOrchestrator(store, embedder, tokenizer.New(), opts...)
}
