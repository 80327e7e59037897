package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/ingestion"
	"github.com/moyitech/vdb-center/internal/retrieval"
	"github.com/moyitech/vdb-center/internal/storage/storagetest"
	"github.com/moyitech/vdb-center/internal/tokenizer"
)

const testDim = 4

type axisEmbedder struct{}

// Embed points texts containing "ocean" along one axis and everything else
// along another, enough to make dense ranking observable.
func (axisEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		axis := 0
		if bytes.Contains([]byte(text), []byte("ocean")) {
			axis = 1
		}
		out[i] = storagetest.Vector(testDim, axis)
	}
	return out, nil
}

// syncRunner runs ingestion inline so responses observe the finished run.
type syncRunner struct {
	orch   *ingestion.Orchestrator
	reject error
}

func (r *syncRunner) Submit(req ingestion.RunRequest) error {
	if r.reject != nil {
		r.orch.Abort(context.Background(), req, r.reject)
		return r.reject
	}
	r.orch.Run(context.Background(), req)
	return nil
}

type testServer struct {
	app       *fiber.App
	store     *storagetest.Memory
	runner    *syncRunner
	projectID int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storagetest.NewMemory()
	tok := tokenizer.New()
	runner := &syncRunner{orch: ingestion.NewOrchestrator(store, axisEmbedder{}, tok)}

	app := NewApp(Deps{
		Store:  store,
		Runner: runner,
		QA:     ingestion.NewQAService(store, axisEmbedder{}, tok),
		Engine: retrieval.NewEngine(store, axisEmbedder{}, tok, 100),
	}, Options{DefaultTopK: 10, MaxTopK: 100, IsDevelopment: true})

	return &testServer{app: app, store: store, runner: runner, projectID: storagetest.NewProjectID()}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Project-ID", fmt.Sprint(s.projectID))

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestIngestAndTaskStatus(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/kb/ingest", map[string]any{
		"file_name": "guide.pdf",
		"source":    "https://example.com/guide.pdf",
		"date":      "2024-02-01",
		"segments":  []map[string]any{{"text": "blue ocean"}, {"text": "green field"}},
	})
	require.Equal(t, http.StatusAccepted, status, body)
	kbID := int64(body["kb_id"].(float64))

	status, body = s.do(t, http.MethodGet, fmt.Sprintf("/kb/task/%d", kbID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "succeeded", body["ingest_status"])
	assert.Equal(t, float64(2), body["success_count"])
	assert.Equal(t, float64(2), body["chunk_count"])

	status, body = s.do(t, http.MethodPost, "/kb/ingest", map[string]any{
		"source":   " https://example.com/guide.pdf ",
		"segments": []map[string]any{{"text": "again"}},
	})
	assert.Equal(t, http.StatusConflict, status, body)

	status, _ = s.do(t, http.MethodGet, "/kb/task/999999", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = s.do(t, http.MethodGet, "/kb/search?keyword=GUIDE", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])
}

func TestIngestValidation(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodPost, "/kb/ingest", map[string]any{"segments": []any{}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/kb/ingest", map[string]any{
		"date":     "01/02/2024",
		"segments": []map[string]any{{"text": "a"}},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	req := httptest.NewRequest(http.MethodGet, "/kb/list", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "project id is required")
}

func TestIngestRejectedByRunnerLeavesFailedStatus(t *testing.T) {
	s := newTestServer(t)
	s.runner.reject = fmt.Errorf("pool overloaded")

	status, body := s.do(t, http.MethodPost, "/kb/ingest", map[string]any{
		"segments": []map[string]any{{"text": "a"}},
	})
	require.Equal(t, http.StatusServiceUnavailable, status)

	kb, ok := s.store.KnowledgeBase(int64(body["kb_id"].(float64)))
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, kb.IngestStatus)
}

func TestDeleteAndRestoreKnowledgeBase(t *testing.T) {
	s := newTestServer(t)

	_, body := s.do(t, http.MethodPost, "/kb/ingest", map[string]any{
		"segments": []map[string]any{{"text": "a"}, {"text": "b"}},
	})
	kbID := int64(body["kb_id"].(float64))

	status, body := s.do(t, http.MethodPost, fmt.Sprintf("/kb/%d/delete", kbID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "deleted", body["reason"])
	assert.Equal(t, float64(2), body["item_deleted_count"])

	status, _ = s.do(t, http.MethodGet, fmt.Sprintf("/kb/task/%d", kbID), nil)
	assert.Equal(t, http.StatusNotFound, status, "deleted knowledge base has no task")

	status, body = s.do(t, http.MethodPost, fmt.Sprintf("/kb/%d/delete", kbID), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_deleted", body["reason"])

	status, _ = s.do(t, http.MethodPost, fmt.Sprintf("/kb/%d/restore", kbID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, s.store.LiveItems(kbID), 2)

	status, body = s.do(t, http.MethodGet, fmt.Sprintf("/kb/task/%d", kbID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "succeeded", body["ingest_status"])

	status, _ = s.do(t, http.MethodPost, "/kb/abc/delete", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestQAKnowledgeBaseCannotBeDeleted(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/kb/qa/item", map[string]any{"question": "q", "answer": "a"})
	require.Equal(t, http.StatusCreated, status, body)
	kbID := int64(body["kb_id"].(float64))

	status, body = s.do(t, http.MethodPost, fmt.Sprintf("/kb/%d/delete", kbID), nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "qa_kb_forbidden", body["reason"])
}

func TestQAItemLifecycle(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/kb/qa/item", map[string]any{"question": "q1", "answer": "a1"})
	require.Equal(t, http.StatusCreated, status, body)
	itemID := body["item_id"]

	status, body = s.do(t, http.MethodPost, "/kb/qa/item", map[string]any{"question": "q1", "answer": "a1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, "duplicate", body["reason"])

	status, body = s.do(t, http.MethodPost, "/kb/qa/item/update", map[string]any{"item_id": itemID, "question": "q1", "answer": "a2"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "q1\na2", body["origin_text"])

	status, _ = s.do(t, http.MethodPost, "/kb/qa/item/update", map[string]any{"item_id": 424242, "question": "q", "answer": "a"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = s.do(t, http.MethodGet, "/kb/qa/list?page=1&page_size=10", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["total_count"])

	status, _ = s.do(t, http.MethodPost, "/kb/qa/item/delete", map[string]any{"item_id": itemID})
	require.Equal(t, http.StatusOK, status)
	status, _ = s.do(t, http.MethodPost, "/kb/qa/item/delete", map[string]any{"item_id": itemID})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = s.do(t, http.MethodPost, "/kb/qa/items/delete", map[string]any{"item_ids": []int64{1, 2}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["requested_count"])

	status, _ = s.do(t, http.MethodGet, "/kb/qa/list?page_size=5000", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestQAIngestAppendsWithDedup(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 2; i++ {
		status, body := s.do(t, http.MethodPost, "/kb/ingest", map[string]any{
			"qa_items": true,
			"segments": []map[string]any{
				{"question": "q1", "answer": "a1"},
				{"question": "q2", "answer": "a2"},
			},
		})
		require.Equal(t, http.StatusAccepted, status, body)
	}

	_, body := s.do(t, http.MethodGet, "/kb/qa/list", nil)
	assert.Equal(t, float64(2), body["total_count"])
}

func TestHybridRetrieval(t *testing.T) {
	s := newTestServer(t)
	_, _ = s.do(t, http.MethodPost, "/kb/ingest", map[string]any{
		"segments": []map[string]any{{"text": "green field report"}, {"text": "blue ocean"}},
	})

	status, body := s.do(t, http.MethodPost, "/kb/retrieve/hybrid", map[string]any{
		"dense_query":   "deep ocean",
		"lexical_query": "report",
		"top_k_dense":   1,
		"top_k_lexical": 5,
	})
	require.Equal(t, http.StatusOK, status, body)

	merged := body["merged"].([]any)
	require.Len(t, merged, 2)
	assert.Equal(t, "blue ocean", merged[0].(map[string]any)["text"])
	assert.Equal(t, "green field report", merged[1].(map[string]any)["text"])

	status, _ = s.do(t, http.MethodPost, "/kb/retrieve/hybrid", map[string]any{"query": "x", "top_k_dense": 101})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestItemsAndChunkDeletion(t *testing.T) {
	s := newTestServer(t)
	_, body := s.do(t, http.MethodPost, "/kb/ingest", map[string]any{
		"segments": []map[string]any{{"text": "a"}, {"text": "b"}, {"text": "c"}},
	})
	kbID := int64(body["kb_id"].(float64))

	status, body := s.do(t, http.MethodPost, fmt.Sprintf("/kb/%d/chunks/delete", kbID), map[string]any{"chunk_indexes": []int{0, 0, 7}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["deleted_count"])

	status, body = s.do(t, http.MethodGet, fmt.Sprintf("/kb/%d/items?page_size=1", kbID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["total_count"])
	assert.Equal(t, float64(2), body["total_pages"])

	status, _ = s.do(t, http.MethodPost, fmt.Sprintf("/kb/%d/source", kbID), map[string]any{"source": "new-source", "date": "2024-01-01"})
	require.Equal(t, http.StatusOK, status)
	kb, _ := s.store.KnowledgeBase(kbID)
	require.NotNil(t, kb.Source)
	assert.Equal(t, "new-source", *kb.Source)
}

func TestHealthAndHeaders(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestHealthReportsUnreachableDatabase(t *testing.T) {
	app := NewApp(Deps{
		Store: storagetest.NewMemory(),
		Ping:  func(context.Context) error { return fmt.Errorf("connection refused") },
	}, Options{MaxTopK: 100, DefaultTopK: 10})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
