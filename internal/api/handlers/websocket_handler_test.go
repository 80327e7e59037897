package handlers

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	fastws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/storage"
)

// stuckRegistry reports every knowledge base as ingesting forever.
type stuckRegistry struct {
	storage.Registry
	polls atomic.Int32
}

func (r *stuckRegistry) GetTaskStatus(_ context.Context, projectID, kbID int64) (*domain.KBSummary, error) {
	r.polls.Add(1)
	return &domain.KBSummary{KnowledgeBase: domain.KnowledgeBase{
		ID:           kbID,
		ProjectID:    projectID,
		IngestStatus: domain.StatusIngesting,
	}}, nil
}

func startTaskSocket(t *testing.T, registry storage.Registry) (string, <-chan struct{}) {
	t.Helper()
	h := NewTaskWebSocketHandler(registry, 10*time.Millisecond)
	done := make(chan struct{})

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws/task", websocket.New(func(c *websocket.Conn) {
		defer close(done)
		h.HandleConnection(c)
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.ShutdownWithTimeout(time.Second) })

	return "ws://" + ln.Addr().String() + "/ws/task", done
}

func TestTaskWatchStopsWhenClientDisconnects(t *testing.T) {
	registry := &stuckRegistry{}
	url, done := startTaskSocket(t, registry)

	conn, _, err := fastws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "watch", "kb_id": 7}))

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg["type"])

	require.NoError(t, conn.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch kept polling after the client went away")
	}
	polls := registry.polls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, polls, registry.polls.Load())
}

func TestTaskWatchSwitchesToNewRequest(t *testing.T) {
	registry := &stuckRegistry{}
	url, _ := startTaskSocket(t, registry)

	conn, _, err := fastws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "watch", "kb_id": 7}))
	var first struct {
		Type string           `json:"type"`
		Task domain.KBSummary `json:"task"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, int64(7), first.Task.ID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "watch", "kb_id": 8}))
	var second struct {
		Type string           `json:"type"`
		Task domain.KBSummary `json:"task"`
	}
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "status", second.Type)
	assert.Equal(t, int64(8), second.Task.ID)
}
