package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/domain"
	"github.com/moyitech/vdb-center/internal/middleware/validation"
	"github.com/moyitech/vdb-center/internal/storage"
	"github.com/moyitech/vdb-center/pkg/logger"
)

const defaultPollInterval = time.Second

// TaskWebSocketHandler pushes knowledge base status to a client until the run
// reaches a terminal state. The client sends {"type":"watch","kb_id":N}.
type TaskWebSocketHandler struct {
	store        storage.Registry
	pollInterval time.Duration
}

func NewTaskWebSocketHandler(store storage.Registry, pollInterval time.Duration) *TaskWebSocketHandler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &TaskWebSocketHandler{store: store, pollInterval: pollInterval}
}

type watchRequest struct {
	Type string `json:"type"`
	KBID int64  `json:"kb_id"`
}

func (h *TaskWebSocketHandler) HandleConnection(c *websocket.Conn) {
	projectID, _ := c.Locals(validation.ProjectIDKey).(int64)
	logger.Info("WebSocket connection established", zap.Int64("project_id", projectID))

	ctx, cancel := context.WithCancel(context.Background())
	readerDone := make(chan struct{})
	defer func() {
		cancel()
		c.Close()
		// The conn returns to the pool after this handler, so the reader
		// must be gone first.
		<-readerDone
		logger.Info("WebSocket connection closed")
	}()

	// The reader owns the read side so a disconnect is noticed while a watch
	// is polling; ctx is cancelled once the socket stops being readable.
	requests := make(chan watchRequest)
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			var msg watchRequest
			if err := c.ReadJSON(&msg); err != nil {
				logger.Debug("WebSocket read ended", zap.Error(err))
				return
			}
			select {
			case requests <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	var next *watchRequest
	for {
		var msg watchRequest
		if next != nil {
			msg, next = *next, nil
		} else {
			select {
			case <-ctx.Done():
				return
			case msg = <-requests:
			}
		}

		if msg.Type != "watch" {
			continue
		}
		if msg.KBID <= 0 {
			h.sendError(c, "kb_id must be a positive integer")
			continue
		}

		var err error
		next, err = h.watch(ctx, c, requests, projectID, msg.KBID)
		if err != nil {
			logger.Warn("Failed to stream task status", zap.Int64("kb_id", msg.KBID), zap.Error(err))
			return
		}
	}
}

// watch sends the status whenever it changes and a final "complete" message
// once the run is terminal. A new request from the client ends the watch and
// is returned to be handled next.
func (h *TaskWebSocketHandler) watch(ctx context.Context, c *websocket.Conn, requests <-chan watchRequest, projectID, kbID int64) (*watchRequest, error) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var last *domain.KBSummary
	for {
		pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		task, err := h.store.GetTaskStatus(pollCtx, projectID, kbID)
		cancel()
		if ctx.Err() != nil {
			return nil, nil
		}
		if err != nil {
			h.sendError(c, "Failed to load task status")
			return nil, nil
		}
		if task == nil {
			h.sendError(c, "Knowledge base not found")
			return nil, nil
		}

		if last == nil || changed(last, task) {
			if err := c.WriteJSON(map[string]interface{}{"type": "status", "task": task}); err != nil {
				return nil, err
			}
			last = task
		}
		if task.IngestStatus.Terminal() {
			return nil, c.WriteJSON(map[string]interface{}{
				"type":          "complete",
				"kb_id":         kbID,
				"ingest_status": task.IngestStatus,
			})
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case msg := <-requests:
			return &msg, nil
		case <-ticker.C:
		}
	}
}

func changed(prev, next *domain.KBSummary) bool {
	return prev.IngestStatus != next.IngestStatus ||
		prev.SuccessCount != next.SuccessCount ||
		prev.FailedCount != next.FailedCount ||
		prev.ChunkCount != next.ChunkCount
}

func (h *TaskWebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	if err := c.WriteJSON(msg); err != nil {
		logger.Error("Failed to send error message", zap.Error(err))
	}
}
