// Package api assembles the HTTP surface: middleware, routes and handlers.
package api

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/moyitech/vdb-center/internal/api/handlers"
	"github.com/moyitech/vdb-center/internal/ingestion"
	"github.com/moyitech/vdb-center/internal/metrics"
	"github.com/moyitech/vdb-center/internal/middleware/ratelimit"
	"github.com/moyitech/vdb-center/internal/middleware/security"
	"github.com/moyitech/vdb-center/internal/middleware/validation"
	"github.com/moyitech/vdb-center/internal/retrieval"
	"github.com/moyitech/vdb-center/internal/storage"
)

type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimit    int
	DefaultTopK  int
	MaxTopK      int
	// AccessLog enables the per-request log line.
	AccessLog     bool
	IsDevelopment bool
	TaskPoll      time.Duration
}

type Deps struct {
	Store       storage.Store
	Runner      handlers.Submitter
	QA          *ingestion.QAService
	Engine      *retrieval.Engine
	RateLimiter *ratelimit.RateLimiter
	// Ping reports database reachability on /health when set.
	Ping func(ctx context.Context) error
}

func NewApp(deps Deps, opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		BodyLimit:             opts.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestID)
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Project-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: opts.IsDevelopment}))
	app.Use(recordRequest)

	app.Get("/health", func(c *fiber.Ctx) error {
		if deps.Ping != nil {
			if err := deps.Ping(c.UserContext()); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "unhealthy",
					"error":  "database unreachable",
				})
			}
		}
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})
	app.Get("/metrics", metrics.MetricsHandler())

	scoped := []fiber.Handler{validation.ProjectScope()}
	if deps.RateLimiter != nil {
		scoped = append(scoped, deps.RateLimiter.Middleware())
	}

	kbHandler := handlers.NewKBHandler(deps.Store, deps.Runner)
	qaHandler := handlers.NewQAHandler(deps.QA)
	retrievalHandler := handlers.NewRetrievalHandler(deps.Engine, opts.DefaultTopK, opts.MaxTopK)
	wsHandler := handlers.NewTaskWebSocketHandler(deps.Store, opts.TaskPoll)

	kb := app.Group("/kb", append(scoped, validation.Middleware(validation.Config{}))...)

	kb.Post("/ingest", kbHandler.Ingest)
	kb.Get("/list", kbHandler.List)
	kb.Get("/search", kbHandler.Search)
	kb.Get("/task/:kb_id", kbHandler.TaskStatus)

	kb.Post("/qa/item", qaHandler.Add)
	kb.Post("/qa/item/update", qaHandler.Update)
	kb.Post("/qa/item/delete", qaHandler.Delete)
	kb.Post("/qa/items/delete", qaHandler.DeleteBatch)
	kb.Get("/qa/list", qaHandler.List)

	kb.Post("/retrieve/hybrid", retrievalHandler.Hybrid)

	kb.Post("/:kb_id/delete", kbHandler.Delete)
	kb.Post("/:kb_id/restore", kbHandler.Restore)
	kb.Post("/:kb_id/source", kbHandler.UpdateSource)
	kb.Get("/:kb_id/items", kbHandler.Items)
	kb.Post("/:kb_id/chunks/delete", kbHandler.DeleteChunks)

	ws := app.Group("/ws", scoped...)
	ws.Use(func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	ws.Get("/task", websocket.New(wsHandler.HandleConnection))

	return app
}

func requestID(c *fiber.Ctx) error {
	id := c.Get(fiber.HeaderXRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(fiber.HeaderXRequestID, id)
	return c.Next()
}

func recordRequest(c *fiber.Ctx) error {
	err := c.Next()
	status := c.Response().StatusCode()
	if fe, ok := err.(*fiber.Error); ok {
		status = fe.Code
	}
	metrics.HTTPRequests.WithLabelValues(c.Route().Path, strconv.Itoa(status)).Inc()
	return err
}
