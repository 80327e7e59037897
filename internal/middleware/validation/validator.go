package validation

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// ProjectIDKey is the fiber.Ctx locals key ProjectScope stores the id under.
const ProjectIDKey = "project_id"

type Config struct {
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects write requests whose body is not JSON.
func Middleware(cfg Config) fiber.Handler {
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !allowed(contentType, cfg.AllowedContentTypes) {
				cfg.Logger.Debug("Unsupported content type",
					zap.String("content_type", contentType),
					zap.String("path", c.Path()),
				)
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}
		return c.Next()
	}
}

func allowed(contentType string, types []string) bool {
	for _, t := range types {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

// ProjectScope requires a positive project id from the X-Project-ID header or
// the project_id query parameter and stores it for handlers.
func ProjectScope() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get("X-Project-ID"))
		if raw == "" {
			raw = strings.TrimSpace(c.Query("project_id"))
		}
		if raw == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Project id is required",
			})
		}

		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Project id must be a positive integer",
			})
		}

		c.Locals(ProjectIDKey, id)
		return c.Next()
	}
}

// ProjectID returns the id stored by ProjectScope, or 0 outside it.
func ProjectID(c *fiber.Ctx) int64 {
	id, _ := c.Locals(ProjectIDKey).(int64)
	return id
}
