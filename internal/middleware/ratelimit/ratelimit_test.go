package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowRefillsOverTime(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	t.Cleanup(rl.Stop)

	clock := time.Unix(0, 0)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.allow("k"))
	assert.True(t, rl.allow("k"))
	assert.False(t, rl.allow("k"))
	assert.True(t, rl.allow("other"), "keys have separate buckets")

	clock = clock.Add(30 * time.Second)
	assert.True(t, rl.allow("k"))
	assert.False(t, rl.allow("k"))
}

func TestMiddlewareKeysByProject(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1})
	t.Cleanup(rl.Stop)

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	do := func(project string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Project-ID", project)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, do("1"))
	assert.Equal(t, fiber.StatusTooManyRequests, do("1"))
	assert.Equal(t, fiber.StatusOK, do("2"))
}
