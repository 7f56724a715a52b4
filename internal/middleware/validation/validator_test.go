package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	app.Get("/api/v1/retrieve", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	app.Post("/api/v1/documents", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestMiddlewareRejectsMarkupQueryUnconfigured(t *testing.T) {
	// Zero-value Config: every rejection branch must work without a
	// logger wired in.
	app := testApp(Config{})

	req := httptest.NewRequest("GET", "/api/v1/retrieve?query=%3Cscript%3Ealert(1)%3C/script%3E", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestMiddlewareRequiresQuery(t *testing.T) {
	app := testApp(Config{})

	req := httptest.NewRequest("GET", "/api/v1/retrieve", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestMiddlewareRejectsNonIntegerTopK(t *testing.T) {
	app := testApp(Config{})

	req := httptest.NewRequest("GET", "/api/v1/retrieve?query=net+zero&top_k=many", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestMiddlewarePassesValidQuery(t *testing.T) {
	app := testApp(Config{})

	req := httptest.NewRequest("GET", "/api/v1/retrieve?query=net+zero&top_k=5", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestMiddlewareRejectsPathSeparatorFileName(t *testing.T) {
	app := testApp(Config{})

	body := strings.NewReader(`{"file_name":"../../etc/passwd","content":"aGVsbG8="}`)
	req := httptest.NewRequest("POST", "/api/v1/documents", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
