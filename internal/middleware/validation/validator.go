package validation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxQueryLength  int
	MaxDocumentSize int
	Logger          *zap.Logger
}

// Middleware validates the retrieval query params and the document upload
// body before they reach a handler. Validation is structural only; the
// handlers own the semantic checks.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 5000
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 50 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		path := c.Path()

		if strings.HasPrefix(path, "/api/v1/retrieve") || strings.HasPrefix(path, "/api/v1/rag") {
			query := strings.TrimSpace(c.Query("query"))
			if query == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "query parameter is required",
				})
			}
			if len(query) > cfg.MaxQueryLength {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "query exceeds maximum length",
				})
			}
			if xssPattern.MatchString(query) {
				cfg.Logger.Warn("Rejected query with markup payload",
					zap.String("ip", c.IP()),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid query content",
				})
			}
			if top := c.Query("top_k"); top != "" {
				if _, err := strconv.Atoi(top); err != nil {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "top_k must be an integer",
					})
				}
			}
		}

		if strings.HasPrefix(path, "/api/v1/documents") && c.Method() == fiber.MethodPost {
			contentType := c.Get("Content-Type")
			if contentType != "" && !strings.Contains(contentType, "application/json") {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "unsupported content type",
				})
			}

			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid JSON format",
				})
			}

			fileName, ok := req["file_name"].(string)
			if !ok || strings.TrimSpace(fileName) == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "file_name is required",
				})
			}
			if strings.ContainsAny(fileName, "/\\") {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "file_name must not contain path separators",
				})
			}

			content, ok := req["content"].(string)
			if !ok || content == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "content is required",
				})
			}
			if len(content) > cfg.MaxDocumentSize {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "document exceeds maximum size",
				})
			}
		}

		return c.Next()
	}
}
