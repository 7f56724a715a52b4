package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/storage/sqlite"
	"github.com/lobbyscope/backend/pkg/logger"
)

type CollectionsHandler struct {
	db *sqlite.Client
}

func NewCollectionsHandler(db *sqlite.Client) *CollectionsHandler {
	return &CollectionsHandler{db: db}
}

// Count reports corpus size: documents and chunks.
func (h *CollectionsHandler) Count(c *fiber.Ctx) error {
	documents, err := h.db.CountDocuments()
	if err != nil {
		logger.Error("Failed to count documents", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count documents",
		})
	}

	chunks, err := h.db.CountChunks()
	if err != nil {
		logger.Error("Failed to count chunks", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count chunks",
		})
	}

	return c.JSON(fiber.Map{
		"documents": documents,
		"chunks":    chunks,
	})
}

// Unique lists the distinct values of one metadata field, for building
// filter facets.
func (h *CollectionsHandler) Unique(c *fiber.Ctx) error {
	attribute := c.Query("attribute", "author")

	values, err := h.db.DistinctValues(attribute)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"attribute": attribute,
		"count":     len(values),
		"values":    values,
	})
}

// Files lists ingested documents with their registry state, newest first.
func (h *CollectionsHandler) Files(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	offset := c.QueryInt("offset", 0)

	docs, err := h.db.ListDocuments(limit, offset)
	if err != nil {
		logger.Error("Failed to list documents", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list documents",
		})
	}

	return c.JSON(fiber.Map{
		"count": len(docs),
		"files": docs,
	})
}
