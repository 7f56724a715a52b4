package handlers

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/ingestion"
	"github.com/lobbyscope/backend/pkg/logger"
	"github.com/lobbyscope/backend/pkg/utils"
)

type DocumentHandler struct {
	orchestrator *ingestion.Orchestrator
}

func NewDocumentHandler(orchestrator *ingestion.Orchestrator) *DocumentHandler {
	return &DocumentHandler{
		orchestrator: orchestrator,
	}
}

// UploadDocument ingests one PDF. The body carries the file bytes base64
// encoded together with the catalog metadata used for filtered retrieval.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		FileName string `json:"file_name"`
		Content  string `json:"content"`
		Author   string `json:"author"`
		Region   string `json:"region"`
		Language string `json:"language"`
		Date     string `json:"date"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.FileName == "" || req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "file_name and content are required",
		})
	}

	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "content must be base64 encoded",
		})
	}

	date, err := parseDate(req.Date)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "date must be formatted as YYYY-MM-DD",
		})
	}

	result, err := h.orchestrator.Ingest(c.Context(), ingestion.Request{
		FileName: req.FileName,
		Content:  content,
		Author:   req.Author,
		Region:   req.Region,
		Language: req.Language,
		Date:     date,
	})
	if err != nil {
		var ingErr *ingestion.Error
		if errors.As(err, &ingErr) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error":       "Document could not be ingested",
				"document_id": ingErr.DocumentID,
				"stage":       ingErr.Stage,
			})
		}
		logger.Error("Failed to ingest document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to ingest document",
		})
	}

	return c.JSON(fiber.Map{
		"document_id": result.DocumentID,
		"chunk_count": result.ChunkCount,
		"skipped":     result.Skipped,
	})
}

// DeleteDocument removes a document by id, or by file_name when the query
// parameter is given instead.
func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	docID := c.Params("id")
	if docID == "" {
		fileName := c.Query("file_name")
		if fileName == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "document id or file_name is required",
			})
		}
		docID = utils.HashString(fileName)
	}

	doc, err := h.orchestrator.Status(docID)
	if err != nil {
		logger.Error("Failed to look up document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to look up document",
		})
	}
	if doc == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}

	if err := h.orchestrator.Delete(c.Context(), docID); err != nil {
		logger.Error("Failed to delete document", zap.String("doc_id", docID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete document",
		})
	}

	return c.JSON(fiber.Map{
		"document_id": docID,
		"deleted":     true,
	})
}

// GetStatus reports where a document is in the ingestion state machine.
func (h *DocumentHandler) GetStatus(c *fiber.Ctx) error {
	docID := c.Query("id")
	if docID == "" {
		fileName := c.Query("file_name")
		if fileName == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "id or file_name is required",
			})
		}
		docID = utils.HashString(fileName)
	}

	doc, err := h.orchestrator.Status(docID)
	if err != nil {
		logger.Error("Failed to get document status", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get document status",
		})
	}
	if doc == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}

	return c.JSON(doc)
}

// parseDate accepts YYYY-MM-DD and returns a unix epoch, zero for empty
// input.
func parseDate(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}
