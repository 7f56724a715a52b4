package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/metrics"
	"github.com/lobbyscope/backend/internal/retriever"
	"github.com/lobbyscope/backend/internal/stance"
	"github.com/lobbyscope/backend/internal/storage/models"
	"github.com/lobbyscope/backend/internal/storage/sqlite"
	"github.com/lobbyscope/backend/internal/vector"
	"github.com/lobbyscope/backend/pkg/logger"
	"github.com/lobbyscope/backend/pkg/utils"
)

// ResponseCache stores whole retrieval responses keyed by the request
// hash. Implemented by the redis client; nil disables it.
type ResponseCache interface {
	GetRetrieval(ctx context.Context, queryHash string, response interface{}) (bool, error)
	SetRetrieval(ctx context.Context, queryHash string, response interface{}) error
}

type RetrieveHandler struct {
	retriever  *retriever.Retriever
	aggregator *stance.Aggregator
	db         *sqlite.Client
	cache      ResponseCache
}

func NewRetrieveHandler(r *retriever.Retriever, a *stance.Aggregator, db *sqlite.Client, cache ResponseCache) *RetrieveHandler {
	return &RetrieveHandler{
		retriever:  r,
		aggregator: a,
		db:         db,
		cache:      cache,
	}
}

type retrieveResponse struct {
	Query    string               `json:"query"`
	Count    int                  `json:"count"`
	Evidence []retriever.Evidence `json:"evidence"`
}

// Retrieve returns the top evidence passages for a query, optionally
// filtered by document metadata.
func (h *RetrieveHandler) Retrieve(c *fiber.Ctx) error {
	started := time.Now()
	defer func() {
		metrics.RetrievalDuration.WithLabelValues("retrieve").Observe(time.Since(started).Seconds())
	}()

	query := c.Query("query")
	topK := c.QueryInt("top_k", 0)

	filters, err := parseFilters(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	cacheKey := utils.HashString(fmt.Sprintf("retrieve|%s|%d|%+v", query, topK, filters))
	if h.cache != nil {
		var cached retrieveResponse
		found, err := h.cache.GetRetrieval(c.Context(), cacheKey, &cached)
		if err != nil {
			logger.Warn("Retrieval cache lookup failed", zap.Error(err))
		}
		if found {
			metrics.CacheHits.WithLabelValues("retrieval").Inc()
			return c.JSON(cached)
		}
		metrics.CacheMisses.WithLabelValues("retrieval").Inc()
	}

	evidence, err := h.retriever.Retrieve(c.Context(), query, filters, topK)
	if err != nil {
		logger.Error("Retrieval failed", zap.String("query", query), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Retrieval failed",
		})
	}

	response := retrieveResponse{
		Query:    query,
		Count:    len(evidence),
		Evidence: evidence,
	}

	if h.cache != nil {
		if err := h.cache.SetRetrieval(c.Context(), cacheKey, response); err != nil {
			logger.Warn("Failed to cache retrieval response", zap.Error(err))
		}
	}

	return c.JSON(response)
}

// AssessStance runs the full question answering path: retrieve evidence,
// judge each passage, aggregate into a verdict. The verdict is recorded so
// it can be re-derived from its evidence later.
func (h *RetrieveHandler) AssessStance(c *fiber.Ctx) error {
	started := time.Now()
	defer func() {
		metrics.RetrievalDuration.WithLabelValues("rag").Observe(time.Since(started).Seconds())
	}()

	query := c.Query("query")
	author := c.Query("author")
	topK := c.QueryInt("top_k", 0)

	filters, err := parseFilters(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	evidence, err := h.retriever.Retrieve(c.Context(), query, filters, topK)
	if err != nil {
		logger.Error("Retrieval failed", zap.String("query", query), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Retrieval failed",
		})
	}

	verdict, err := h.aggregator.Assess(c.Context(), query, author, evidence)
	if err != nil {
		if errors.Is(err, stance.ErrNoEvidence) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No usable evidence found for this question",
			})
		}
		logger.Error("Stance assessment failed", zap.String("query", query), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Stance assessment failed",
		})
	}

	latencyMS := int(time.Since(started).Milliseconds())
	h.recordVerdict(verdict, author, latencyMS)

	return c.JSON(fiber.Map{
		"id":             verdict.ID,
		"question":       verdict.Question,
		"overall":        verdict.Overall,
		"confidence":     verdict.Confidence,
		"evidence":       verdict.Evidence,
		"excluded_count": verdict.ExcludedCount,
		"latency_ms":     latencyMS,
	})
}

// ListVerdicts returns recorded stance assessments, newest first.
func (h *RetrieveHandler) ListVerdicts(c *fiber.Ctx) error {
	author := c.Query("author")
	limit := c.QueryInt("limit", 50)

	verdicts, err := h.db.ListVerdicts(author, limit)
	if err != nil {
		logger.Error("Failed to list verdicts", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list verdicts",
		})
	}

	return c.JSON(fiber.Map{
		"count":    len(verdicts),
		"verdicts": verdicts,
	})
}

func (h *RetrieveHandler) recordVerdict(verdict *stance.Verdict, author string, latencyMS int) {
	evidenceJSON, err := json.Marshal(verdict.Evidence)
	if err != nil {
		logger.Warn("Failed to encode verdict evidence", zap.Error(err))
		return
	}

	row := &models.Verdict{
		ID:            verdict.ID,
		Question:      verdict.Question,
		Author:        author,
		Overall:       verdict.Overall,
		Confidence:    verdict.Confidence,
		ExcludedCount: verdict.ExcludedCount,
		EvidenceJSON:  string(evidenceJSON),
		LatencyMS:     latencyMS,
	}
	if err := h.db.InsertVerdict(row); err != nil {
		logger.Warn("Failed to record verdict", zap.String("verdict_id", verdict.ID), zap.Error(err))
	}
}

func parseFilters(c *fiber.Ctx) (vector.Filters, error) {
	filters := vector.Filters{
		Author:   c.Query("author"),
		Region:   c.Query("region"),
		FileName: c.Query("file_name"),
		Language: c.Query("language"),
	}

	from, err := parseDate(c.Query("date_from"))
	if err != nil {
		return filters, fmt.Errorf("date_from must be formatted as YYYY-MM-DD")
	}
	filters.DateFrom = from

	to, err := parseDate(c.Query("date_to"))
	if err != nil {
		return filters, fmt.Errorf("date_to must be formatted as YYYY-MM-DD")
	}
	filters.DateTo = to

	return filters, nil
}
