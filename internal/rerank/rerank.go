// Package rerank scores query-passage pairs with an external cross-encoder
// service. Reranking is best effort; callers fall back to similarity order
// when the service is down, so failures here are reported, never fatal.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lobbyscope/backend/pkg/circuitbreaker"
	"github.com/lobbyscope/backend/pkg/config"
	"github.com/lobbyscope/backend/pkg/logger"
)

type Client struct {
	endpoint   string
	model      string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewClient(cfg config.RerankConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb: circuitbreaker.NewCircuitBreaker("rerank-service", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
	}
}

type rankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rank scores every document against the query in one call and returns the
// scores in input order.
func (c *Client) Rank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(rankRequest{
		Model:     c.model,
		Query:     query,
		Documents: documents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rerank request: %w", err)
	}

	var scores []float64
	err = c.cb.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("rerank request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("rerank service returned %d: %s", resp.StatusCode, string(body))
		}

		var parsed rankResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("failed to decode rerank response: %w", err)
		}
		if len(parsed.Scores) != len(documents) {
			return fmt.Errorf("rerank service returned %d scores for %d documents",
				len(parsed.Scores), len(documents))
		}
		scores = parsed.Scores
		return nil
	})
	if err != nil {
		logger.Warn("Rerank call failed",
			zap.String("endpoint", c.endpoint),
			zap.Int("documents", len(documents)),
			zap.Error(err),
		)
		return nil, err
	}

	return scores, nil
}
