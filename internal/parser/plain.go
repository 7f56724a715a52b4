package parser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PlainBackend talks to the fast structure-agnostic extraction service. It
// returns raw text per page with no layout metadata, which keeps latency low
// for large documents.
type PlainBackend struct {
	endpoint string
	client   *http.Client
}

func NewPlainBackend(endpoint string, timeout time.Duration) *PlainBackend {
	return &PlainBackend{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (b *PlainBackend) Name() string {
	return "plain"
}

type plainRequest struct {
	Content string `json:"content"`
}

type plainResponse struct {
	Pages []struct {
		Page int    `json:"page"`
		Text string `json:"text"`
	} `json:"pages"`
	Error string `json:"error"`
}

func (b *PlainBackend) Parse(ctx context.Context, document []byte, opts Options) ([]Segment, error) {
	payload, err := json.Marshal(plainRequest{
		Content: base64.StdEncoding.EncodeToString(document),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode plain request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build plain request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plain service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read plain response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plain service returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed plainResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode plain response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("plain service error: %s", parsed.Error)
	}

	segments := make([]Segment, 0, len(parsed.Pages))
	for _, p := range parsed.Pages {
		segments = append(segments, Segment{
			Text: p.Text,
			Page: p.Page,
			Role: "body",
		})
	}

	return segments, nil
}
