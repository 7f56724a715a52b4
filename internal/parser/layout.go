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

// LayoutBackend talks to the layout-aware parsing service. The service runs
// the OCR and table-structure models and returns segments in reading order
// with structural roles attached.
type LayoutBackend struct {
	endpoint string
	client   *http.Client
}

func NewLayoutBackend(endpoint string, timeout time.Duration) *LayoutBackend {
	return &LayoutBackend{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (b *LayoutBackend) Name() string {
	return "layout"
}

type layoutRequest struct {
	Content     string `json:"content"`
	Device      string `json:"device"`
	ThreadCount int    `json:"thread_count"`
	OCRLanguage string `json:"ocr_language"`
}

type layoutResponse struct {
	Segments []struct {
		Text string `json:"text"`
		Page int    `json:"page"`
		Role string `json:"role"`
	} `json:"segments"`
	Error string `json:"error"`
}

func (b *LayoutBackend) Parse(ctx context.Context, document []byte, opts Options) ([]Segment, error) {
	payload, err := json.Marshal(layoutRequest{
		Content:     base64.StdEncoding.EncodeToString(document),
		Device:      opts.Device,
		ThreadCount: opts.ThreadCount,
		OCRLanguage: opts.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode layout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build layout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("layout service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("layout service returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed layoutResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode layout response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("layout service error: %s", parsed.Error)
	}

	segments := make([]Segment, 0, len(parsed.Segments))
	for _, s := range parsed.Segments {
		segments = append(segments, Segment{
			Text: s.Text,
			Page: s.Page,
			Role: s.Role,
		})
	}

	return segments, nil
}
