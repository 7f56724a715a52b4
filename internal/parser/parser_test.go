package parser

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	name     string
	segments []Segment
	err      error
	calls    int
}

func (s *stubBackend) Parse(ctx context.Context, document []byte, opts Options) ([]Segment, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.segments, nil
}

func (s *stubBackend) Name() string { return s.name }

func TestParseUsesLayoutStrategy(t *testing.T) {
	layout := &stubBackend{name: "layout", segments: []Segment{{Text: "Emissions policy overview", Page: 1, Role: "heading"}}}
	plain := &stubBackend{name: "plain"}

	p := New(layout, plain, Config{Strategy: "layout", LargeFileMB: 5})

	segments, err := p.Parse(context.Background(), "report.pdf", []byte("%PDF-1.7"), "latin-based")
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 1, layout.calls)
	assert.Equal(t, 0, plain.calls)
	assert.Equal(t, "latin-based", segments[0].Language)
}

func TestParseFallsBackToPlainOnLayoutFailure(t *testing.T) {
	layout := &stubBackend{name: "layout", err: errors.New("model crashed")}
	plain := &stubBackend{name: "plain", segments: []Segment{{Text: "page text", Page: 1}}}

	p := New(layout, plain, Config{Strategy: "layout", LargeFileMB: 5})

	segments, err := p.Parse(context.Background(), "report.pdf", []byte("%PDF-1.7"), "latin-based")
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 1, layout.calls)
	assert.Equal(t, 1, plain.calls)
}

func TestParseReturnsParseErrorWhenBothBackendsFail(t *testing.T) {
	layout := &stubBackend{name: "layout", err: errors.New("model crashed")}
	plain := &stubBackend{name: "plain", err: errors.New("corrupt pdf")}

	p := New(layout, plain, Config{Strategy: "layout", LargeFileMB: 5})

	_, err := p.Parse(context.Background(), "broken.pdf", []byte("not a pdf"), "latin-based")
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "broken.pdf", parseErr.FileName)
	assert.Equal(t, "plain", parseErr.Strategy)
}

func TestParseSkipsLayoutForLargeFiles(t *testing.T) {
	layout := &stubBackend{name: "layout"}
	plain := &stubBackend{name: "plain", segments: []Segment{{Text: "big file text", Page: 1}}}

	p := New(layout, plain, Config{Strategy: "layout", LargeFileMB: 0.000001})

	_, err := p.Parse(context.Background(), "big.pdf", make([]byte, 1024), "latin-based")
	require.NoError(t, err)
	assert.Equal(t, 0, layout.calls)
	assert.Equal(t, 1, plain.calls)
}

func TestPostProcessStripsParserArtifacts(t *testing.T) {
	in := "GLYPH<cid:12>Net zero <!-- image --> target\\_2030"
	assert.Equal(t, "Net zero  target.2030", postProcess(in))
}

func TestParseDropsEmptySegments(t *testing.T) {
	layout := &stubBackend{name: "layout", segments: []Segment{
		{Text: "<!-- image -->", Page: 1},
		{Text: "real content", Page: 2},
	}}
	plain := &stubBackend{name: "plain"}

	p := New(layout, plain, Config{Strategy: "layout", LargeFileMB: 5})

	segments, err := p.Parse(context.Background(), "doc.pdf", []byte("%PDF"), "latin-based")
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "real content", segments[0].Text)
}
