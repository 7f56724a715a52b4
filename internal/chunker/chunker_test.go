package chunker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobbyscope/backend/internal/parser"
	"github.com/lobbyscope/backend/pkg/config"
)

// stubEmbedder returns a fixed vector per leading word so tests can steer
// which segments look similar.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (s *stubEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		key := strings.Fields(text)[0]
		v, ok := s.vectors[key]
		if !ok {
			v = []float32{1, 0}
		}
		out[i] = v
	}
	return out, nil
}

// segText builds a text of exactly n words whose first word keys the stub
// embedder.
func segText(key string, n int) string {
	words := make([]string, n)
	words[0] = key
	for i := 1; i < n; i++ {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func defaultConfig() config.ChunkerConfig {
	return config.ChunkerConfig{
		TokenBudget:         1000,
		SimilarityThreshold: 0.75,
		DoublePassMerge:     true,
	}
}

func TestChunkMergesSimilarAdjacentSegments(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"emissions": {1, 0},
		"targets":   {0.97, 0.24},
		"finance":   {0, 1},
	}}
	c := New(embedder, defaultConfig())

	segments := []parser.Segment{
		{Text: segText("emissions", 600), Page: 1},
		{Text: segText("targets", 50), Page: 1},
		{Text: segText("finance", 700), Page: 2},
	}

	drafts, err := c.Chunk(context.Background(), segments)
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	assert.Equal(t, 650, drafts[0].Tokens)
	assert.Equal(t, 700, drafts[1].Tokens)
	assert.Equal(t, 0, drafts[0].Ordinal)
	assert.Equal(t, 1, drafts[1].Ordinal)
	assert.Equal(t, 1, drafts[0].PageStart)
	assert.Equal(t, 1, drafts[0].PageEnd)
	assert.Equal(t, 2, drafts[1].PageStart)
}

func TestChunkSimilarityGateKeepsDissimilarApart(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"emissions": {1, 0},
		"targets":   {1, 0},
		"finance":   {0, 1},
	}}
	c := New(embedder, defaultConfig())

	segments := []parser.Segment{
		{Text: segText("emissions", 10), Page: 1},
		{Text: segText("targets", 10), Page: 1},
		{Text: segText("finance", 10), Page: 1},
	}

	drafts, err := c.Chunk(context.Background(), segments)
	require.NoError(t, err)
	require.Len(t, drafts, 2, "budget allows one chunk but similarity must keep finance apart")
	assert.Equal(t, 20, drafts[0].Tokens)
	assert.Equal(t, 10, drafts[1].Tokens)
}

func TestChunkBudgetGateKeepsSimilarApart(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{}}
	c := New(embedder, defaultConfig())

	segments := []parser.Segment{
		{Text: segText("a1", 600), Page: 1},
		{Text: segText("a2", 600), Page: 1},
	}

	drafts, err := c.Chunk(context.Background(), segments)
	require.NoError(t, err)
	require.Len(t, drafts, 2, "identical vectors but 1200 tokens exceed the budget")
}

func TestChunkEmptyInput(t *testing.T) {
	c := New(&stubEmbedder{}, defaultConfig())

	drafts, err := c.Chunk(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, drafts)

	drafts, err = c.Chunk(context.Background(), []parser.Segment{{Text: "   "}})
	require.NoError(t, err)
	assert.Nil(t, drafts)
}

func TestChunkOversizedSegmentSplitsAtSentences(t *testing.T) {
	cfg := defaultConfig()
	cfg.TokenBudget = 8
	cfg.SimilarityThreshold = 1.1 // block merging so the split is observable
	c := New(&stubEmbedder{}, cfg)

	text := "The plan cuts coal use sharply. Gas plants close by decade end. " +
		"Wind farms replace both sources entirely."
	segments := []parser.Segment{{Text: text, Page: 3}}

	drafts, err := c.Chunk(context.Background(), segments)
	require.NoError(t, err)
	require.NotEmpty(t, drafts)

	total := 0
	for _, d := range drafts {
		assert.LessOrEqual(t, d.Tokens, cfg.TokenBudget)
		assert.Equal(t, 3, d.PageStart)
		total += d.Tokens
	}
	assert.Equal(t, CountTokens(text), total, "splitting must not drop words")
}

func TestChunkOversizedSentenceFallsBackToWordSplit(t *testing.T) {
	cfg := defaultConfig()
	cfg.TokenBudget = 5
	cfg.SimilarityThreshold = 1.1
	c := New(&stubEmbedder{}, cfg)

	// A single sentence of 13 words with no interior boundaries.
	text := "one two three four five six seven eight nine ten eleven twelve thirteen"
	drafts, err := c.Chunk(context.Background(), []parser.Segment{{Text: text, Page: 1}})
	require.NoError(t, err)
	require.Len(t, drafts, 3)
	assert.Equal(t, 5, drafts[0].Tokens)
	assert.Equal(t, 5, drafts[1].Tokens)
	assert.Equal(t, 3, drafts[2].Tokens)
}

func TestChunkDegenerateThresholds(t *testing.T) {
	segments := []parser.Segment{
		{Text: segText("a1", 10), Page: 1},
		{Text: segText("a2", 10), Page: 1},
		{Text: segText("a3", 10), Page: 2},
	}

	// Threshold 0 merges everything the budget allows.
	cfg := defaultConfig()
	cfg.SimilarityThreshold = 0
	drafts, err := New(&stubEmbedder{}, cfg).Chunk(context.Background(), segments)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, 30, drafts[0].Tokens)
	assert.Equal(t, 1, drafts[0].PageStart)
	assert.Equal(t, 2, drafts[0].PageEnd)

	// Threshold above any reachable similarity merges nothing and still
	// terminates with the double pass enabled.
	cfg.SimilarityThreshold = 1.1
	drafts, err = New(&stubEmbedder{}, cfg).Chunk(context.Background(), segments)
	require.NoError(t, err)
	require.Len(t, drafts, 3)
	for i, d := range drafts {
		assert.Equal(t, i, d.Ordinal)
	}
}

func TestChunkEmbedderFailure(t *testing.T) {
	boom := errors.New("upstream down")
	c := New(&stubEmbedder{err: boom}, defaultConfig())

	_, err := c.Chunk(context.Background(), []parser.Segment{{Text: "hello world"}})
	require.Error(t, err)

	var chunkErr *ChunkingError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, "embedding", chunkErr.Stage)
	assert.ErrorIs(t, err, boom)
}
