// Package chunker turns parsed document segments into retrieval-sized
// chunks. Adjacent segments are merged greedily while they stay
// semantically close to the running chunk and the merged size fits the
// token budget, so a chunk tends to cover one coherent passage instead of
// an arbitrary page window.
package chunker

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/parser"
	"github.com/lobbyscope/backend/pkg/config"
	"github.com/lobbyscope/backend/pkg/logger"
)

// Embedder provides batch embeddings for segment texts.
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Draft is a chunk before it is assigned a stored identity. Ordinal is the
// zero-based position within the document and is contiguous.
type Draft struct {
	Text      string
	Tokens    int
	Ordinal   int
	PageStart int
	PageEnd   int
	Language  string
}

// ChunkingError wraps failures with the stage they happened in so the
// ingestion pipeline can report where a document died.
type ChunkingError struct {
	Stage string
	Cause error
}

func (e *ChunkingError) Error() string {
	return fmt.Sprintf("chunking failed during %s: %v", e.Stage, e.Cause)
}

func (e *ChunkingError) Unwrap() error {
	return e.Cause
}

type Chunker struct {
	embedder Embedder
	cfg      config.ChunkerConfig
}

func New(embedder Embedder, cfg config.ChunkerConfig) *Chunker {
	return &Chunker{embedder: embedder, cfg: cfg}
}

// CountTokens approximates token count as whitespace-separated words. The
// same measure is used for the budget check and the stored token_count
// field so the two never disagree.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// piece is a unit entering the merge loop. After pre-splitting, every
// piece fits the token budget on its own.
type piece struct {
	text      string
	tokens    int
	pageStart int
	pageEnd   int
	language  string
	embedding []float32
}

// Chunk merges segments into drafts. Segments above the token budget are
// first split at sentence boundaries, so every resulting draft fits the
// budget. Returns drafts in reading order with contiguous ordinals.
func (c *Chunker) Chunk(ctx context.Context, segments []parser.Segment) ([]Draft, error) {
	if len(segments) == 0 {
		return nil, nil
	}

	budget := c.cfg.TokenBudget
	if budget <= 0 {
		budget = 512
	}

	pieces := c.split(segments, budget)
	if len(pieces) == 0 {
		return nil, nil
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.text
	}

	embeddings, err := c.embedder.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return nil, &ChunkingError{Stage: "embedding", Cause: err}
	}
	if len(embeddings) != len(pieces) {
		return nil, &ChunkingError{
			Stage: "embedding",
			Cause: fmt.Errorf("expected %d embeddings, got %d", len(pieces), len(embeddings)),
		}
	}
	for i := range pieces {
		pieces[i].embedding = embeddings[i]
	}

	groups := mergePass(singletonGroups(pieces), budget, c.cfg.SimilarityThreshold)
	if c.cfg.DoublePassMerge {
		// One extra pass picks up neighbors separated by a flush in the
		// first pass. Capped so degenerate thresholds still terminate.
		groups = mergePass(groups, budget, c.cfg.SimilarityThreshold)
	}

	drafts := make([]Draft, len(groups))
	for i, g := range groups {
		drafts[i] = Draft{
			Text:      g.text(),
			Tokens:    g.tokens,
			Ordinal:   i,
			PageStart: g.pageStart,
			PageEnd:   g.pageEnd,
			Language:  g.language,
		}
	}

	logger.Debug("Chunked document",
		zap.Int("segments", len(segments)),
		zap.Int("pieces", len(pieces)),
		zap.Int("chunks", len(drafts)),
	)

	return drafts, nil
}

// group is a run of merged pieces with a token-weighted centroid.
type group struct {
	parts     []string
	tokens    int
	pageStart int
	pageEnd   int
	language  string
	centroid  []float64
	weight    float64
}

func (g *group) text() string {
	return strings.Join(g.parts, "\n")
}

func newGroup(p piece) *group {
	g := &group{
		parts:     []string{p.text},
		tokens:    p.tokens,
		pageStart: p.pageStart,
		pageEnd:   p.pageEnd,
		language:  p.language,
	}
	g.absorb(p.embedding, float64(p.tokens))
	return g
}

func (g *group) absorb(embedding []float32, weight float64) {
	if weight <= 0 {
		weight = 1
	}
	if g.centroid == nil {
		g.centroid = make([]float64, len(embedding))
	}
	for i := 0; i < len(g.centroid) && i < len(embedding); i++ {
		g.centroid[i] += float64(embedding[i]) * weight
	}
	g.weight += weight
}

func (g *group) merge(other *group) {
	g.parts = append(g.parts, other.parts...)
	g.tokens += other.tokens
	if other.pageEnd > g.pageEnd {
		g.pageEnd = other.pageEnd
	}
	for i := 0; i < len(g.centroid) && i < len(other.centroid); i++ {
		g.centroid[i] += other.centroid[i]
	}
	g.weight += other.weight
}

func singletonGroups(pieces []piece) []*group {
	groups := make([]*group, len(pieces))
	for i, p := range pieces {
		groups[i] = newGroup(p)
	}
	return groups
}

// mergePass folds each group into its predecessor when the pair is close
// enough and the merged size fits the budget. Order is preserved.
func mergePass(groups []*group, budget int, threshold float64) []*group {
	if len(groups) < 2 {
		return groups
	}

	merged := []*group{groups[0]}
	for _, next := range groups[1:] {
		current := merged[len(merged)-1]
		if current.tokens+next.tokens <= budget &&
			centroidSimilarity(current, next) >= threshold {
			current.merge(next)
			continue
		}
		merged = append(merged, next)
	}
	return merged
}

func centroidSimilarity(a, b *group) float64 {
	n := len(a.centroid)
	if len(b.centroid) < n {
		n = len(b.centroid)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a.centroid[i] * b.centroid[i]
		normA += a.centroid[i] * a.centroid[i]
		normB += b.centroid[i] * b.centroid[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// split maps segments to pieces, breaking any segment above the budget at
// sentence boundaries first and at word boundaries as a last resort.
func (c *Chunker) split(segments []parser.Segment, budget int) []piece {
	var pieces []piece
	for _, seg := range segments {
		tokens := CountTokens(seg.Text)
		if tokens == 0 {
			continue
		}
		if tokens <= budget {
			pieces = append(pieces, piece{
				text:      seg.Text,
				tokens:    tokens,
				pageStart: seg.Page,
				pageEnd:   seg.Page,
				language:  seg.Language,
			})
			continue
		}
		for _, part := range splitText(seg.Text, budget) {
			pieces = append(pieces, piece{
				text:      part,
				tokens:    CountTokens(part),
				pageStart: seg.Page,
				pageEnd:   seg.Page,
				language:  seg.Language,
			})
		}
	}
	return pieces
}

func splitText(text string, budget int) []string {
	sentences := sentenceSplit(text)

	var parts []string
	var buf []string
	bufTokens := 0

	flush := func() {
		if len(buf) > 0 {
			parts = append(parts, strings.Join(buf, " "))
			buf = nil
			bufTokens = 0
		}
	}

	for _, sentence := range sentences {
		tokens := CountTokens(sentence)
		if tokens > budget {
			flush()
			parts = append(parts, wordSplit(sentence, budget)...)
			continue
		}
		if bufTokens+tokens > budget {
			flush()
		}
		buf = append(buf, sentence)
		bufTokens += tokens
	}
	flush()

	return parts
}

func sentenceSplit(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		logger.Warn("Sentence segmentation failed, falling back to word split",
			zap.Error(err))
		return []string{text}
	}

	sentences := doc.Sentences()
	out := make([]string, 0, len(sentences))
	for _, s := range sentences {
		trimmed := strings.TrimSpace(s.Text)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

func wordSplit(text string, budget int) []string {
	words := strings.Fields(text)
	var parts []string
	for start := 0; start < len(words); start += budget {
		end := start + budget
		if end > len(words) {
			end = len(words)
		}
		parts = append(parts, strings.Join(words[start:end], " "))
	}
	return parts
}
