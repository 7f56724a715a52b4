// Package retriever runs the read path: embed the query, over-fetch
// similar chunks from the index, rescore the candidates with the
// cross-encoder, and return the top passages as evidence.
package retriever

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/metrics"
	"github.com/lobbyscope/backend/internal/vector"
	"github.com/lobbyscope/backend/pkg/config"
	"github.com/lobbyscope/backend/pkg/logger"
	"github.com/lobbyscope/backend/pkg/utils"
)

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, vector []float32, filters vector.Filters, limit int) ([]vector.Candidate, error)
}

// Reranker scores query-passage pairs, one score per document in input
// order.
type Reranker interface {
	Rank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// EmbeddingCache avoids re-embedding repeated queries. Implemented by the
// redis client; a nil cache disables it.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32) error
}

// Evidence is one retrieved passage. Reranked reports whether RerankScore
// is meaningful; when the cross-encoder is unavailable results keep their
// similarity order and Reranked is false.
type Evidence struct {
	vector.Chunk
	Similarity  float32 `json:"similarity"`
	RerankScore float64 `json:"rerank_score"`
	Reranked    bool    `json:"reranked"`
}

type Retriever struct {
	embedder Embedder
	searcher Searcher
	reranker Reranker
	cache    EmbeddingCache
	cfg      config.RetrievalConfig
}

func New(embedder Embedder, searcher Searcher, reranker Reranker, cache EmbeddingCache, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		reranker: reranker,
		cache:    cache,
		cfg:      cfg,
	}
}

// Retrieve returns up to topK evidence passages for the query. A topK of
// zero or below uses the configured default; fewer matches than topK is
// not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, filters vector.Filters, topK int) ([]Evidence, error) {
	if query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	if topK <= 0 {
		topK = r.cfg.TopKDefault
	}
	if topK <= 0 {
		topK = 5
	}

	queryVector, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	overfetch := r.cfg.OverfetchFactor
	if overfetch <= 0 {
		overfetch = 3
	}

	candidates, err := r.searcher.Search(ctx, queryVector, filters, topK*overfetch)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if len(candidates) == 0 {
		metrics.RetrievalResults.Observe(0)
		return nil, nil
	}

	evidence := make([]Evidence, len(candidates))
	for i, c := range candidates {
		evidence[i] = Evidence{Chunk: c.Chunk, Similarity: c.Score}
	}

	r.rerank(ctx, query, evidence)

	if len(evidence) > topK {
		evidence = evidence[:topK]
	}

	metrics.RetrievalResults.Observe(float64(len(evidence)))
	return evidence, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	hash := utils.HashString(query)

	if r.cache != nil {
		cached, found, err := r.cache.GetEmbedding(ctx, hash)
		if err != nil {
			logger.Warn("Embedding cache lookup failed", zap.Error(err))
		}
		if found {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			return cached, nil
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
	}

	embedding, err := r.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SetEmbedding(ctx, hash, embedding); err != nil {
			logger.Warn("Failed to cache query embedding", zap.Error(err))
		}
	}

	return embedding, nil
}

// rerank rescores evidence in place with the cross-encoder and reorders by
// the new scores. On any failure the slice keeps its similarity order and
// every entry stays unmarked.
func (r *Retriever) rerank(ctx context.Context, query string, evidence []Evidence) {
	if r.reranker == nil {
		return
	}

	texts := make([]string, len(evidence))
	for i, e := range evidence {
		texts[i] = e.Text
	}

	scores, err := r.reranker.Rank(ctx, query, texts)
	if err != nil {
		metrics.RerankDegradations.Inc()
		logger.Warn("Reranking unavailable, serving similarity order",
			zap.Int("candidates", len(evidence)),
			zap.Error(err),
		)
		return
	}
	if len(scores) != len(evidence) {
		metrics.RerankDegradations.Inc()
		logger.Warn("Reranker returned wrong score count, serving similarity order",
			zap.Int("candidates", len(evidence)),
			zap.Int("scores", len(scores)),
		)
		return
	}

	for i := range evidence {
		evidence[i].RerankScore = scores[i]
		evidence[i].Reranked = true
	}

	sort.SliceStable(evidence, func(i, j int) bool {
		if evidence[i].RerankScore != evidence[j].RerankScore {
			return evidence[i].RerankScore > evidence[j].RerankScore
		}
		if evidence[i].Similarity != evidence[j].Similarity {
			return evidence[i].Similarity > evidence[j].Similarity
		}
		if evidence[i].Ordinal != evidence[j].Ordinal {
			return evidence[i].Ordinal < evidence[j].Ordinal
		}
		return evidence[i].DocumentID < evidence[j].DocumentID
	})
}
