package retriever

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobbyscope/backend/internal/vector"
	"github.com/lobbyscope/backend/pkg/config"
)

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	return s.vec, s.err
}

type stubSearcher struct {
	candidates []vector.Candidate
	err        error
	gotLimit   int
}

func (s *stubSearcher) Search(ctx context.Context, v []float32, filters vector.Filters, limit int) ([]vector.Candidate, error) {
	s.gotLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	out := s.candidates
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type stubReranker struct {
	scores []float64
	err    error
}

func (s *stubReranker) Rank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.scores[:len(documents)], nil
}

type stubCache struct {
	emb      []float32
	found    bool
	setCalls int
}

func (s *stubCache) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	return s.emb, s.found, nil
}

func (s *stubCache) SetEmbedding(ctx context.Context, textHash string, embedding []float32) error {
	s.setCalls++
	return nil
}

func candidates(n int) []vector.Candidate {
	out := make([]vector.Candidate, n)
	for i := 0; i < n; i++ {
		out[i] = vector.Candidate{
			Chunk: vector.Chunk{
				ID:         fmt.Sprintf("doc1_chunk_%d", i),
				DocumentID: "doc1",
				Ordinal:    i,
				Text:       fmt.Sprintf("passage %d", i),
			},
			Score: float32(1) - float32(i)*0.1,
		}
	}
	return out
}

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{TopKDefault: 5, OverfetchFactor: 3}
}

func TestRetrieveReturnsFewerThanTopK(t *testing.T) {
	r := New(
		&stubEmbedder{vec: []float32{1, 0}},
		&stubSearcher{candidates: candidates(3)},
		nil, nil, testConfig(),
	)

	evidence, err := r.Retrieve(context.Background(), "net zero targets", vector.Filters{}, 5)
	require.NoError(t, err)
	assert.Len(t, evidence, 3, "fewer matches than top_k is not an error")
	assert.False(t, evidence[0].Reranked)
}

func TestRetrieveRerankReorders(t *testing.T) {
	// Similarity order is 0,1,2; the cross-encoder prefers the last.
	r := New(
		&stubEmbedder{vec: []float32{1, 0}},
		&stubSearcher{candidates: candidates(3)},
		&stubReranker{scores: []float64{0.1, 0.5, 0.9}},
		nil, testConfig(),
	)

	evidence, err := r.Retrieve(context.Background(), "coal phase-out", vector.Filters{}, 3)
	require.NoError(t, err)
	require.Len(t, evidence, 3)

	assert.Equal(t, "doc1_chunk_2", evidence[0].ID)
	assert.Equal(t, "doc1_chunk_1", evidence[1].ID)
	assert.Equal(t, "doc1_chunk_0", evidence[2].ID)
	for _, e := range evidence {
		assert.True(t, e.Reranked)
	}
}

func TestRetrieveDegradesWhenRerankFails(t *testing.T) {
	r := New(
		&stubEmbedder{vec: []float32{1, 0}},
		&stubSearcher{candidates: candidates(3)},
		&stubReranker{err: errors.New("cross-encoder down")},
		nil, testConfig(),
	)

	evidence, err := r.Retrieve(context.Background(), "coal phase-out", vector.Filters{}, 3)
	require.NoError(t, err, "rerank failure must not fail the query")
	require.Len(t, evidence, 3)

	for i, e := range evidence {
		assert.Equal(t, fmt.Sprintf("doc1_chunk_%d", i), e.ID, "similarity order must be kept")
		assert.False(t, e.Reranked)
	}
}

type shortReranker struct{}

func (shortReranker) Rank(ctx context.Context, query string, documents []string) ([]float64, error) {
	return []float64{0.9}, nil
}

func TestRetrieveDegradesOnRerankScoreCountMismatch(t *testing.T) {
	r := New(
		&stubEmbedder{vec: []float32{1, 0}},
		&stubSearcher{candidates: candidates(3)},
		shortReranker{},
		nil, testConfig(),
	)

	evidence, err := r.Retrieve(context.Background(), "coal phase-out", vector.Filters{}, 3)
	require.NoError(t, err, "a miscounting reranker must not fail the query")
	require.Len(t, evidence, 3)

	for i, e := range evidence {
		assert.Equal(t, fmt.Sprintf("doc1_chunk_%d", i), e.ID, "similarity order must be kept")
		assert.False(t, e.Reranked)
	}
}

func TestRetrieveTruncatesToTopK(t *testing.T) {
	r := New(
		&stubEmbedder{vec: []float32{1, 0}},
		&stubSearcher{candidates: candidates(9)},
		&stubReranker{scores: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}},
		nil, testConfig(),
	)

	evidence, err := r.Retrieve(context.Background(), "methane pledges", vector.Filters{}, 2)
	require.NoError(t, err)
	require.Len(t, evidence, 2)
	assert.Equal(t, "doc1_chunk_8", evidence[0].ID, "truncation happens after reranking")
	assert.Equal(t, "doc1_chunk_7", evidence[1].ID)
}

func TestRetrieveDefaultsTopKAndOverfetches(t *testing.T) {
	searcher := &stubSearcher{candidates: candidates(2)}
	r := New(&stubEmbedder{vec: []float32{1, 0}}, searcher, nil, nil, testConfig())

	_, err := r.Retrieve(context.Background(), "adaptation funding", vector.Filters{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 15, searcher.gotLimit, "default top_k of 5 with overfetch factor 3")
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	r := New(&stubEmbedder{vec: []float32{1, 0}}, &stubSearcher{}, nil, nil, testConfig())

	_, err := r.Retrieve(context.Background(), "", vector.Filters{}, 5)
	assert.Error(t, err)
}

func TestRetrieveNoMatches(t *testing.T) {
	r := New(&stubEmbedder{vec: []float32{1, 0}}, &stubSearcher{}, nil, nil, testConfig())

	evidence, err := r.Retrieve(context.Background(), "fusion subsidies", vector.Filters{}, 5)
	require.NoError(t, err)
	assert.Nil(t, evidence)
}

func TestRetrieveUsesEmbeddingCache(t *testing.T) {
	embedder := &stubEmbedder{vec: []float32{1, 0}}
	cache := &stubCache{emb: []float32{0, 1}, found: true}
	r := New(embedder, &stubSearcher{candidates: candidates(1)}, nil, cache, testConfig())

	_, err := r.Retrieve(context.Background(), "carbon pricing", vector.Filters{}, 5)
	require.NoError(t, err)
	assert.Zero(t, embedder.calls, "cached embedding must skip the embedder")
	assert.Zero(t, cache.setCalls)

	cache.found = false
	_, err = r.Retrieve(context.Background(), "carbon pricing", vector.Filters{}, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, 1, cache.setCalls, "fresh embedding must be stored")
}
