// Package memory implements the chunk store over an in-process slice with
// brute-force cosine similarity. It backs tests and local development where
// a Milvus deployment is not available.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/lobbyscope/backend/internal/vector"
)

type Store struct {
	mu     sync.RWMutex
	chunks map[string]vector.Chunk
}

func NewStore() *Store {
	return &Store{chunks: make(map[string]vector.Chunk)}
}

func (s *Store) Insert(ctx context.Context, chunks []vector.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.DocumentID == documentID {
			delete(s.chunks, id)
		}
	}
	return nil
}

func (s *Store) Search(ctx context.Context, queryVector []float32, filters vector.Filters, limit int) ([]vector.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]vector.Candidate, 0, len(s.chunks))
	for _, c := range s.chunks {
		if !filters.Matches(c) {
			continue
		}
		candidates = append(candidates, vector.Candidate{
			Chunk: c,
			Score: cosine(queryVector, c.Embedding),
		})
	}

	// Full deterministic order before truncating, so tied scores at the
	// limit boundary always resolve to the same survivors.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].Ordinal != candidates[j].Ordinal {
			return candidates[i].Ordinal < candidates[j].Ordinal
		}
		return candidates[i].DocumentID < candidates[j].DocumentID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	return candidates, nil
}

func (s *Store) Close() error {
	return nil
}

// Count reports the number of stored chunks, optionally scoped to one
// document.
func (s *Store) Count(documentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if documentID == "" {
		return len(s.chunks)
	}
	n := 0
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			n++
		}
	}
	return n
}

func cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
