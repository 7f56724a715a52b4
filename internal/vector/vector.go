// Package vector defines the chunk store contract and the consistency
// wrapper that makes document replacement atomic from a reader's
// perspective.
package vector

import (
	"context"
	"errors"
)

var (
	// ErrIndexUnavailable marks a store that cannot be reached. Callers
	// retry with bounded backoff before surfacing it.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrDuplicateInsert marks a replace attempted without holding the
	// document lease. It is a caller discipline violation, not a user
	// error.
	ErrDuplicateInsert = errors.New("concurrent insert without document lease")
)

// Chunk is the unit of retrieval as persisted in the index.
type Chunk struct {
	ID         string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	FileName   string    `json:"file_name"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	Embedding  []float32 `json:"-"`
	Author     string    `json:"author,omitempty"`
	Region     string    `json:"region,omitempty"`
	Language   string    `json:"language,omitempty"`
	Date       int64     `json:"date,omitempty"`
}

// Candidate is a chunk returned by similarity search together with its
// cosine similarity to the query vector.
type Candidate struct {
	Chunk
	Score float32
}

// Filters are conjunctive predicates over chunk metadata. Zero values mean
// "no constraint"; DateFrom/DateTo bound the document date as unix seconds.
type Filters struct {
	Author   string
	Region   string
	FileName string
	Language string
	DateFrom int64
	DateTo   int64
}

// Matches reports whether a chunk satisfies every set predicate.
func (f Filters) Matches(c Chunk) bool {
	if f.Author != "" && c.Author != f.Author {
		return false
	}
	if f.Region != "" && c.Region != f.Region {
		return false
	}
	if f.FileName != "" && c.FileName != f.FileName {
		return false
	}
	if f.Language != "" && c.Language != f.Language {
		return false
	}
	if f.DateFrom != 0 && c.Date < f.DateFrom {
		return false
	}
	if f.DateTo != 0 && c.Date > f.DateTo {
		return false
	}
	return true
}

// Store is the backing chunk store. Implementations: the Milvus client and
// the in-memory brute-force store used in tests and local development.
type Store interface {
	Insert(ctx context.Context, chunks []Chunk) error
	DeleteDocument(ctx context.Context, documentID string) error
	Search(ctx context.Context, vector []float32, filters Filters, limit int) ([]Candidate, error)
	Close() error
}
