package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lobbyscope/backend/pkg/logger"
	"github.com/lobbyscope/backend/pkg/retry"
)

// Index wraps a Store with the consistency guarantees the read and write
// paths rely on: per-document serialization of replacements, search results
// that never mix a document's pre- and post-replace chunk sets, bounded
// retries on an unreachable store, and a stable result ordering.
type Index struct {
	store       Store
	retryConfig retry.Config

	mu       sync.Mutex
	locks    map[string]chan struct{}
	inflight map[string]struct{}
}

func NewIndex(store Store) *Index {
	return &Index{
		store: store,
		retryConfig: retry.Config{
			MaxAttempts:     3,
			InitialDelay:    200 * time.Millisecond,
			MaxDelay:        2 * time.Second,
			Multiplier:      2.0,
			JitterFraction:  0.1,
			RetryableErrors: []error{ErrIndexUnavailable},
			Logger:          logger.GetLogger(),
		},
		locks:    make(map[string]chan struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Lease is proof that the holder serializes all writes for one document.
// Acquired for the whole parse+chunk+replace transaction and released on
// every exit path.
type Lease struct {
	documentID string
	index      *Index
	released   bool
	mu         sync.Mutex
}

func (l *Lease) DocumentID() string {
	return l.documentID
}

// Release frees the document lock. Safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.index.release(l.documentID)
}

func (l *Lease) active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released
}

// Acquire blocks until the per-document lock is available or ctx is done.
func (ix *Index) Acquire(ctx context.Context, documentID string) (*Lease, error) {
	ix.mu.Lock()
	ch, ok := ix.locks[documentID]
	if !ok {
		ch = make(chan struct{}, 1)
		ix.locks[documentID] = ch
	}
	ix.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return &Lease{documentID: documentID, index: ix}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ix *Index) release(documentID string) {
	ix.mu.Lock()
	ch := ix.locks[documentID]
	ix.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// ReplaceDocument swaps a document's chunk set as one logical operation.
// The caller must hold the document lease; while the swap is in progress
// the document is registered as in flight so Search excludes it rather
// than exposing a partial chunk set.
func (ix *Index) ReplaceDocument(ctx context.Context, lease *Lease, chunks []Chunk) error {
	if lease == nil || !lease.active() {
		return ErrDuplicateInsert
	}

	docID := lease.documentID
	for _, c := range chunks {
		if c.DocumentID != docID {
			return fmt.Errorf("chunk %s does not belong to document %s", c.ID, docID)
		}
	}

	ix.setInflight(docID, true)
	defer ix.setInflight(docID, false)

	err := retry.Do(ctx, ix.retryConfig, func() error {
		return ix.store.DeleteDocument(ctx, docID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete prior chunks for %s: %w", docID, err)
	}

	if len(chunks) > 0 {
		err = retry.Do(ctx, ix.retryConfig, func() error {
			return ix.store.Insert(ctx, chunks)
		})
		if err != nil {
			return fmt.Errorf("failed to insert chunks for %s: %w", docID, err)
		}
	}

	logger.Info("Document chunk set replaced",
		zap.String("document_id", docID),
		zap.Int("chunks", len(chunks)),
	)

	return nil
}

// DeleteDocument removes all chunks for a document under its lock.
func (ix *Index) DeleteDocument(ctx context.Context, documentID string) error {
	lease, err := ix.Acquire(ctx, documentID)
	if err != nil {
		return err
	}
	defer lease.Release()

	ix.setInflight(documentID, true)
	defer ix.setInflight(documentID, false)

	return retry.Do(ctx, ix.retryConfig, func() error {
		return ix.store.DeleteDocument(ctx, documentID)
	})
}

// Search runs filtered nearest-neighbor search. Results exclude documents
// mid-replacement and come back in a reproducible order: similarity
// descending, then chunk ordinal ascending, then document id.
func (ix *Index) Search(ctx context.Context, vector []float32, filters Filters, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	candidates, err := retry.DoWithResult(ctx, ix.retryConfig, func() ([]Candidate, error) {
		return ix.store.Search(ctx, vector, filters, limit)
	})
	if err != nil {
		return nil, err
	}

	skip := ix.inflightSnapshot()
	filtered := candidates[:0]
	for _, c := range candidates {
		if _, mid := skip[c.DocumentID]; mid {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Score != filtered[j].Score {
			return filtered[i].Score > filtered[j].Score
		}
		if filtered[i].Ordinal != filtered[j].Ordinal {
			return filtered[i].Ordinal < filtered[j].Ordinal
		}
		return filtered[i].DocumentID < filtered[j].DocumentID
	})

	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return filtered, nil
}

func (ix *Index) Close() error {
	return ix.store.Close()
}

func (ix *Index) setInflight(documentID string, active bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if active {
		ix.inflight[documentID] = struct{}{}
	} else {
		delete(ix.inflight, documentID)
	}
}

func (ix *Index) inflightSnapshot() map[string]struct{} {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	snapshot := make(map[string]struct{}, len(ix.inflight))
	for id := range ix.inflight {
		snapshot[id] = struct{}{}
	}
	return snapshot
}
