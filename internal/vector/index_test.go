package vector_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobbyscope/backend/internal/vector"
	"github.com/lobbyscope/backend/internal/vector/memory"
)

func docChunks(docID string, n int, embedding []float32) []vector.Chunk {
	chunks := make([]vector.Chunk, 0, n)
	for i := 0; i < n; i++ {
		chunks = append(chunks, vector.Chunk{
			ID:         fmt.Sprintf("%s_chunk_%d", docID, i),
			DocumentID: docID,
			FileName:   docID + ".pdf",
			Ordinal:    i,
			Text:       fmt.Sprintf("chunk %d of %s", i, docID),
			TokenCount: 10,
			Embedding:  embedding,
			Author:     "Acme Corp",
		})
	}
	return chunks
}

func replace(t *testing.T, ix *vector.Index, docID string, chunks []vector.Chunk) {
	t.Helper()
	lease, err := ix.Acquire(context.Background(), docID)
	require.NoError(t, err)
	defer lease.Release()
	require.NoError(t, ix.ReplaceDocument(context.Background(), lease, chunks))
}

func TestReplaceDocumentIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	ix := vector.NewIndex(store)

	chunks := docChunks("doc1", 3, []float32{1, 0})
	replace(t, ix, "doc1", chunks)
	replace(t, ix, "doc1", chunks)

	assert.Equal(t, 3, store.Count("doc1"))

	results, err := ix.Search(context.Background(), []float32{1, 0}, vector.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("doc1_chunk_%d", i), r.ID)
	}
}

func TestReplaceDocumentWithoutLeaseIsRejected(t *testing.T) {
	ix := vector.NewIndex(memory.NewStore())

	err := ix.ReplaceDocument(context.Background(), nil, docChunks("doc1", 1, []float32{1, 0}))
	assert.ErrorIs(t, err, vector.ErrDuplicateInsert)

	lease, err := ix.Acquire(context.Background(), "doc1")
	require.NoError(t, err)
	lease.Release()

	err = ix.ReplaceDocument(context.Background(), lease, docChunks("doc1", 1, []float32{1, 0}))
	assert.ErrorIs(t, err, vector.ErrDuplicateInsert)
}

func TestReplaceDocumentRejectsForeignChunks(t *testing.T) {
	ix := vector.NewIndex(memory.NewStore())

	lease, err := ix.Acquire(context.Background(), "doc1")
	require.NoError(t, err)
	defer lease.Release()

	err = ix.ReplaceDocument(context.Background(), lease, docChunks("doc2", 1, []float32{1, 0}))
	assert.Error(t, err)
}

// blockingStore delays Insert until released, to hold a replacement open
// while a concurrent search runs.
type blockingStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Insert(ctx context.Context, chunks []vector.Chunk) error {
	close(b.entered)
	<-b.release
	return b.Store.Insert(ctx, chunks)
}

func TestSearchExcludesDocumentMidReplacement(t *testing.T) {
	store := &blockingStore{
		Store:   memory.NewStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	ix := vector.NewIndex(store)

	// Seed directly on the inner store so only the replacement below hits
	// the blocking Insert.
	require.NoError(t, store.Store.Insert(context.Background(), docChunks("other", 1, []float32{1, 0})))
	require.NoError(t, store.Store.Insert(context.Background(), docChunks("doc1", 2, []float32{1, 0})))

	done := make(chan error, 1)
	go func() {
		lease, err := ix.Acquire(context.Background(), "doc1")
		if err != nil {
			done <- err
			return
		}
		defer lease.Release()
		done <- ix.ReplaceDocument(context.Background(), lease, docChunks("doc1", 4, []float32{1, 0}))
	}()

	<-store.entered

	results, err := ix.Search(context.Background(), []float32{1, 0}, vector.Filters{}, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "doc1", r.DocumentID, "search observed a document mid-replacement")
	}
	require.Len(t, results, 1)

	close(store.release)
	require.NoError(t, <-done)

	results, err = ix.Search(context.Background(), []float32{1, 0}, vector.Filters{}, 10)
	require.NoError(t, err)
	count := 0
	for _, r := range results {
		if r.DocumentID == "doc1" {
			count++
		}
	}
	assert.Equal(t, 4, count, "search must observe the fully-new chunk set after replacement")
}

func TestSearchOrderingIsStable(t *testing.T) {
	ix := vector.NewIndex(memory.NewStore())

	// Identical embeddings force score ties; order must fall back to
	// ordinal, then document id.
	replace(t, ix, "beta", docChunks("beta", 2, []float32{1, 0}))
	replace(t, ix, "alpha", docChunks("alpha", 2, []float32{1, 0}))

	var prev []string
	for trial := 0; trial < 5; trial++ {
		results, err := ix.Search(context.Background(), []float32{1, 0}, vector.Filters{}, 10)
		require.NoError(t, err)
		require.Len(t, results, 4)

		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}

		expected := []string{"alpha_chunk_0", "beta_chunk_0", "alpha_chunk_1", "beta_chunk_1"}
		assert.Equal(t, expected, ids)

		if prev != nil {
			assert.Equal(t, prev, ids)
		}
		prev = ids
	}
}

func TestSearchTiedScoresAtLimitAreDeterministic(t *testing.T) {
	ix := vector.NewIndex(memory.NewStore())

	// More tied candidates than the limit: which ones survive truncation
	// must not depend on iteration order.
	for _, doc := range []string{"delta", "beta", "gamma", "alpha"} {
		replace(t, ix, doc, docChunks(doc, 1, []float32{1, 0}))
	}

	for trial := 0; trial < 50; trial++ {
		results, err := ix.Search(context.Background(), []float32{1, 0}, vector.Filters{}, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)

		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}
		assert.Equal(t, []string{"alpha_chunk_0", "beta_chunk_0"}, ids)
	}
}

func TestSearchAppliesFilters(t *testing.T) {
	ix := vector.NewIndex(memory.NewStore())

	chunks := docChunks("doc1", 1, []float32{1, 0})
	chunks[0].Region = "EU"
	chunks[0].Date = 1700000000
	replace(t, ix, "doc1", chunks)

	other := docChunks("doc2", 1, []float32{1, 0})
	other[0].Region = "US"
	other[0].Date = 1500000000
	replace(t, ix, "doc2", other)

	results, err := ix.Search(context.Background(), []float32{1, 0}, vector.Filters{Region: "EU"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc1", results[0].DocumentID)

	results, err = ix.Search(context.Background(), []float32{1, 0}, vector.Filters{DateFrom: 1600000000}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc1", results[0].DocumentID)
}

func TestDeleteDocumentRemovesAllChunks(t *testing.T) {
	store := memory.NewStore()
	ix := vector.NewIndex(store)

	replace(t, ix, "doc1", docChunks("doc1", 3, []float32{1, 0}))
	require.NoError(t, ix.DeleteDocument(context.Background(), "doc1"))

	assert.Equal(t, 0, store.Count("doc1"))
}

func TestAcquireSerializesSameDocument(t *testing.T) {
	ix := vector.NewIndex(memory.NewStore())

	lease, err := ix.Acquire(context.Background(), "doc1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := ix.Acquire(context.Background(), "doc1")
		if err == nil {
			second.Release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lease was held")
	case <-time.After(50 * time.Millisecond):
	}

	lease.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	ix := vector.NewIndex(memory.NewStore())

	lease, err := ix.Acquire(context.Background(), "doc1")
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = ix.Acquire(ctx, "doc1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
