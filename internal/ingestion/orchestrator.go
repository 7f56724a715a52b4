// Package ingestion drives a document through parse, chunk and index as
// one transaction. A document moves received -> parsing -> chunking ->
// indexing -> committed, or to failed with the stage that killed it; there
// is no automatic retry, a failed document is re-submitted explicitly.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/chunker"
	"github.com/lobbyscope/backend/internal/metrics"
	"github.com/lobbyscope/backend/internal/parser"
	"github.com/lobbyscope/backend/internal/storage/models"
	"github.com/lobbyscope/backend/internal/storage/sqlite"
	"github.com/lobbyscope/backend/internal/vector"
	"github.com/lobbyscope/backend/pkg/logger"
	"github.com/lobbyscope/backend/pkg/utils"
)

const (
	StageReceived  = "received"
	StageParsing   = "parsing"
	StageChunking  = "chunking"
	StageIndexing  = "indexing"
	StageCommitted = "committed"
	StageFailed    = "failed"
)

// ErrEmptyDocument marks a parse that yielded no usable text.
var ErrEmptyDocument = errors.New("document produced no content")

// Error reports which stage an ingestion died in.
type Error struct {
	DocumentID string
	Stage      string
	Cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingestion of %s failed during %s: %v", e.DocumentID, e.Stage, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

type Request struct {
	FileName string
	Content  []byte
	Author   string
	Region   string
	Language string
	Date     int64
}

type Result struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	Skipped    bool   `json:"skipped"`
}

// StatusEvent is published on every stage transition, for status polling
// and the websocket stream.
type StatusEvent struct {
	DocumentID string    `json:"document_id"`
	FileName   string    `json:"file_name"`
	Stage      string    `json:"stage"`
	Error      string    `json:"error,omitempty"`
	ChunkCount int       `json:"chunk_count,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Invalidator drops cached retrieval responses after the corpus changes.
type Invalidator interface {
	InvalidateRetrievalCache(ctx context.Context) error
}

type Orchestrator struct {
	parser          *parser.Parser
	chunker         *chunker.Chunker
	embedder        Embedder
	index           *vector.Index
	db              *sqlite.Client
	cache           Invalidator
	strategy        string
	defaultLanguage string

	mu          sync.Mutex
	subscribers map[chan StatusEvent]struct{}
}

func NewOrchestrator(
	p *parser.Parser,
	c *chunker.Chunker,
	embedder Embedder,
	index *vector.Index,
	db *sqlite.Client,
	cache Invalidator,
	strategy string,
	defaultLanguage string,
) *Orchestrator {
	return &Orchestrator{
		parser:          p,
		chunker:         c,
		embedder:        embedder,
		index:           index,
		db:              db,
		cache:           cache,
		strategy:        strategy,
		defaultLanguage: defaultLanguage,
		subscribers:     make(map[chan StatusEvent]struct{}),
	}
}

// Ingest runs the full pipeline for one document. Re-submitting a file
// whose content is unchanged and already committed is a no-op; changed
// content atomically supersedes the previous chunk set. The document lock
// is held for the whole transaction, so two ingests of the same file
// serialize.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (*Result, error) {
	if req.FileName == "" {
		return nil, fmt.Errorf("file name is required")
	}
	if len(req.Content) == 0 {
		return nil, fmt.Errorf("document content is empty")
	}

	docID := utils.HashString(req.FileName)
	contentHash := utils.HashBytes(req.Content)
	language := req.Language
	if language == "" {
		language = o.defaultLanguage
	}

	lease, err := o.index.Acquire(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire document lock: %w", err)
	}
	defer lease.Release()

	existing, err := o.db.GetDocument(docID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Stage == StageCommitted && existing.ContentHash == contentHash {
		logger.Info("Skipping unchanged document",
			zap.String("doc_id", docID),
			zap.String("file_name", req.FileName),
		)
		return &Result{DocumentID: docID, ChunkCount: existing.ChunkCount, Skipped: true}, nil
	}

	started := time.Now()

	doc := &models.Document{
		ID:          docID,
		FileName:    req.FileName,
		Author:      req.Author,
		Region:      req.Region,
		Language:    language,
		Date:        req.Date,
		SizeBytes:   int64(len(req.Content)),
		ContentHash: contentHash,
		Stage:       StageReceived,
	}
	if existing != nil {
		doc.CreatedAt = existing.CreatedAt
	}
	if err := o.db.UpsertDocument(doc); err != nil {
		return nil, err
	}
	o.publish(StatusEvent{DocumentID: docID, FileName: req.FileName, Stage: StageReceived, Timestamp: time.Now()})

	segments, err := runStage(o, docID, req.FileName, StageParsing, func() ([]parser.Segment, error) {
		return o.parser.Parse(ctx, req.FileName, req.Content, language)
	})
	if err != nil {
		return nil, err
	}

	drafts, err := runStage(o, docID, req.FileName, StageChunking, func() ([]chunker.Draft, error) {
		drafts, err := o.chunker.Chunk(ctx, segments)
		if err != nil {
			return nil, err
		}
		if len(drafts) == 0 {
			return nil, ErrEmptyDocument
		}
		return drafts, nil
	})
	if err != nil {
		return nil, err
	}

	chunks, err := runStage(o, docID, req.FileName, StageIndexing, func() ([]vector.Chunk, error) {
		chunks, err := o.buildChunks(ctx, docID, req, language, drafts)
		if err != nil {
			return nil, err
		}
		if err := o.index.ReplaceDocument(ctx, lease, chunks); err != nil {
			return nil, err
		}
		if err := o.db.ReplaceChunks(docID, chunkRows(docID, drafts)); err != nil {
			return nil, err
		}
		return chunks, nil
	})
	if err != nil {
		return nil, err
	}

	if err := o.db.SetDocumentCommitted(docID, StageCommitted, len(chunks)); err != nil {
		return nil, err
	}

	o.invalidateCache(ctx)

	metrics.IngestTotal.WithLabelValues(StageCommitted, "").Inc()
	metrics.IngestDuration.WithLabelValues(o.strategy).Observe(time.Since(started).Seconds())
	metrics.ChunksPerDocument.Observe(float64(len(chunks)))

	o.publish(StatusEvent{
		DocumentID: docID,
		FileName:   req.FileName,
		Stage:      StageCommitted,
		ChunkCount: len(chunks),
		Timestamp:  time.Now(),
	})

	logger.Info("Document committed",
		zap.String("doc_id", docID),
		zap.String("file_name", req.FileName),
		zap.Int("chunks", len(chunks)),
		zap.Duration("took", time.Since(started)),
	)

	return &Result{DocumentID: docID, ChunkCount: len(chunks)}, nil
}

// runStage records the stage transition, runs fn and converts its failure
// into a terminal failed state.
func runStage[T any](o *Orchestrator, docID, fileName, stage string, fn func() (T, error)) (T, error) {
	var zero T

	if err := o.db.UpdateDocumentStage(docID, stage, ""); err != nil {
		return zero, err
	}
	o.publish(StatusEvent{DocumentID: docID, FileName: fileName, Stage: stage, Timestamp: time.Now()})

	out, err := fn()
	if err != nil {
		return zero, o.fail(docID, fileName, stage, err)
	}
	return out, nil
}

func (o *Orchestrator) fail(docID, fileName, stage string, cause error) error {
	msg := fmt.Sprintf("%s: %v", stage, cause)
	if err := o.db.UpdateDocumentStage(docID, StageFailed, msg); err != nil {
		logger.Error("Failed to record ingestion failure", zap.String("doc_id", docID), zap.Error(err))
	}

	metrics.IngestTotal.WithLabelValues(StageFailed, stage).Inc()
	o.publish(StatusEvent{
		DocumentID: docID,
		FileName:   fileName,
		Stage:      StageFailed,
		Error:      msg,
		Timestamp:  time.Now(),
	})

	logger.Error("Ingestion failed",
		zap.String("doc_id", docID),
		zap.String("file_name", fileName),
		zap.String("stage", stage),
		zap.Error(cause),
	)

	return &Error{DocumentID: docID, Stage: stage, Cause: cause}
}

func (o *Orchestrator) buildChunks(ctx context.Context, docID string, req Request, language string, drafts []chunker.Draft) ([]vector.Chunk, error) {
	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Text
	}

	embeddings, err := o.embedder.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(drafts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(drafts), len(embeddings))
	}

	chunks := make([]vector.Chunk, len(drafts))
	for i, d := range drafts {
		chunks[i] = vector.Chunk{
			ID:         fmt.Sprintf("%s_chunk_%d", docID, d.Ordinal),
			DocumentID: docID,
			FileName:   req.FileName,
			Ordinal:    d.Ordinal,
			Text:       d.Text,
			TokenCount: d.Tokens,
			Embedding:  embeddings[i],
			Author:     req.Author,
			Region:     req.Region,
			Language:   language,
			Date:       req.Date,
		}
	}
	return chunks, nil
}

func chunkRows(docID string, drafts []chunker.Draft) []models.DocumentChunk {
	rows := make([]models.DocumentChunk, len(drafts))
	for i, d := range drafts {
		rows[i] = models.DocumentChunk{
			ID:         fmt.Sprintf("%s_chunk_%d", docID, d.Ordinal),
			DocID:      docID,
			Ordinal:    d.Ordinal,
			Text:       d.Text,
			TokenCount: d.Tokens,
		}
	}
	return rows
}

// Delete removes a document from the index and the registry.
func (o *Orchestrator) Delete(ctx context.Context, docID string) error {
	if err := o.index.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("failed to delete from index: %w", err)
	}
	if err := o.db.DeleteDocument(docID); err != nil {
		return err
	}

	o.invalidateCache(ctx)
	o.publish(StatusEvent{DocumentID: docID, Stage: "deleted", Timestamp: time.Now()})
	return nil
}

// Status returns the registry row for a document, nil when unknown.
func (o *Orchestrator) Status(docID string) (*models.Document, error) {
	return o.db.GetDocument(docID)
}

func (o *Orchestrator) invalidateCache(ctx context.Context) {
	if o.cache == nil {
		return
	}
	if err := o.cache.InvalidateRetrievalCache(ctx); err != nil {
		logger.Warn("Failed to invalidate retrieval cache", zap.Error(err))
	}
}

// Subscribe returns a channel of stage transitions. Slow consumers drop
// events instead of stalling ingestion.
func (o *Orchestrator) Subscribe() chan StatusEvent {
	ch := make(chan StatusEvent, 32)
	o.mu.Lock()
	o.subscribers[ch] = struct{}{}
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) Unsubscribe(ch chan StatusEvent) {
	o.mu.Lock()
	delete(o.subscribers, ch)
	o.mu.Unlock()
	close(ch)
}

func (o *Orchestrator) publish(event StatusEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for ch := range o.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
