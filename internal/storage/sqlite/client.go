package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/storage/models"
	"github.com/lobbyscope/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		file_name TEXT UNIQUE NOT NULL,
		author TEXT,
		region TEXT,
		language TEXT,
		date INTEGER DEFAULT 0,
		size_bytes INTEGER DEFAULT 0,
		content_hash TEXT,
		stage TEXT NOT NULL,
		error TEXT,
		chunk_count INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_author ON documents(author);
	CREATE INDEX IF NOT EXISTS idx_documents_region ON documents(region);
	CREATE INDEX IF NOT EXISTS idx_documents_stage ON documents(stage);
	CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(updated_at);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON document_chunks(doc_id);

	CREATE TABLE IF NOT EXISTS verdicts (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		author TEXT,
		overall INTEGER NOT NULL,
		confidence REAL NOT NULL,
		excluded_count INTEGER DEFAULT 0,
		evidence_json TEXT NOT NULL,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_verdicts_author ON verdicts(author);
	CREATE INDEX IF NOT EXISTS idx_verdicts_created ON verdicts(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) UpsertDocument(doc *models.Document) error {
	query := `
		INSERT INTO documents (id, file_name, author, region, language, date, size_bytes,
			content_hash, stage, error, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			author = excluded.author,
			region = excluded.region,
			language = excluded.language,
			date = excluded.date,
			size_bytes = excluded.size_bytes,
			content_hash = excluded.content_hash,
			stage = excluded.stage,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := c.db.Exec(
		query,
		doc.ID,
		doc.FileName,
		doc.Author,
		doc.Region,
		doc.Language,
		doc.Date,
		doc.SizeBytes,
		doc.ContentHash,
		doc.Stage,
		doc.Error,
		doc.ChunkCount,
		doc.CreatedAt.Unix(),
		doc.UpdatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	logger.Debug("Document upserted",
		zap.String("doc_id", doc.ID),
		zap.String("file_name", doc.FileName),
		zap.String("stage", doc.Stage),
	)
	return nil
}

// GetDocument returns nil without error when the document is unknown.
func (c *Client) GetDocument(id string) (*models.Document, error) {
	query := `
		SELECT id, file_name, author, region, language, date, size_bytes,
			content_hash, stage, error, chunk_count, created_at, updated_at
		FROM documents WHERE id = ?
	`

	doc, err := scanDocument(c.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return doc, nil
}

// UpdateDocumentStage advances the ingestion state. errMsg is recorded
// only for the failed stage and cleared otherwise.
func (c *Client) UpdateDocumentStage(id, stage, errMsg string) error {
	query := `UPDATE documents SET stage = ?, error = ?, updated_at = ? WHERE id = ?`

	_, err := c.db.Exec(query, stage, errMsg, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update document stage: %w", err)
	}

	return nil
}

func (c *Client) SetDocumentCommitted(id, stage string, chunkCount int) error {
	query := `UPDATE documents SET stage = ?, error = '', chunk_count = ?, updated_at = ? WHERE id = ?`

	_, err := c.db.Exec(query, stage, chunkCount, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}

	return nil
}

func (c *Client) DeleteDocument(id string) error {
	_, err := c.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	logger.Debug("Document deleted from registry", zap.String("doc_id", id))
	return nil
}

// ReplaceChunks swaps a document's chunk rows in one transaction so the
// registry mirrors the vector index after a re-ingest.
func (c *Client) ReplaceChunks(docID string, chunks []models.DocumentChunk) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM document_chunks WHERE doc_id = ?`, docID)
	if err != nil {
		return fmt.Errorf("failed to delete prior chunks: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO document_chunks (id, doc_id, ordinal, text, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, chunk := range chunks {
		_, err = stmt.Exec(chunk.ID, chunk.DocID, chunk.Ordinal, chunk.Text, chunk.TokenCount, now)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}

	return nil
}

func (c *Client) CountDocuments() (int, error) {
	var count int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

func (c *Client) CountChunks() (int, error) {
	var count int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM document_chunks`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// distinctColumns whitelists the fields exposed for faceting; anything else
// is rejected before touching SQL.
var distinctColumns = map[string]string{
	"author":    "author",
	"region":    "region",
	"language":  "language",
	"file_name": "file_name",
}

func (c *Client) DistinctValues(field string) ([]string, error) {
	column, ok := distinctColumns[field]
	if !ok {
		return nil, fmt.Errorf("unsupported field: %s", field)
	}

	query := fmt.Sprintf(
		`SELECT DISTINCT %s FROM documents WHERE %s != '' ORDER BY %s`,
		column, column, column,
	)

	rows, err := c.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to get distinct values: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		values = append(values, v)
	}

	return values, rows.Err()
}

func (c *Client) ListDocuments(limit, offset int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, file_name, author, region, language, date, size_bytes,
			content_hash, stage, error, chunk_count, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := c.db.Query(query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		docs = append(docs, *doc)
	}

	return docs, rows.Err()
}

func (c *Client) InsertVerdict(v *models.Verdict) error {
	query := `
		INSERT INTO verdicts (id, question, author, overall, confidence,
			excluded_count, evidence_json, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		v.ID,
		v.Question,
		v.Author,
		v.Overall,
		v.Confidence,
		v.ExcludedCount,
		v.EvidenceJSON,
		v.LatencyMS,
		time.Now().Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert verdict: %w", err)
	}

	logger.Info("Verdict recorded",
		zap.String("verdict_id", v.ID),
		zap.Int("overall", v.Overall),
		zap.Float64("confidence", v.Confidence),
	)

	return nil
}

func (c *Client) ListVerdicts(author string, limit int) ([]models.Verdict, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, question, author, overall, confidence, excluded_count,
			evidence_json, latency_ms, created_at
		FROM verdicts
	`
	args := []interface{}{}
	if author != "" {
		query += ` WHERE author = ?`
		args = append(args, author)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []models.Verdict
	for rows.Next() {
		var v models.Verdict
		var createdAt int64
		err := rows.Scan(&v.ID, &v.Question, &v.Author, &v.Overall, &v.Confidence,
			&v.ExcludedCount, &v.EvidenceJSON, &v.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		v.CreatedAt = time.Unix(createdAt, 0)
		verdicts = append(verdicts, v)
	}

	return verdicts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var createdAt, updatedAt int64

	err := row.Scan(
		&doc.ID,
		&doc.FileName,
		&doc.Author,
		&doc.Region,
		&doc.Language,
		&doc.Date,
		&doc.SizeBytes,
		&doc.ContentHash,
		&doc.Stage,
		&doc.Error,
		&doc.ChunkCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)
	return &doc, nil
}
