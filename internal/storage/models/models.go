// Package models holds the rows of the document registry. The registry is
// the durable record of what has been ingested; the vector index can be
// rebuilt from it.
package models

import "time"

// Document is one ingested PDF. Stage tracks the ingestion state machine;
// Error is set only when Stage is "failed". Date is the document's claimed
// publication date as a unix epoch, zero when unknown.
type Document struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	Author      string    `json:"author"`
	Region      string    `json:"region"`
	Language    string    `json:"language"`
	Date        int64     `json:"date"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentHash string    `json:"content_hash"`
	Stage       string    `json:"stage"`
	Error       string    `json:"error,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type DocumentChunk struct {
	ID         string    `json:"id"`
	DocID      string    `json:"doc_id"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Verdict is a recorded stance assessment. EvidenceJSON holds the judged
// evidence list verbatim so the overall score can be re-derived later.
type Verdict struct {
	ID            string    `json:"id"`
	Question      string    `json:"question"`
	Author        string    `json:"author"`
	Overall       int       `json:"overall"`
	Confidence    float64   `json:"confidence"`
	ExcludedCount int       `json:"excluded_count"`
	EvidenceJSON  string    `json:"evidence_json"`
	LatencyMS     int       `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}
