// Package parser converts raw PDF bytes into an ordered sequence of text
// segments by calling an external parsing service. Two interchangeable
// backends exist: a layout-aware one that preserves reading order and
// structural roles, and a fast structure-agnostic one that extracts raw
// text per page.
package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/metrics"
	"github.com/lobbyscope/backend/pkg/logger"
)

// Segment is the intermediate unit a backend produces. It only lives inside
// one ingestion run and is never persisted.
type Segment struct {
	Text     string
	Page     int
	Role     string
	Language string
}

// Options are forwarded to the parsing backend.
type Options struct {
	Device      string
	ThreadCount int
	Language    string
}

// Backend is the capability interface every parsing strategy implements.
type Backend interface {
	Parse(ctx context.Context, document []byte, opts Options) ([]Segment, error)
	Name() string
}

// ParseError marks a document the backend could not read: corrupt bytes,
// encrypted content or an unsupported format. It is local to one document;
// other ingests are unaffected.
type ParseError struct {
	FileName string
	Strategy string
	Cause    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failed for %q (strategy %s): %v", e.FileName, e.Strategy, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

type Config struct {
	Strategy    string
	LargeFileMB float64
	SaveParsed  bool
	OutputDir   string
	Device      string
	ThreadCount int
}

type Parser struct {
	layout Backend
	plain  Backend
	cfg    Config
}

func New(layout, plain Backend, cfg Config) *Parser {
	if cfg.Strategy == "" {
		cfg.Strategy = "layout"
	}
	return &Parser{
		layout: layout,
		plain:  plain,
		cfg:    cfg,
	}
}

// Parse runs the configured strategy over the document. Documents above the
// large-file threshold skip the layout backend entirely, and a layout
// failure falls back to the plain backend instead of aborting ingestion.
// Output is deterministic for a given document and strategy.
func (p *Parser) Parse(ctx context.Context, fileName string, document []byte, language string) ([]Segment, error) {
	opts := Options{
		Device:      p.cfg.Device,
		ThreadCount: p.cfg.ThreadCount,
		Language:    language,
	}

	sizeMB := float64(len(document)) / (1024 * 1024)

	backend := p.plain
	if p.cfg.Strategy == "layout" && sizeMB <= p.cfg.LargeFileMB {
		backend = p.layout
	}

	segments, err := backend.Parse(ctx, document, opts)
	if err != nil && backend == p.layout {
		metrics.ParserFallbacks.Inc()
		logger.Warn("Layout parser failed, falling back to plain extraction",
			zap.String("file_name", fileName),
			zap.Error(err),
		)
		backend = p.plain
		segments, err = backend.Parse(ctx, document, opts)
	}
	if err != nil {
		return nil, &ParseError{FileName: fileName, Strategy: backend.Name(), Cause: err}
	}

	cleaned := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		seg.Text = postProcess(seg.Text)
		if seg.Text == "" {
			continue
		}
		if seg.Language == "" {
			seg.Language = language
		}
		cleaned = append(cleaned, seg)
	}

	if p.cfg.SaveParsed {
		if err := p.saveMarkdown(fileName, language, cleaned); err != nil {
			logger.Warn("Failed to save parsed content",
				zap.String("file_name", fileName),
				zap.Error(err),
			)
		}
	}

	logger.Info("Document parsed",
		zap.String("file_name", fileName),
		zap.String("strategy", backend.Name()),
		zap.Int("segments", len(cleaned)),
	)

	return cleaned, nil
}

var (
	glyphPattern      = regexp.MustCompile(`GLYPH<[^>]+>`)
	imagePattern      = regexp.MustCompile(`<!-- image -->`)
	escapedUnderscore = regexp.MustCompile(`\\{1,2}_`)
)

// postProcess strips artifacts the layout engine leaves in exported text.
func postProcess(text string) string {
	text = glyphPattern.ReplaceAllString(text, "")
	text = imagePattern.ReplaceAllString(text, "")
	text = escapedUnderscore.ReplaceAllString(text, ".")
	return strings.TrimSpace(text)
}

func (p *Parser) saveMarkdown(fileName, language string, segments []Segment) error {
	if err := os.MkdirAll(p.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	var builder strings.Builder
	builder.WriteString("---\n")
	builder.WriteString(fmt.Sprintf("file_name: %s\n", fileName))
	builder.WriteString(fmt.Sprintf("file_language: %s\n", language))
	builder.WriteString("---\n\n")
	for _, seg := range segments {
		builder.WriteString(seg.Text)
		builder.WriteString("\n\n")
	}

	base := strings.TrimSuffix(fileName, filepath.Ext(fileName)) + ".md"
	path := filepath.Join(p.cfg.OutputDir, base)
	return os.WriteFile(path, []byte(builder.String()), 0644)
}
