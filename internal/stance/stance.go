// Package stance turns retrieved evidence into a stance verdict. Each
// evidence passage is judged independently on the -2..2 scale, then the
// per-passage scores are aggregated into one overall stance with a
// confidence derived from how strongly the scores agree in direction.
package stance

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lobbyscope/backend/internal/llm"
	"github.com/lobbyscope/backend/internal/metrics"
	"github.com/lobbyscope/backend/internal/retriever"
	"github.com/lobbyscope/backend/pkg/config"
	"github.com/lobbyscope/backend/pkg/logger"
)

type Judge interface {
	JudgeStance(ctx context.Context, question, evidence, author string) (*llm.Judgment, error)
}

// EvidenceJudgment pairs one evidence passage with its judged score so a
// verdict can be re-derived from its parts.
type EvidenceJudgment struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	FileName   string  `json:"file_name"`
	Text       string  `json:"text"`
	Score      int     `json:"score"`
	Reason     string  `json:"reason"`
	Similarity float32 `json:"similarity"`
}

// Verdict is the aggregated stance for one question. Overall is the
// rounded mean of the evidence scores; Confidence is the fraction of
// scored passages whose sign agrees with the majority direction.
// ExcludedCount reports passages dropped for unparseable judgments.
type Verdict struct {
	ID            string             `json:"id"`
	Question      string             `json:"question"`
	Overall       int                `json:"overall"`
	Confidence    float64            `json:"confidence"`
	Evidence      []EvidenceJudgment `json:"evidence"`
	ExcludedCount int                `json:"excluded_count"`
}

// ErrNoEvidence is returned when no passage yields a usable judgment.
var ErrNoEvidence = errors.New("no usable evidence to aggregate")

type Aggregator struct {
	judge       Judge
	concurrency int
}

func NewAggregator(judge Judge, cfg config.StanceConfig) *Aggregator {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Aggregator{judge: judge, concurrency: concurrency}
}

// Assess judges every passage concurrently and aggregates the results.
// Unparseable judgments are excluded and counted rather than failing the
// verdict; judge transport errors abort the whole assessment.
func (a *Aggregator) Assess(ctx context.Context, question, author string, evidence []retriever.Evidence) (*Verdict, error) {
	if len(evidence) == 0 {
		return nil, ErrNoEvidence
	}

	judged := make([]*EvidenceJudgment, len(evidence))
	var mu sync.Mutex
	excluded := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for i, ev := range evidence {
		i, ev := i, ev
		g.Go(func() error {
			judgment, err := a.judge.JudgeStance(gctx, question, ev.Text, author)
			if err != nil {
				var parseErr *llm.JudgmentParseError
				if errors.As(err, &parseErr) {
					metrics.StanceJudgments.WithLabelValues("excluded").Inc()
					logger.Warn("Excluding unparseable judgment",
						zap.String("chunk_id", ev.ID),
						zap.Error(err),
					)
					mu.Lock()
					excluded++
					mu.Unlock()
					return nil
				}
				return err
			}

			metrics.StanceJudgments.WithLabelValues("scored").Inc()
			judged[i] = &EvidenceJudgment{
				ChunkID:    ev.ID,
				DocumentID: ev.DocumentID,
				FileName:   ev.FileName,
				Text:       ev.Text,
				Score:      judgment.Score,
				Reason:     judgment.Reason,
				Similarity: ev.Similarity,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var kept []EvidenceJudgment
	var scores []int
	for _, j := range judged {
		if j != nil {
			kept = append(kept, *j)
			scores = append(scores, j.Score)
		}
	}

	if len(scores) == 0 {
		return nil, ErrNoEvidence
	}

	overall, confidence := Aggregate(scores)
	metrics.StanceConfidence.Observe(confidence)

	return &Verdict{
		ID:            uuid.New().String(),
		Question:      question,
		Overall:       overall,
		Confidence:    confidence,
		Evidence:      kept,
		ExcludedCount: excluded,
	}, nil
}

// Aggregate folds per-evidence scores into an overall stance and a
// confidence. The overall score is the mean rounded half away from zero
// and clamped to [-2, 2]. Confidence is the fraction of scores matching
// the dominant direction; zero scores count toward neither side, and an
// all-zero set is fully confident in neutrality.
func Aggregate(scores []int) (int, float64) {
	if len(scores) == 0 {
		return 0, 0
	}

	sum := 0
	positive, negative := 0, 0
	for _, s := range scores {
		sum += s
		switch {
		case s > 0:
			positive++
		case s < 0:
			negative++
		}
	}

	mean := float64(sum) / float64(len(scores))
	overall := int(math.Round(mean))
	if overall > 2 {
		overall = 2
	}
	if overall < -2 {
		overall = -2
	}

	majority := positive
	if negative > majority {
		majority = negative
	}
	if positive == 0 && negative == 0 {
		return overall, 1
	}

	return overall, float64(majority) / float64(len(scores))
}
