package stance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobbyscope/backend/internal/llm"
	"github.com/lobbyscope/backend/internal/retriever"
	"github.com/lobbyscope/backend/internal/vector"
	"github.com/lobbyscope/backend/pkg/config"
)

// stubJudge scores passages by their text. Unknown passages produce a
// parse failure; a configured transport error trumps everything.
type stubJudge struct {
	scores       map[string]int
	transportErr error
}

func (s *stubJudge) JudgeStance(ctx context.Context, question, evidence, author string) (*llm.Judgment, error) {
	if s.transportErr != nil {
		return nil, s.transportErr
	}
	score, ok := s.scores[evidence]
	if !ok {
		return nil, &llm.JudgmentParseError{Raw: "not json", Cause: errors.New("no judgment object found")}
	}
	return &llm.Judgment{Score: score, Reason: "because " + evidence}, nil
}

func evidenceList(texts ...string) []retriever.Evidence {
	out := make([]retriever.Evidence, len(texts))
	for i, text := range texts {
		out[i] = retriever.Evidence{
			Chunk: vector.Chunk{
				ID:         text + "_id",
				DocumentID: "doc1",
				FileName:   "doc1.pdf",
				Text:       text,
			},
			Similarity: 0.9,
		}
	}
	return out
}

func TestAssessAggregatesAndExcludes(t *testing.T) {
	judge := &stubJudge{scores: map[string]int{
		"supports carbon tax":   2,
		"backs disclosure rule": 1,
		"endorses ets":          2,
		"opposes coal deadline": -1,
	}}
	a := NewAggregator(judge, config.StanceConfig{Concurrency: 2})

	evidence := evidenceList(
		"supports carbon tax",
		"backs disclosure rule",
		"endorses ets",
		"opposes coal deadline",
		"garbled passage",
	)

	verdict, err := a.Assess(context.Background(), "carbon pricing support?", "Acme Corp", evidence)
	require.NoError(t, err)

	assert.Equal(t, 1, verdict.Overall)
	assert.InDelta(t, 0.75, verdict.Confidence, 1e-9)
	assert.Equal(t, 1, verdict.ExcludedCount)
	assert.Len(t, verdict.Evidence, 4)
	assert.NotEmpty(t, verdict.ID)
	assert.Equal(t, "carbon pricing support?", verdict.Question)
}

func TestAssessVerdictIsRederivable(t *testing.T) {
	judge := &stubJudge{scores: map[string]int{
		"a": 2, "b": -2, "c": 1,
	}}
	a := NewAggregator(judge, config.StanceConfig{})

	verdict, err := a.Assess(context.Background(), "q", "", evidenceList("a", "b", "c"))
	require.NoError(t, err)

	scores := make([]int, len(verdict.Evidence))
	for i, e := range verdict.Evidence {
		scores[i] = e.Score
	}
	overall, confidence := Aggregate(scores)
	assert.Equal(t, verdict.Overall, overall)
	assert.Equal(t, verdict.Confidence, confidence)
}

func TestAssessNoEvidence(t *testing.T) {
	a := NewAggregator(&stubJudge{}, config.StanceConfig{})

	_, err := a.Assess(context.Background(), "q", "", nil)
	assert.ErrorIs(t, err, ErrNoEvidence)
}

func TestAssessAllJudgmentsExcluded(t *testing.T) {
	a := NewAggregator(&stubJudge{scores: map[string]int{}}, config.StanceConfig{})

	_, err := a.Assess(context.Background(), "q", "", evidenceList("x", "y"))
	assert.ErrorIs(t, err, ErrNoEvidence)
}

func TestAssessTransportErrorAborts(t *testing.T) {
	boom := errors.New("upstream unreachable")
	a := NewAggregator(&stubJudge{transportErr: boom}, config.StanceConfig{})

	_, err := a.Assess(context.Background(), "q", "", evidenceList("x"))
	assert.ErrorIs(t, err, boom)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name       string
		scores     []int
		overall    int
		confidence float64
	}{
		{"mixed majority positive", []int{2, 1, 2, -1}, 1, 0.75},
		{"half rounds away from zero", []int{1, 2}, 2, 1},
		{"negative half rounds away from zero", []int{-1, -2}, -2, 1},
		{"single score", []int{-2}, -2, 1},
		{"all neutral", []int{0, 0, 0}, 0, 1},
		{"neutral dilutes confidence", []int{2, 0, 0, 2}, 1, 0.5},
		{"even split", []int{2, -2}, 0, 0.5},
		{"empty", nil, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overall, confidence := Aggregate(tt.scores)
			assert.Equal(t, tt.overall, overall)
			assert.InDelta(t, tt.confidence, confidence, 1e-9)
		})
	}
}
