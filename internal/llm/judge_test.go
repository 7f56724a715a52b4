package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJudgmentValid(t *testing.T) {
	content := `{"evidence_scores": [{"score": -2, "reason": "The company lobbied against the carbon tax."}]}`

	j, err := parseJudgment(content)
	require.NoError(t, err)
	assert.Equal(t, -2, j.Score)
	assert.Equal(t, "The company lobbied against the carbon tax.", j.Reason)
}

func TestParseJudgmentStripsCodeFence(t *testing.T) {
	content := "```json\n{\"evidence_scores\": [{\"score\": 1, \"reason\": \"Supports disclosure rules.\"}]}\n```"

	j, err := parseJudgment(content)
	require.NoError(t, err)
	assert.Equal(t, 1, j.Score)
}

func TestParseJudgmentExtractsEmbeddedBlock(t *testing.T) {
	content := `Here is my assessment: {"evidence_scores": [{"score": 0, "reason": "No clear engagement."}]}`

	j, err := parseJudgment(content)
	require.NoError(t, err)
	assert.Equal(t, 0, j.Score)
}

func TestParseJudgmentRejectsMalformedOutput(t *testing.T) {
	cases := map[string]string{
		"not json":          "the stance is positive",
		"score out of range": `{"evidence_scores": [{"score": 5, "reason": "too enthusiastic"}]}`,
		"fractional score":   `{"evidence_scores": [{"score": 1.5, "reason": "hedge"}]}`,
		"missing score":      `{"evidence_scores": [{"reason": "no score"}]}`,
		"missing reason":     `{"evidence_scores": [{"score": 1}]}`,
		"empty list":         `{"evidence_scores": []}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseJudgment(content)
			require.Error(t, err)

			var parseErr *JudgmentParseError
			assert.ErrorAs(t, err, &parseErr)
		})
	}
}
