package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/metrics"
	"github.com/lobbyscope/backend/pkg/logger"
	"github.com/lobbyscope/backend/pkg/retry"
)

// Judgment is one model verdict over a single evidence passage: a stance
// score in {-2,-1,0,1,2} and a free-text rationale.
type Judgment struct {
	Score  int
	Reason string
}

// JudgmentParseError marks model output that did not match the declared
// schema. It is scoped to one evidence item and never aborts a whole
// verdict.
type JudgmentParseError struct {
	Raw   string
	Cause error
}

func (e *JudgmentParseError) Error() string {
	return fmt.Sprintf("malformed judgment output: %v", e.Cause)
}

func (e *JudgmentParseError) Unwrap() error {
	return e.Cause
}

const judgmentSystemPrompt = `You are an analyst assessing how a company engages with a climate policy.
Given a policy question and an evidence passage from one of the company's documents, score the company's stance toward the policy:
 2: strongly supportive engagement
 1: supportive engagement
 0: neutral, unclear or no engagement
-1: oppositional engagement
-2: strongly oppositional engagement

Respond with JSON only, matching exactly this schema:
{"evidence_scores": [{"score": <integer in [-2, 2]>, "reason": "<one or two sentence justification grounded in the passage>"}]}`

// JudgeStance scores one evidence passage against the policy question.
// Schema violations come back as a *JudgmentParseError; timeouts as
// ErrExternalTimeout.
func (c *Client) JudgeStance(ctx context.Context, question, evidence, author string) (*Judgment, error) {
	userPrompt := fmt.Sprintf("Policy question: %s\n\nEvidence passage:\n%s", question, evidence)
	if author != "" {
		userPrompt = fmt.Sprintf("Company in question: %s\n\n%s", author, userPrompt)
	}

	var content string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			resp, err := c.client.CreateChatCompletion(
				callCtx,
				openai.ChatCompletionRequest{
					Model: c.judgmentModel,
					Messages: []openai.ChatCompletionMessage{
						{Role: openai.ChatMessageRoleSystem, Content: judgmentSystemPrompt},
						{Role: openai.ChatMessageRoleUser, Content: userPrompt},
					},
					Temperature: c.temperature,
					MaxTokens:   c.maxTokens,
					ResponseFormat: &openai.ChatCompletionResponseFormat{
						Type: openai.ChatCompletionResponseFormatTypeJSONObject,
					},
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create judgment completion: %w", err)
			}

			if len(resp.Choices) == 0 {
				return fmt.Errorf("judgment completion returned no choices")
			}

			content = resp.Choices[0].Message.Content
			metrics.LLMTokensUsed.WithLabelValues(c.judgmentModel, "judgment").Add(float64(resp.Usage.TotalTokens))
			return nil
		})
	})

	if err != nil {
		return nil, wrapTimeout(err)
	}

	judgment, err := parseJudgment(content)
	if err != nil {
		logger.Warn("Judgment output failed schema validation", zap.Error(err))
		return nil, err
	}

	return judgment, nil
}

var jsonBlockPattern = regexp.MustCompile(`\{[\s\S]+\}`)

type judgmentEnvelope struct {
	EvidenceScores []struct {
		Score  *float64 `json:"score"`
		Reason string   `json:"reason"`
	} `json:"evidence_scores"`
}

// parseJudgment validates the model output against the evidence_scores
// schema before trusting any field.
func parseJudgment(content string) (*Judgment, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	var envelope judgmentEnvelope
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		block := jsonBlockPattern.FindString(trimmed)
		if block == "" {
			return nil, &JudgmentParseError{Raw: content, Cause: err}
		}
		if err := json.Unmarshal([]byte(block), &envelope); err != nil {
			return nil, &JudgmentParseError{Raw: content, Cause: err}
		}
	}

	if len(envelope.EvidenceScores) == 0 {
		return nil, &JudgmentParseError{Raw: content, Cause: fmt.Errorf("missing evidence_scores")}
	}

	first := envelope.EvidenceScores[0]
	if first.Score == nil {
		return nil, &JudgmentParseError{Raw: content, Cause: fmt.Errorf("missing score field")}
	}
	if *first.Score != math.Trunc(*first.Score) {
		return nil, &JudgmentParseError{Raw: content, Cause: fmt.Errorf("score %v is not an integer", *first.Score)}
	}

	score := int(*first.Score)
	if score < -2 || score > 2 {
		return nil, &JudgmentParseError{Raw: content, Cause: fmt.Errorf("score %d outside [-2, 2]", score)}
	}
	if strings.TrimSpace(first.Reason) == "" {
		return nil, &JudgmentParseError{Raw: content, Cause: fmt.Errorf("missing reason field")}
	}

	return &Judgment{Score: score, Reason: first.Reason}, nil
}
