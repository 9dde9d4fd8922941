package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Summarizer distills a turn's raw output into the short text stored as a
// session's last_output_summary (§4.4 stop step b). Summarization failure
// is best-effort and never blocks fan-out (§4.4 Failure semantics).
type Summarizer interface {
	Summarize(ctx context.Context, rawOutput string) (string, error)
}

// GenkitSummarizer calls a single LLM model through genkit to produce a
// one- or two-sentence summary, grounded on the teacher's genkit wiring
// (model selection via genkit.Init + ai.WithPrompt/WithModelName) but
// trimmed to a single-shot call — no tool loop, no conversation history,
// no provider-failover chain, since a stop-event summary is a single
// stateless completion, not a chat turn.
type GenkitSummarizer struct {
	g         *genkit.Genkit
	modelName string
}

// NewGenkitSummarizer wraps an already-initialized genkit instance (plugin
// selection — Anthropic, OpenAI-compatible, Google GenAI — happens once at
// daemon startup, the same provider-selection switch the teacher's brain
// construction uses) and the model name to call for every summary.
func NewGenkitSummarizer(g *genkit.Genkit, modelName string) *GenkitSummarizer {
	return &GenkitSummarizer{g: g, modelName: modelName}
}

const summarizePrompt = "Summarize the following AI agent turn output in one or two plain sentences, for a human watching a dashboard. Do not include code blocks or markdown. Output:\n\n"

func (s *GenkitSummarizer) Summarize(ctx context.Context, rawOutput string) (string, error) {
	if s == nil || s.g == nil {
		return "", fmt.Errorf("summarizer not configured")
	}
	trimmed := strings.TrimSpace(rawOutput)
	if trimmed == "" {
		return "", nil
	}

	resp, err := genkit.Generate(ctx, s.g,
		ai.WithModelName(s.modelName),
		ai.WithPrompt(summarizePrompt+trimmed),
	)
	if err != nil {
		return "", fmt.Errorf("summarize turn output: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}
