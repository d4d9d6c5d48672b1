package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/reinholt/loom/internal/observability"
	"github.com/reinholt/loom/pkg/contextmgr"
	"github.com/rs/zerolog"
)

// Judge issues a single non-tool model completion. The agent package's
// providers satisfy this through a thin adapter.
type Judge interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const judgeSystemPrompt = `You are a strict reviewer of assistant answers.
Judge the candidate answer against the rubric. Respond with exactly one of:
PASS
FAIL: <one-line reason>
Optionally, after a FAIL line, add:
REVISION: <a corrected answer>`

// LLMVerifier judges a candidate answer with one additional model call.
type LLMVerifier struct {
	judge  Judge
	rubric string
	logger zerolog.Logger
}

// NewLLMVerifier creates an LLM-backed verifier with the given rubric.
func NewLLMVerifier(judge Judge, rubric string, logger zerolog.Logger) (*LLMVerifier, error) {
	if judge == nil {
		return nil, fmt.Errorf("judge is required")
	}
	if rubric == "" {
		return nil, fmt.Errorf("rubric cannot be empty")
	}
	return &LLMVerifier{judge: judge, rubric: rubric, logger: logger}, nil
}

// Name implements Verifier.
func (v *LLMVerifier) Name() string { return "llm" }

// Verify implements Verifier. A malformed judge response counts as a pass
// with a warning rather than blocking the answer.
func (v *LLMVerifier) Verify(ctx context.Context, candidate string, window contextmgr.Window) (Result, error) {
	var request strings.Builder
	request.WriteString("# Rubric\n")
	request.WriteString(v.rubric)
	request.WriteString("\n\n# Latest user request\n")
	request.WriteString(latestUserContent(window))
	request.WriteString("\n\n# Candidate answer\n")
	request.WriteString(candidate)

	reply, err := v.judge.Complete(ctx, judgeSystemPrompt, request.String())
	if err != nil {
		return Result{}, fmt.Errorf("judge call failed: %w", err)
	}

	result, ok := parseVerdict(reply)
	if !ok {
		v.logger.Warn().Str("reply", truncate(reply, 200)).Msg("Unparseable judge verdict, treating as pass")
		result = Result{Passed: true}
	}
	observability.RecordVerification(v.Name(), result.Passed)
	return result, nil
}

func parseVerdict(reply string) (Result, bool) {
	var result Result
	seen := false
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "PASS" || strings.HasPrefix(line, "PASS"):
			if !seen {
				result.Passed = true
				seen = true
			}
		case strings.HasPrefix(line, "FAIL"):
			if !seen {
				result.Passed = false
				result.Reason = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "FAIL:"), "FAIL"))
				seen = true
			}
		case strings.HasPrefix(line, "REVISION:"):
			result.SuggestedRevision = strings.TrimSpace(strings.TrimPrefix(line, "REVISION:"))
		}
	}
	return result, seen
}

func latestUserContent(window contextmgr.Window) string {
	for i := len(window.Messages) - 1; i >= 0; i-- {
		if window.Messages[i].Role == "user" {
			return window.Messages[i].Content
		}
	}
	return "(no user message)"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
