package contextmgr

import (
	"strings"
	"testing"

	"github.com/reinholt/loom/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, maxTokens, reserved int, strategy string) *Manager {
	t.Helper()
	m, err := New(Config{
		MaxTokens:         maxTokens,
		ReservedForOutput: reserved,
		Strategy:          strategy,
		RecentTurns:       4,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	return m
}

func snapshotOf(msgs ...session.Message) session.Snapshot {
	return session.Snapshot{ID: "sess-ctx", Messages: msgs}
}

func TestNewValidation(t *testing.T) {
	t.Run("rejects non-positive max tokens", func(t *testing.T) {
		_, err := New(Config{MaxTokens: 0})
		assert.Error(t, err)
	})

	t.Run("rejects reserved >= max", func(t *testing.T) {
		_, err := New(Config{MaxTokens: 100, ReservedForOutput: 100})
		assert.Error(t, err)
	})

	t.Run("rejects unknown strategy", func(t *testing.T) {
		_, err := New(Config{MaxTokens: 100, Strategy: "no-such-strategy"})
		assert.Error(t, err)
	})
}

func TestBuildWithinBudget(t *testing.T) {
	m := newTestManager(t, 1000, 100, StrategySlidingWindow)

	window, err := m.Build(snapshotOf(
		session.Message{Role: "system", Content: "prompt"},
		session.Message{Role: "user", Content: "hello"},
	))
	require.NoError(t, err)
	assert.False(t, window.Compacted)
	assert.Len(t, window.Messages, 2)
	assert.LessOrEqual(t, window.EstimatedTokens, m.Budget())
}

func TestBuildCompacts(t *testing.T) {
	m := newTestManager(t, 120, 20, StrategySlidingWindow)

	msgs := []session.Message{
		{Role: "system", Content: "prompt"},
	}
	for i := 0; i < 10; i++ {
		msgs = append(msgs,
			session.Message{Role: "user", Content: strings.Repeat("question ", 10)},
			session.Message{Role: "assistant", Content: strings.Repeat("answer ", 10)},
		)
	}

	window, err := m.Build(snapshotOf(msgs...))
	require.NoError(t, err)
	assert.True(t, window.Compacted)
	assert.Equal(t, StrategySlidingWindow, window.Strategy)
	assert.LessOrEqual(t, window.EstimatedTokens, m.Budget())

	// The system prompt and the latest user turn always survive.
	assert.Equal(t, "system", window.Messages[0].Role)
	lastUser := ""
	for _, msg := range window.Messages {
		if msg.Role == "user" {
			lastUser = msg.Content
		}
	}
	assert.NotEmpty(t, lastUser)
}

func TestBuildOverflow(t *testing.T) {
	m := newTestManager(t, 20, 5, StrategySlidingWindow)

	_, err := m.Build(snapshotOf(
		session.Message{Role: "system", Content: strings.Repeat("x", 200)},
		session.Message{Role: "user", Content: strings.Repeat("y", 200)},
	))
	var overflow *ContextOverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Greater(t, overflow.Required, overflow.Budget)
}

func TestEstimateMessageIncludesToolCalls(t *testing.T) {
	m := newTestManager(t, 1000, 0, StrategySlidingWindow)

	plain := session.Message{Role: "assistant", Content: "hi"}
	withCall := session.Message{
		Role:    "assistant",
		Content: "hi",
		ToolCalls: []session.ToolCall{
			{ID: "c1", Name: "fetch_url", Arguments: map[string]interface{}{"url": "https://example.com/some/long/path"}},
		},
	}
	assert.Greater(t, m.EstimateMessage(withCall), m.EstimateMessage(plain))
}

func TestSlidingWindowKeepsGroupsIntact(t *testing.T) {
	est := DefaultEstimator
	msgs := []session.Message{
		{Role: "system", Content: "p"},
		{Role: "user", Content: strings.Repeat("old ", 30)},
		{Role: "assistant", ToolCalls: []session.ToolCall{{ID: "c1", Name: "t"}}},
		{Role: "tool", Content: strings.Repeat("result ", 30), ToolCallID: "c1"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "latest"},
	}

	out := (&slidingWindow{}).Compact(msgs, 30, est, 4)

	// A tool reply never survives without its assistant request.
	for i, msg := range out {
		if msg.Role == "tool" {
			require.Greater(t, i, 0)
			assert.Equal(t, "assistant", out[i-1].Role)
		}
	}
	// Latest user turn survives.
	found := false
	for _, msg := range out {
		if msg.Role == "user" && msg.Content == "latest" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSummarizeMiddle(t *testing.T) {
	est := DefaultEstimator
	msgs := []session.Message{
		{Role: "system", Content: "p"},
	}
	for i := 0; i < 8; i++ {
		msgs = append(msgs,
			session.Message{Role: "user", Content: strings.Repeat("q ", 20)},
			session.Message{Role: "assistant", Content: strings.Repeat("a ", 20)},
		)
	}

	out := (&summarizeMiddle{}).Compact(msgs, 80, est, 4)

	require.NotEmpty(t, out)
	assert.Equal(t, "system", out[0].Role)
	summaryFound := false
	for _, msg := range out {
		if msg.Role == "system" && strings.Contains(msg.Content, "Conversation summary") {
			summaryFound = true
		}
	}
	assert.True(t, summaryFound, "expected a synthetic summary message")
	assert.Less(t, len(out), len(msgs))
}

func TestTruncateToolOutput(t *testing.T) {
	est := DefaultEstimator
	huge := strings.Repeat("data ", 3000)
	msgs := []session.Message{
		{Role: "system", Content: "p"},
		{Role: "user", Content: "run it"},
		{Role: "assistant", ToolCalls: []session.ToolCall{{ID: "c1", Name: "t"}}},
		{Role: "tool", Content: huge, ToolCallID: "c1"},
		{Role: "user", Content: "and?"},
	}

	out := (&truncateToolOutput{}).Compact(msgs, 1200, est, 4)

	for _, msg := range out {
		if msg.Role == "tool" {
			assert.Less(t, len(msg.Content), len(huge))
			assert.True(t, strings.HasSuffix(msg.Content, truncationMarker))
		}
	}
}

func TestDefaultEstimatorMonotonic(t *testing.T) {
	assert.Equal(t, 0, DefaultEstimator(""))
	assert.LessOrEqual(t, DefaultEstimator("short"), DefaultEstimator("a much longer piece of text"))
}
