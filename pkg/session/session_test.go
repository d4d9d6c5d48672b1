package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return New("sess-test", 0)
}

func TestAppendMessageRoleAlternation(t *testing.T) {
	t.Run("accepts a plain conversation", func(t *testing.T) {
		s := newTestSession(t)
		require.NoError(t, s.AppendMessage(Message{Role: "system", Content: "be helpful"}))
		require.NoError(t, s.AppendMessage(Message{Role: "user", Content: "hi"}))
		require.NoError(t, s.AppendMessage(Message{Role: "assistant", Content: "hello"}))
		assert.Len(t, s.Snapshot().Messages, 3)
	})

	t.Run("tool calls must be answered before other roles", func(t *testing.T) {
		s := newTestSession(t)
		require.NoError(t, s.AppendMessage(Message{Role: "user", Content: "go"}))
		require.NoError(t, s.AppendMessage(Message{
			Role:      "assistant",
			ToolCalls: []ToolCall{{ID: "call-1", Name: "fetch_url"}},
		}))

		err := s.AppendMessage(Message{Role: "user", Content: "too soon"})
		var invalid *InvalidTranscriptError
		require.ErrorAs(t, err, &invalid)

		require.NoError(t, s.AppendMessage(Message{Role: "tool", Content: "ok", ToolCallID: "call-1"}))
		require.NoError(t, s.AppendMessage(Message{Role: "user", Content: "now fine"}))
	})

	t.Run("tool message must answer a known call id", func(t *testing.T) {
		s := newTestSession(t)
		require.NoError(t, s.AppendMessage(Message{Role: "user", Content: "go"}))
		require.NoError(t, s.AppendMessage(Message{
			Role:      "assistant",
			ToolCalls: []ToolCall{{ID: "call-1", Name: "x"}},
		}))

		err := s.AppendMessage(Message{Role: "tool", Content: "nope", ToolCallID: "call-9"})
		var invalid *InvalidTranscriptError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("tool message requires a call id", func(t *testing.T) {
		s := newTestSession(t)
		err := s.AppendMessage(Message{Role: "tool", Content: "orphan"})
		var invalid *InvalidTranscriptError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("multiple calls answered in any order", func(t *testing.T) {
		s := newTestSession(t)
		require.NoError(t, s.AppendMessage(Message{Role: "user", Content: "go"}))
		require.NoError(t, s.AppendMessage(Message{
			Role: "assistant",
			ToolCalls: []ToolCall{
				{ID: "call-1", Name: "a"},
				{ID: "call-2", Name: "b"},
			},
		}))
		require.NoError(t, s.AppendMessage(Message{Role: "tool", Content: "2", ToolCallID: "call-2"}))
		require.NoError(t, s.AppendMessage(Message{Role: "tool", Content: "1", ToolCallID: "call-1"}))
		require.NoError(t, s.AppendMessage(Message{Role: "assistant", Content: "done"}))
	})

	t.Run("rejects unknown roles", func(t *testing.T) {
		s := newTestSession(t)
		err := s.AppendMessage(Message{Role: "narrator", Content: "meanwhile"})
		var invalid *InvalidTranscriptError
		require.ErrorAs(t, err, &invalid)
	})
}

func TestTransitions(t *testing.T) {
	t.Run("follows the turn lifecycle", func(t *testing.T) {
		s := newTestSession(t)
		require.NoError(t, s.Transition(StateRunning))
		require.NoError(t, s.Transition(StateAwaitingTools))
		require.NoError(t, s.Transition(StateRunning))
		require.NoError(t, s.Transition(StateVerifying))
		require.NoError(t, s.Transition(StateComplete))
		assert.Equal(t, StateComplete, s.State())
	})

	t.Run("complete session can start another turn", func(t *testing.T) {
		s := newTestSession(t)
		require.NoError(t, s.Transition(StateRunning))
		require.NoError(t, s.Transition(StateVerifying))
		require.NoError(t, s.Transition(StateComplete))
		require.NoError(t, s.Transition(StateRunning))
	})

	t.Run("rejects invalid edges", func(t *testing.T) {
		s := newTestSession(t)
		assert.Error(t, s.Transition(StateVerifying))
		require.NoError(t, s.Transition(StateRunning))
		assert.Error(t, s.Transition(StateComplete))
	})

	t.Run("aborted has no outgoing edges", func(t *testing.T) {
		s := newTestSession(t)
		require.NoError(t, s.Abort("test"))
		assert.Error(t, s.Transition(StateRunning))
		assert.True(t, StateAborted.Terminal())
	})
}

func TestAbort(t *testing.T) {
	t.Run("cancels the abort context", func(t *testing.T) {
		s := newTestSession(t)
		ctx := s.AbortContext()
		select {
		case <-ctx.Done():
			t.Fatal("context cancelled before abort")
		default:
		}

		require.NoError(t, s.Abort("operator"))
		<-ctx.Done()
		assert.True(t, s.Aborted())
		assert.Equal(t, "operator", s.Snapshot().AbortReason)
	})

	t.Run("is idempotent", func(t *testing.T) {
		s := newTestSession(t)
		require.NoError(t, s.Abort("first"))
		require.NoError(t, s.Abort("second"))
		assert.Equal(t, "first", s.Snapshot().AbortReason)
	})
}

func TestClose(t *testing.T) {
	t.Run("rejects mutation after close", func(t *testing.T) {
		s := newTestSession(t)
		s.Close()
		s.Close() // idempotent

		var closed *SessionClosedError
		require.ErrorAs(t, s.AppendMessage(Message{Role: "user", Content: "x"}), &closed)
		require.ErrorAs(t, s.Transition(StateRunning), &closed)
		require.ErrorAs(t, s.Abort("late"), &closed)
		assert.True(t, s.Closed())
	})
}

func TestSnapshotIsolation(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.AppendMessage(Message{Role: "user", Content: "hi"}))

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"

	assert.Equal(t, "hi", s.Snapshot().Messages[0].Content)
}

func TestUsageAndTurns(t *testing.T) {
	s := newTestSession(t)
	s.AddUsage(Usage{InputTokens: 10, OutputTokens: 5})
	s.AddUsage(Usage{InputTokens: 3, OutputTokens: 2})
	s.IncrementTurns()

	snap := s.Snapshot()
	assert.Equal(t, 13, snap.Usage.InputTokens)
	assert.Equal(t, 7, snap.Usage.OutputTokens)
	assert.Equal(t, 1, snap.Turns)
}
