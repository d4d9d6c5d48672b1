package agent

import (
	"time"

	"github.com/reinholt/loom/pkg/session"
)

// EventType classifies an agent event.
type EventType string

const (
	// EventStatus reports a state-machine transition.
	EventStatus EventType = "status"
	// EventTextDelta carries one streamed token delta.
	EventTextDelta EventType = "text_delta"
	// EventToolStarted marks a tool task dispatched to the pool.
	EventToolStarted EventType = "tool_started"
	// EventToolCompleted carries one tool task's terminal result.
	EventToolCompleted EventType = "tool_completed"
	// EventCompleted is the successful terminal event.
	EventCompleted EventType = "completed"
	// EventAborted is the abort terminal event; Answer holds the partial
	// output produced before the abort was observed.
	EventAborted EventType = "aborted"
	// EventError is the failure terminal event.
	EventError EventType = "error"
)

// ToolEvent is the payload of tool_started and tool_completed events.
type ToolEvent struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	Success  bool          `json:"success,omitempty"`
	Aborted  bool          `json:"aborted,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// TrailEntry records one verification outcome for the turn's trail.
type TrailEntry struct {
	Attempt  int    `json:"attempt"`
	Verifier string `json:"verifier"`
	Passed   bool   `json:"passed"`
	Reason   string `json:"reason,omitempty"`
}

// Event is emitted by the loop, never stored. Events for a single session
// form a total order matching the state-machine transitions.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"type"`
	State     session.State  `json:"state,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	Tool      *ToolEvent     `json:"tool,omitempty"`
	Answer    string         `json:"answer,omitempty"`
	Usage     *session.Usage `json:"usage,omitempty"`
	Trail     []TrailEntry   `json:"trail,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
