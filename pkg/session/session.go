package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reinholt/loom/pkg/steering"
)

// State is the externally visible lifecycle state of a session. It mirrors
// the agent loop's state machine; the loop is the sole writer.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateAwaitingTools State = "awaiting_tools"
	StateVerifying     State = "verifying"
	StateComplete      State = "complete"
	StateAborted       State = "aborted"
	StateError         State = "error"
)

// Terminal reports whether no further transitions are possible. A complete
// session may start another turn; aborted and error are final.
func (s State) Terminal() bool {
	return s == StateAborted || s == StateError
}

// validTransitions encodes the loop's state machine. Aborted and error have
// no outgoing edges and are reachable from any active state.
var validTransitions = map[State][]State{
	StateIdle:          {StateRunning, StateAborted, StateError},
	StateRunning:       {StateAwaitingTools, StateVerifying, StateAborted, StateError},
	StateAwaitingTools: {StateRunning, StateAborted, StateError},
	StateVerifying:     {StateRunning, StateComplete, StateAborted, StateError},
	StateComplete:      {StateRunning, StateAborted, StateError},
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is a single conversation entry. Messages are immutable once
// appended.
type Message struct {
	Role       string                 `json:"role"` // system, user, assistant, tool
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Usage tracks cumulative token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Snapshot is a read-only copy of a session for external observers.
type Snapshot struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
	TouchedAt   time.Time `json:"touched_at"`
	Usage       Usage     `json:"usage"`
	Turns       int       `json:"turns"`
	AbortReason string    `json:"abort_reason,omitempty"`
}

// Session is the addressable record of one conversation. It is owned
// exclusively by the agent loop running it; external callers observe it
// through Snapshot and influence it through Abort and the steering queue.
type Session struct {
	id string

	mu           sync.RWMutex
	state        State
	messages     []Message
	pendingCalls map[string]bool
	createdAt    time.Time
	touchedAt    time.Time
	usage        Usage
	turns        int
	abortReason  string
	closed       bool

	abortCtx context.Context
	abortFn  context.CancelFunc
	steering *steering.Queue
}

// New creates an idle session with the given identity. A non-positive
// steering capacity means the queue is unbounded.
func New(id string, steeringCapacity int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		id:           id,
		state:        StateIdle,
		pendingCalls: make(map[string]bool),
		createdAt:    now,
		touchedAt:    now,
		abortCtx:     ctx,
		abortFn:      cancel,
		steering:     steering.New(steeringCapacity),
	}
}

// ID returns the session identity.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Steering returns the session's steering mailbox.
func (s *Session) Steering() *steering.Queue { return s.steering }

// AbortContext is cancelled when the session is aborted. The loop derives
// provider and tool cancellation signals from it.
func (s *Session) AbortContext() context.Context { return s.abortCtx }

// AppendMessage appends a message, enforcing the role-alternation
// invariant: a tool message must answer a pending tool-call id from the
// preceding assistant message, and all pending ids must be answered before
// any non-tool message is appended.
func (s *Session) AppendMessage(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &SessionClosedError{ID: s.id}
	}

	switch msg.Role {
	case "system", "user", "assistant":
		if len(s.pendingCalls) > 0 {
			return &InvalidTranscriptError{
				Reason: fmt.Sprintf("%d tool call(s) unanswered before %s message", len(s.pendingCalls), msg.Role),
			}
		}
	case "tool":
		if msg.ToolCallID == "" {
			return &InvalidTranscriptError{Reason: "tool message missing tool_call_id"}
		}
		if !s.pendingCalls[msg.ToolCallID] {
			return &InvalidTranscriptError{
				Reason: fmt.Sprintf("tool message answers unknown call id %q", msg.ToolCallID),
			}
		}
		if n := len(s.messages); n > 0 {
			last := s.messages[n-1].Role
			if last != "assistant" && last != "tool" {
				return &InvalidTranscriptError{
					Reason: fmt.Sprintf("tool message cannot follow %s message", last),
				}
			}
		}
		delete(s.pendingCalls, msg.ToolCallID)
	default:
		return &InvalidTranscriptError{Reason: fmt.Sprintf("unknown role %q", msg.Role)}
	}

	if msg.Role == "assistant" {
		for _, tc := range msg.ToolCalls {
			if tc.ID == "" {
				return &InvalidTranscriptError{Reason: "assistant tool call missing id"}
			}
			s.pendingCalls[tc.ID] = true
		}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.messages = append(s.messages, msg)
	s.touchedAt = time.Now()
	return nil
}

// Snapshot returns a read-only copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)

	return Snapshot{
		ID:          s.id,
		State:       s.state,
		Messages:    msgs,
		CreatedAt:   s.createdAt,
		TouchedAt:   s.touchedAt,
		Usage:       s.usage,
		Turns:       s.turns,
		AbortReason: s.abortReason,
	}
}

// Transition moves the session to a new state, validating the edge against
// the loop's state machine.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &SessionClosedError{ID: s.id}
	}
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			s.touchedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", s.state, to)
}

// Abort flips the session to aborted and cancels the abort context. It is
// idempotent: aborting an already-aborted session is a no-op.
func (s *Session) Abort(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &SessionClosedError{ID: s.id}
	}
	if s.state == StateAborted {
		return nil
	}
	s.state = StateAborted
	s.abortReason = reason
	s.touchedAt = time.Now()
	s.abortFn()
	return nil
}

// Aborted reports whether the session has been aborted.
func (s *Session) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateAborted
}

// AddUsage accumulates token usage onto the session metadata.
func (s *Session) AddUsage(u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Add(u)
}

// IncrementTurns bumps the turn counter.
func (s *Session) IncrementTurns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
}

// Close marks the session terminal. Any later mutation fails with
// SessionClosedError. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.abortFn()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
