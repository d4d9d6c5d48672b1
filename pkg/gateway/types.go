package gateway

import "github.com/reinholt/loom/pkg/agent"

// Inbound frame types accepted on a session websocket.
const (
	FrameUserMessage = "user_message"
	FrameSteer       = "steer"
	FrameInterject   = "interject"
	FrameAbort       = "abort"
)

// InboundFrame is a client directive for the attached session.
type InboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Outbound frame types pushed to the client.
const (
	FrameEvent   = "event"
	FrameError   = "error"
	FrameWelcome = "welcome"
)

// OutboundFrame wraps everything the gateway pushes to a client.
type OutboundFrame struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Event     *agent.Event `json:"event,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// SessionInfo is the REST representation of a live session.
type SessionInfo struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Messages  int    `json:"messages"`
	Turns     int    `json:"turns"`
	CreatedAt string `json:"created_at"`
	TouchedAt string `json:"touched_at"`
}
