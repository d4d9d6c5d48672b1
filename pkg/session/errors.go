package session

import "fmt"

// InvalidTranscriptError reports a violation of the role-alternation
// invariant. It indicates a programming error in a collaborator and is
// fatal to the turn that caused it.
type InvalidTranscriptError struct {
	Reason string
}

func (e *InvalidTranscriptError) Error() string {
	return fmt.Sprintf("invalid transcript: %s", e.Reason)
}

// SessionClosedError is returned by any mutation attempted after Close.
type SessionClosedError struct {
	ID string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %s is closed", e.ID)
}
