// Package verify gates candidate answers after the model signals no
// further tool calls. Verifiers are independent and composable; the agent
// loop runs them in configured order and treats failure as "regenerate".
package verify

import (
	"context"

	"github.com/reinholt/loom/pkg/contextmgr"
)

// Result is the outcome of one verification. It is consumed immediately by
// the agent loop and never retained.
type Result struct {
	Passed            bool   `json:"passed"`
	Reason            string `json:"reason,omitempty"`
	SuggestedRevision string `json:"suggested_revision,omitempty"`
}

// Verifier judges a candidate final answer against the context window it
// was produced from.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, candidate string, window contextmgr.Window) (Result, error)
}
