// Package contextmgr produces a bounded prompt window from unbounded
// session history.
package contextmgr

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/reinholt/loom/pkg/session"
	"github.com/rs/zerolog"
)

// Estimator converts text to an approximate token count. Estimates may be
// rough but must be monotonic: longer text never estimates fewer tokens.
type Estimator func(text string) int

// DefaultEstimator is a length-based heuristic (1 token per 4 bytes).
func DefaultEstimator(text string) int {
	return (len(text) + 3) / 4
}

// perMessageOverhead covers role framing and separators.
const perMessageOverhead = 4

// Window is a bounded view over a session's messages. It is recomputed per
// model call and never persisted.
type Window struct {
	Messages        []session.Message
	EstimatedTokens int
	Compacted       bool
	Strategy        string
}

// ContextOverflowError reports that even the irreducible minimum (system
// prompt plus latest user turn) exceeds the token budget.
type ContextOverflowError struct {
	Required int
	Budget   int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow: irreducible prompt needs %d tokens, budget is %d", e.Required, e.Budget)
}

// Strategy compacts a transcript to fit a token budget while preserving
// the role-alternation invariant.
type Strategy interface {
	Name() string
	Compact(msgs []session.Message, budget int, est Estimator, recentTurns int) []session.Message
}

var (
	strategyMu sync.RWMutex
	strategies = map[string]Strategy{}
)

// RegisterStrategy makes a compaction strategy resolvable by name.
func RegisterStrategy(s Strategy) {
	strategyMu.Lock()
	defer strategyMu.Unlock()
	strategies[s.Name()] = s
}

func lookupStrategy(name string) (Strategy, bool) {
	strategyMu.RLock()
	defer strategyMu.RUnlock()
	s, ok := strategies[name]
	return s, ok
}

// Config holds context manager configuration.
type Config struct {
	MaxTokens         int
	ReservedForOutput int
	Strategy          string
	RecentTurns       int
	Estimator         Estimator
	Logger            zerolog.Logger
}

// Manager builds bounded context windows.
type Manager struct {
	maxTokens   int
	reserved    int
	recentTurns int
	strategy    Strategy
	estimate    Estimator
	logger      zerolog.Logger
}

// New creates a context manager. The strategy is resolved by name from the
// registry; an unknown name is an error.
func New(cfg Config) (*Manager, error) {
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive")
	}
	if cfg.ReservedForOutput < 0 || cfg.ReservedForOutput >= cfg.MaxTokens {
		return nil, fmt.Errorf("reserved output tokens must be in [0, max tokens)")
	}
	name := cfg.Strategy
	if name == "" {
		name = StrategySlidingWindow
	}
	strategy, ok := lookupStrategy(name)
	if !ok {
		return nil, fmt.Errorf("unknown compaction strategy: %s", name)
	}
	estimate := cfg.Estimator
	if estimate == nil {
		estimate = DefaultEstimator
	}
	recentTurns := cfg.RecentTurns
	if recentTurns <= 0 {
		recentTurns = 10
	}
	return &Manager{
		maxTokens:   cfg.MaxTokens,
		reserved:    cfg.ReservedForOutput,
		recentTurns: recentTurns,
		strategy:    strategy,
		estimate:    estimate,
		logger:      cfg.Logger,
	}, nil
}

// Budget returns the token budget available for the prompt.
func (m *Manager) Budget() int {
	return m.maxTokens - m.reserved
}

// Build assembles a window over the snapshot's messages, compacting if
// necessary. The result always satisfies EstimatedTokens <= Budget, or
// Build fails with ContextOverflowError.
func (m *Manager) Build(snap session.Snapshot) (Window, error) {
	budget := m.Budget()
	msgs := snap.Messages

	if required := m.irreducibleTokens(msgs); required > budget {
		return Window{}, &ContextOverflowError{Required: required, Budget: budget}
	}

	total := m.estimateMessages(msgs)
	if total <= budget {
		return Window{Messages: msgs, EstimatedTokens: total}, nil
	}

	m.logger.Info().
		Str("session_id", snap.ID).
		Str("strategy", m.strategy.Name()).
		Int("estimated", total).
		Int("budget", budget).
		Msg("Compacting context")

	compacted := m.strategy.Compact(msgs, budget, m.estimate, m.recentTurns)
	total = m.estimateMessages(compacted)
	if total > budget {
		// Strategy could not fit the budget; fall back to the hardest cut.
		compacted = (&slidingWindow{}).Compact(compacted, budget, m.estimate, m.recentTurns)
		total = m.estimateMessages(compacted)
	}
	if total > budget {
		return Window{}, &ContextOverflowError{Required: total, Budget: budget}
	}

	return Window{
		Messages:        compacted,
		EstimatedTokens: total,
		Compacted:       true,
		Strategy:        m.strategy.Name(),
	}, nil
}

// EstimateMessage estimates tokens for a single message, including tool
// call payloads.
func (m *Manager) EstimateMessage(msg session.Message) int {
	return estimateMessage(msg, m.estimate)
}

func (m *Manager) estimateMessages(msgs []session.Message) int {
	total := 0
	for _, msg := range msgs {
		total += estimateMessage(msg, m.estimate)
	}
	return total
}

// irreducibleTokens estimates the smallest window Build may produce: the
// leading system prompt plus the most recent user message.
func (m *Manager) irreducibleTokens(msgs []session.Message) int {
	required := 0
	for _, msg := range msgs {
		if msg.Role == "system" {
			required += estimateMessage(msg, m.estimate)
		}
		break
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			required += estimateMessage(msgs[i], m.estimate)
			break
		}
	}
	return required
}

func estimateMessage(msg session.Message, est Estimator) int {
	total := perMessageOverhead + est(msg.Content)
	for _, tc := range msg.ToolCalls {
		total += est(tc.Name)
		if raw, err := json.Marshal(tc.Arguments); err == nil {
			total += est(string(raw))
		}
	}
	return total
}
