package contextmgr

import (
	"fmt"

	"github.com/reinholt/loom/pkg/session"
)

// Strategy names resolvable through the registry.
const (
	StrategySlidingWindow      = "sliding-window"
	StrategySummarizeMiddle    = "summarize-middle"
	StrategyTruncateToolOutput = "truncate-tool-output"
)

func init() {
	RegisterStrategy(&slidingWindow{})
	RegisterStrategy(&summarizeMiddle{})
	RegisterStrategy(&truncateToolOutput{})
}

// group is a run of messages that must be kept or dropped together: an
// assistant message travels with the tool replies that answer it. Dropping
// whole groups preserves the role-alternation invariant.
type group struct {
	msgs []session.Message
}

func (g group) tokens(est Estimator) int {
	total := 0
	for _, msg := range g.msgs {
		total += estimateMessage(msg, est)
	}
	return total
}

// splitGroups separates leading system messages from conversation groups.
func splitGroups(msgs []session.Message) (system []session.Message, groups []group) {
	i := 0
	for i < len(msgs) && msgs[i].Role == "system" {
		system = append(system, msgs[i])
		i++
	}
	for ; i < len(msgs); i++ {
		msg := msgs[i]
		if msg.Role == "tool" && len(groups) > 0 {
			last := &groups[len(groups)-1]
			last.msgs = append(last.msgs, msg)
			continue
		}
		groups = append(groups, group{msgs: []session.Message{msg}})
	}
	return system, groups
}

func flatten(system []session.Message, groups []group) []session.Message {
	out := make([]session.Message, 0, len(system))
	out = append(out, system...)
	for _, g := range groups {
		out = append(out, g.msgs...)
	}
	return out
}

// lastUserIndex returns the index of the most recent group containing a
// user message, or -1.
func lastUserIndex(groups []group) int {
	for i := len(groups) - 1; i >= 0; i-- {
		for _, msg := range groups[i].msgs {
			if msg.Role == "user" {
				return i
			}
		}
	}
	return -1
}

// slidingWindow drops the oldest non-system groups until the budget is
// satisfied. The most recent user turn is never dropped.
type slidingWindow struct{}

func (s *slidingWindow) Name() string { return StrategySlidingWindow }

func (s *slidingWindow) Compact(msgs []session.Message, budget int, est Estimator, _ int) []session.Message {
	system, groups := splitGroups(msgs)

	fixed := 0
	for _, msg := range system {
		fixed += estimateMessage(msg, est)
	}

	keepFrom := lastUserIndex(groups)
	if keepFrom < 0 {
		keepFrom = len(groups)
	}

	total := fixed
	for _, g := range groups {
		total += g.tokens(est)
	}

	drop := 0
	for total > budget && drop < keepFrom {
		total -= groups[drop].tokens(est)
		drop++
	}
	return flatten(system, groups[drop:])
}

// summarizeMiddle replaces a contiguous middle span with one synthetic
// summary message, preserving the leading system prompt and the most
// recent K turns verbatim. If the budget still does not fit, K shrinks.
type summarizeMiddle struct{}

func (s *summarizeMiddle) Name() string { return StrategySummarizeMiddle }

func (s *summarizeMiddle) Compact(msgs []session.Message, budget int, est Estimator, recentTurns int) []session.Message {
	system, groups := splitGroups(msgs)

	for keep := recentTurns; keep >= 1; keep-- {
		if keep >= len(groups) {
			continue
		}
		omitted := groups[:len(groups)-keep]
		recent := groups[len(groups)-keep:]

		omittedMsgs, userTurns := 0, 0
		for _, g := range omitted {
			omittedMsgs += len(g.msgs)
			for _, msg := range g.msgs {
				if msg.Role == "user" {
					userTurns++
				}
			}
		}

		summary := session.Message{
			Role: "system",
			Content: fmt.Sprintf("[Conversation summary: %d earlier messages across %d user turns omitted to fit the context budget]",
				omittedMsgs, userTurns),
		}

		candidate := make([]group, 0, len(recent)+1)
		candidate = append(candidate, group{msgs: []session.Message{summary}})
		candidate = append(candidate, recent...)

		total := 0
		for _, msg := range system {
			total += estimateMessage(msg, est)
		}
		for _, g := range candidate {
			total += g.tokens(est)
		}
		if total <= budget || keep == 1 {
			return flatten(system, candidate)
		}
	}
	return msgs
}

// truncateToolOutput shrinks large tool results before dropping whole
// messages, halving the per-result cap until the budget fits or a floor is
// reached, then falls back to sliding-window drops.
type truncateToolOutput struct{}

func (t *truncateToolOutput) Name() string { return StrategyTruncateToolOutput }

const (
	toolOutputStartCap = 4096 // characters
	toolOutputFloorCap = 256
	truncationMarker   = "\n[... output truncated ...]"
)

func (t *truncateToolOutput) Compact(msgs []session.Message, budget int, est Estimator, recentTurns int) []session.Message {
	for limit := toolOutputStartCap; limit >= toolOutputFloorCap; limit /= 2 {
		candidate := truncateTools(msgs, limit)
		total := 0
		for _, msg := range candidate {
			total += estimateMessage(msg, est)
		}
		if total <= budget {
			return candidate
		}
	}
	truncated := truncateTools(msgs, toolOutputFloorCap)
	return (&slidingWindow{}).Compact(truncated, budget, est, recentTurns)
}

func truncateTools(msgs []session.Message, limit int) []session.Message {
	out := make([]session.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].Role == "tool" && len(out[i].Content) > limit {
			out[i].Content = out[i].Content[:limit] + truncationMarker
		}
	}
	return out
}
