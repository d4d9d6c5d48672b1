// Package agent runs the turn state machine: stream a completion, execute
// requested tools, verify the candidate answer, emit events. One Loop
// instance serves many sessions; per-turn state lives on the stack of Run.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/reinholt/loom/internal/observability"
	"github.com/reinholt/loom/pkg/contextmgr"
	"github.com/reinholt/loom/pkg/session"
	"github.com/reinholt/loom/pkg/steering"
	"github.com/reinholt/loom/pkg/toolpool"
	"github.com/reinholt/loom/pkg/verify"
	"github.com/rs/zerolog"
)

// Config holds loop configuration.
type Config struct {
	Provider               Provider
	ContextManager         *contextmgr.Manager
	Pool                   *toolpool.Pool
	Registry               *toolpool.Registry
	Verifiers              []verify.Verifier
	Logger                 zerolog.Logger
	Model                  string
	SystemPrompt           string
	Temperature            float64
	MaxTokens              int
	MaxIterations          int
	MaxVerificationRetries int
	MaxProviderRetries     int
	ToolTimeout            time.Duration
	TurnTimeout            time.Duration
}

// Loop drives turns to a terminal event. It owns no session state; every
// session it runs is mutated only between suspension points.
type Loop struct {
	provider     Provider
	contextMgr   *contextmgr.Manager
	pool         *toolpool.Pool
	registry     *toolpool.Registry
	verifiers    []verify.Verifier
	logger       zerolog.Logger
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int

	maxIterations  int
	maxVerifyRetry int
	maxProviderTry int
	toolTimeout    time.Duration
	turnTimeout    time.Duration
}

// New creates an agent loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.ContextManager == nil {
		return nil, fmt.Errorf("context manager is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("tool pool is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxVerificationRetries < 0 {
		cfg.MaxVerificationRetries = 0
	}
	if cfg.MaxProviderRetries < 0 {
		cfg.MaxProviderRetries = 0
	}
	return &Loop{
		provider:       cfg.Provider,
		contextMgr:     cfg.ContextManager,
		pool:           cfg.Pool,
		registry:       cfg.Registry,
		verifiers:      cfg.Verifiers,
		logger:         cfg.Logger,
		model:          cfg.Model,
		systemPrompt:   cfg.SystemPrompt,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		maxIterations:  cfg.MaxIterations,
		maxVerifyRetry: cfg.MaxVerificationRetries,
		maxProviderTry: cfg.MaxProviderRetries,
		toolTimeout:    cfg.ToolTimeout,
		turnTimeout:    cfg.TurnTimeout,
	}, nil
}

// Run starts one turn. The user input is appended to the transcript and the
// loop runs in a goroutine until a terminal event; the returned channel is
// unbuffered, carries the turn's ordered event stream, and is closed after
// the terminal event. Cancelling ctx abandons the turn: the session is
// aborted so it never wedges in a mid-turn state nobody is driving.
func (l *Loop) Run(ctx context.Context, sess *session.Session, input string) (<-chan Event, error) {
	if sess.Closed() {
		return nil, &session.SessionClosedError{ID: sess.ID()}
	}
	if input != "" {
		if err := sess.AppendMessage(session.Message{Role: "user", Content: input}); err != nil {
			return nil, err
		}
	}
	if err := sess.Transition(session.StateRunning); err != nil {
		return nil, err
	}

	events := make(chan Event)
	go l.run(ctx, sess, events)
	return events, nil
}

type turn struct {
	loop    *Loop
	sess    *session.Session
	events  chan<- Event
	caller  context.Context
	ctx     context.Context
	started time.Time
	usage   session.Usage
	trail   []TrailEntry
}

func (l *Loop) run(callerCtx context.Context, sess *session.Session, events chan<- Event) {
	defer close(events)

	runCtx, cancel := context.WithCancel(callerCtx)
	if l.turnTimeout > 0 {
		runCtx, cancel = context.WithTimeout(callerCtx, l.turnTimeout)
	}
	defer cancel()
	// Session abort must cancel the in-flight provider call and tool batch.
	stop := context.AfterFunc(sess.AbortContext(), cancel)
	defer stop()

	t := &turn{
		loop:    l,
		sess:    sess,
		events:  events,
		caller:  callerCtx,
		ctx:     runCtx,
		started: time.Now(),
	}
	t.emit(Event{Type: EventStatus, State: session.StateRunning})

	iterations := 0
	verifyAttempts := 0

	for {
		if t.drainSteering() {
			t.finishAborted("")
			return
		}
		if sess.Aborted() {
			t.finishAborted("")
			return
		}
		if err := runCtx.Err(); err != nil {
			t.finishInterrupted("", err)
			return
		}

		window, err := l.contextMgr.Build(sess.Snapshot())
		if err != nil {
			t.finishError(err)
			return
		}

		resp, partial, err := t.streamOnce(window)
		if err != nil {
			if sess.Aborted() {
				t.finishAborted(partial)
				return
			}
			if runCtx.Err() != nil {
				t.finishInterrupted(partial, runCtx.Err())
				return
			}
			t.finishError(err)
			return
		}
		sess.AddUsage(resp.Usage)
		t.usage.Add(resp.Usage)

		if len(resp.ToolCalls) > 0 {
			if err := sess.AppendMessage(session.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			}); err != nil {
				t.finishError(err)
				return
			}
			iterations++

			if !t.transition(session.StateAwaitingTools) {
				return
			}
			t.runToolBatch(resp.ToolCalls)
			// Results are always appended before the abort is honored so
			// the transcript never carries unanswered tool calls.
			if t.drainSteering() || sess.Aborted() {
				t.finishAborted("")
				return
			}
			if !t.transition(session.StateRunning) {
				return
			}
			if iterations >= l.maxIterations {
				t.finishError(fmt.Errorf("iteration limit exceeded after %d tool rounds", iterations))
				return
			}
			continue
		}

		// No tool calls: the content is the candidate answer.
		if !t.transition(session.StateVerifying) {
			return
		}
		failed, ferr := t.runVerifiers(resp.Content, window, verifyAttempts+1)
		if ferr != nil {
			if sess.Aborted() {
				t.finishAborted(resp.Content)
				return
			}
			t.finishError(ferr)
			return
		}
		if failed == nil {
			if err := sess.AppendMessage(session.Message{Role: "assistant", Content: resp.Content}); err != nil {
				t.finishError(err)
				return
			}
			if !t.transition(session.StateComplete) {
				return
			}
			sess.IncrementTurns()
			usage := t.usage
			t.emit(Event{
				Type:   EventCompleted,
				State:  session.StateComplete,
				Answer: resp.Content,
				Usage:  &usage,
				Trail:  t.trail,
			})
			observability.RecordAgentRun("success", time.Since(t.started))
			l.logger.Info().
				Str("session_id", sess.ID()).
				Int("iterations", iterations).
				Int("verify_attempts", verifyAttempts).
				Dur("duration", time.Since(t.started)).
				Msg("Turn complete")
			return
		}

		verifyAttempts++
		if verifyAttempts > l.maxVerifyRetry {
			t.finishError(fmt.Errorf("verification retries exhausted: %s", failed.Reason))
			return
		}
		// Keep the rejected candidate and the verdict in the transcript so
		// the next call can improve on it.
		if err := sess.AppendMessage(session.Message{Role: "assistant", Content: resp.Content}); err != nil {
			t.finishError(err)
			return
		}
		note := fmt.Sprintf("[verification failed: %s]", failed.Reason)
		if failed.SuggestedRevision != "" {
			note += "\n[suggested revision]\n" + failed.SuggestedRevision
		}
		if err := sess.AppendMessage(session.Message{Role: "system", Content: note}); err != nil {
			t.finishError(err)
			return
		}
		if !t.transition(session.StateRunning) {
			return
		}
	}
}

// emit sends an event, filling identity and timestamp. It returns false when
// the caller has gone away.
func (t *turn) emit(ev Event) bool {
	ev.ID = gonanoid.Must()
	ev.SessionID = t.sess.ID()
	ev.Timestamp = time.Now()
	observability.RecordAgentEvent(string(ev.Type))
	select {
	case t.events <- ev:
		return true
	case <-t.caller.Done():
		return false
	}
}

// transition moves the session and reports the status. A failed transition
// on an aborted session ends the turn on the abort path.
func (t *turn) transition(to session.State) bool {
	if err := t.sess.Transition(to); err != nil {
		if t.sess.Aborted() {
			t.finishAborted("")
			return false
		}
		t.finishError(err)
		return false
	}
	t.emit(Event{Type: EventStatus, State: to})
	return true
}

// drainSteering applies pending operator directives and reports whether an
// abort was observed.
func (t *turn) drainSteering() bool {
	msgs, aborted := t.sess.Steering().DrainAll()
	for _, m := range msgs {
		observability.RecordSteering(string(m.Type))
		switch m.Type {
		case steering.TypeSteer:
			t.appendNote("[operator steering] " + m.Payload)
		case steering.TypeInterject:
			t.appendNote("[operator interjection] " + m.Payload)
		case steering.TypeAbort:
		}
	}
	if aborted && !t.sess.Aborted() {
		if err := t.sess.Abort("operator abort"); err != nil {
			t.loop.logger.Warn().Err(err).Str("session_id", t.sess.ID()).Msg("Abort failed")
		}
	}
	return aborted || t.sess.Aborted()
}

func (t *turn) appendNote(content string) {
	if err := t.sess.AppendMessage(session.Message{Role: "system", Content: content}); err != nil {
		t.loop.logger.Warn().Err(err).Str("session_id", t.sess.ID()).Msg("Dropped steering note")
	}
}

// streamOnce runs one provider call, emitting text deltas as they arrive.
// Retryable provider errors are retried with backoff, but only before any
// delta has been surfaced to the caller.
func (t *turn) streamOnce(window contextmgr.Window) (*Response, string, error) {
	req := Request{
		Model:        t.loop.model,
		SystemPrompt: t.loop.systemPrompt,
		Messages:     window.Messages,
		Tools:        t.loop.toolSpecs(),
		Temperature:  t.loop.temperature,
		MaxTokens:    t.loop.maxTokens,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			t.loop.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying provider call")
			select {
			case <-time.After(backoff):
			case <-t.ctx.Done():
				return nil, "", t.ctx.Err()
			}
		}

		ch, err := t.loop.provider.StartStream(t.ctx, req)
		if err != nil {
			lastErr = err
			if retryableProviderErr(err) && attempt < t.loop.maxProviderTry {
				continue
			}
			return nil, "", err
		}

		partial := ""
		var streamErr error
		for ev := range ch {
			switch {
			case ev.Err != nil:
				streamErr = ev.Err
			case ev.Done && ev.Response != nil:
				return ev.Response, partial, nil
			case ev.Delta != "":
				partial += ev.Delta
				if !t.emit(Event{Type: EventTextDelta, Delta: ev.Delta}) {
					return nil, partial, t.caller.Err()
				}
			}
		}

		if streamErr != nil {
			lastErr = streamErr
			if retryableProviderErr(streamErr) && partial == "" && t.ctx.Err() == nil && attempt < t.loop.maxProviderTry {
				continue
			}
			return nil, partial, streamErr
		}
		if err := t.ctx.Err(); err != nil {
			return nil, partial, err
		}
		return nil, partial, fmt.Errorf("provider stream ended without a final response")
	}
}

func retryableProviderErr(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// runToolBatch dispatches the calls to the pool and appends one tool result
// message per call, in call order.
func (t *turn) runToolBatch(calls []session.ToolCall) {
	tasks := make([]toolpool.Task, len(calls))
	for i, tc := range calls {
		tasks[i] = toolpool.Task{
			CallID:   tc.ID,
			ToolName: tc.Name,
			Args:     tc.Arguments,
			Timeout:  t.loop.toolTimeout,
		}
		t.emit(Event{Type: EventToolStarted, State: session.StateAwaitingTools, Tool: &ToolEvent{
			CallID: tc.ID,
			Name:   tc.Name,
		}})
	}

	ec := toolpool.ExecContext{
		SessionID: t.sess.ID(),
		OnProgress: func(msg string) {
			t.emit(Event{Type: EventStatus, State: session.StateAwaitingTools, Delta: msg})
		},
	}
	results := t.loop.pool.RunBatch(t.ctx, tasks, ec)

	for _, res := range results {
		t.emit(Event{Type: EventToolCompleted, State: session.StateAwaitingTools, Tool: &ToolEvent{
			CallID:   res.CallID,
			Name:     res.ToolName,
			Success:  res.Success,
			Aborted:  res.Aborted,
			Error:    res.Error,
			Duration: res.Duration,
		}})
		if err := t.sess.AppendMessage(session.Message{
			Role:       "tool",
			Content:    toolResultContent(res),
			ToolCallID: res.CallID,
		}); err != nil {
			t.loop.logger.Error().
				Err(err).
				Str("session_id", t.sess.ID()).
				Str("call_id", res.CallID).
				Msg("Failed to append tool result")
		}
	}
}

func toolResultContent(res toolpool.Result) string {
	if res.Aborted && !res.Success {
		return "[tool execution aborted]"
	}
	if !res.Success {
		return "[tool error] " + res.Error
	}
	switch out := res.Output.(type) {
	case string:
		return out
	default:
		raw, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(raw)
	}
}

// runVerifiers runs the chain in order and returns the first failing result,
// nil when every verifier passes.
func (t *turn) runVerifiers(candidate string, window contextmgr.Window, attempt int) (*verify.Result, error) {
	for _, v := range t.loop.verifiers {
		res, err := v.Verify(t.ctx, candidate, window)
		if err != nil {
			return nil, fmt.Errorf("verifier %s: %w", v.Name(), err)
		}
		t.trail = append(t.trail, TrailEntry{
			Attempt:  attempt,
			Verifier: v.Name(),
			Passed:   res.Passed,
			Reason:   res.Reason,
		})
		if !res.Passed {
			t.loop.logger.Info().
				Str("session_id", t.sess.ID()).
				Str("verifier", v.Name()).
				Str("reason", res.Reason).
				Msg("Candidate rejected")
			return &res, nil
		}
	}
	return nil, nil
}

func (t *turn) finishAborted(partial string) {
	snap := t.sess.Snapshot()
	t.emit(Event{
		Type:   EventAborted,
		State:  session.StateAborted,
		Answer: partial,
		Error:  snap.AbortReason,
		Trail:  t.trail,
	})
	observability.RecordAgentRun("aborted", time.Since(t.started))
	t.loop.logger.Info().
		Str("session_id", t.sess.ID()).
		Str("reason", snap.AbortReason).
		Msg("Turn aborted")
}

// finishInterrupted handles runCtx expiry that is not a session abort: a
// turn timeout becomes an error, a detached caller ends the turn silently.
func (t *turn) finishInterrupted(partial string, cause error) {
	if t.caller.Err() != nil {
		t.loop.logger.Debug().Str("session_id", t.sess.ID()).Msg("Caller detached, turn dropped")
		if err := t.sess.Abort("caller detached"); err != nil {
			t.loop.logger.Warn().Err(err).Str("session_id", t.sess.ID()).Msg("Abort failed")
		}
		observability.RecordAgentRun("detached", time.Since(t.started))
		return
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		t.finishError(fmt.Errorf("turn timed out after %s", t.loop.turnTimeout))
		return
	}
	t.finishError(cause)
}

func (t *turn) finishError(err error) {
	if terr := t.sess.Transition(session.StateError); terr != nil && t.sess.Aborted() {
		t.finishAborted("")
		return
	}
	t.emit(Event{
		Type:  EventError,
		State: session.StateError,
		Error: err.Error(),
		Trail: t.trail,
	})
	observability.RecordAgentRun("error", time.Since(t.started))
	t.loop.logger.Error().
		Err(err).
		Str("session_id", t.sess.ID()).
		Msg("Turn failed")
}

// toolSpecs converts registered tools to provider-neutral declarations, in
// stable name order.
func (l *Loop) toolSpecs() []ToolSpec {
	defs := l.registry.List()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	specs := make([]ToolSpec, len(defs))
	for i, def := range defs {
		properties := map[string]interface{}{}
		required := []string{}
		for _, p := range def.Parameters {
			prop := map[string]interface{}{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Default != nil {
				prop["default"] = p.Default
			}
			properties[p.Name] = prop
			if p.Required {
				required = append(required, p.Name)
			}
		}
		schema := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		specs[i] = ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		}
	}
	return specs
}
