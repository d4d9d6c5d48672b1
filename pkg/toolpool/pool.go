// Package toolpool executes a batch of tool calls from one model turn with
// bounded concurrency and isolated failure. The pool's admission counters
// are the only state shared across sessions.
package toolpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reinholt/loom/internal/observability"
	"github.com/rs/zerolog"
)

// Task is a single tool call to execute.
type Task struct {
	CallID   string                 `json:"call_id"`
	ToolName string                 `json:"tool_name"`
	Args     map[string]interface{} `json:"args"`
	Timeout  time.Duration          `json:"-"`
}

// Result is the terminal outcome of one task. Exactly one result is
// produced per task, success or failure, never both and never zero.
type Result struct {
	CallID   string                 `json:"call_id"`
	ToolName string                 `json:"tool_name"`
	Success  bool                   `json:"success"`
	Output   interface{}            `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Aborted  bool                   `json:"aborted,omitempty"`
	Duration time.Duration          `json:"duration"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Config holds pool configuration.
type Config struct {
	MaxConcurrency            int
	MaxHeavyweightConcurrency int
	Registry                  *Registry
	Logger                    zerolog.Logger
}

// Pool admits tasks in submission order under a global concurrency limit
// and a stricter heavyweight sub-limit. Admission is priority-free FIFO:
// when a slot frees, the first pending task that fits the sub-limits
// starts. Ordering fidelity, not throughput, is the contract.
type Pool struct {
	maxConcurrency int
	maxHeavyweight int
	registry       *Registry
	logger         zerolog.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	running      int
	runningHeavy int
}

// New creates a worker pool.
func New(cfg Config) (*Pool, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be positive")
	}
	if cfg.MaxHeavyweightConcurrency <= 0 {
		cfg.MaxHeavyweightConcurrency = 1
	}
	if cfg.MaxHeavyweightConcurrency > cfg.MaxConcurrency {
		return nil, fmt.Errorf("heavyweight concurrency %d exceeds max concurrency %d",
			cfg.MaxHeavyweightConcurrency, cfg.MaxConcurrency)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	p := &Pool{
		maxConcurrency: cfg.MaxConcurrency,
		maxHeavyweight: cfg.MaxHeavyweightConcurrency,
		registry:       cfg.Registry,
		logger:         cfg.Logger,
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Running returns the current global admission counters.
func (p *Pool) Running() (total, heavy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.runningHeavy
}

// RunBatch executes tasks and returns exactly one result per task, in
// submission order regardless of completion order. Handler errors and
// panics become failed results and never abort sibling tasks. When ctx
// fires, not-yet-started tasks are skipped with an aborted result and
// running tasks are cancelled cooperatively; RunBatch returns only once
// every task is terminal.
func (p *Pool) RunBatch(ctx context.Context, tasks []Task, ec ExecContext) []Result {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	var wg sync.WaitGroup
	pending := make([]int, 0, len(tasks))

	// Reject invalid tasks up front; they never occupy a slot.
	for i, task := range tasks {
		def, ok := p.registry.Get(task.ToolName)
		if !ok {
			results[i] = Result{
				CallID:   task.CallID,
				ToolName: task.ToolName,
				Error:    fmt.Sprintf("tool not found: %s", task.ToolName),
			}
			continue
		}
		if err := p.registry.Validate(task.ToolName, task.Args); err != nil {
			results[i] = Result{
				CallID:   task.CallID,
				ToolName: task.ToolName,
				Error:    err.Error(),
			}
			continue
		}
		_ = def
		pending = append(pending, i)
	}

	// A cancelled ctx must wake the admission loop.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	for len(pending) > 0 && ctx.Err() == nil {
		next := -1
		for j, ti := range pending {
			if p.admissible(p.weightOf(tasks[ti])) {
				next = j
				break
			}
		}
		if next == -1 {
			p.cond.Wait()
			continue
		}

		ti := pending[next]
		pending = append(pending[:next], pending[next+1:]...)
		weight := p.weightOf(tasks[ti])
		p.admit(weight)

		wg.Add(1)
		go p.runTask(ctx, tasks[ti], weight, ec, &results[ti], &wg)
	}
	// Whatever never started is marked aborted.
	for _, ti := range pending {
		results[ti] = Result{
			CallID:   tasks[ti].CallID,
			ToolName: tasks[ti].ToolName,
			Aborted:  true,
			Error:    "aborted before start",
		}
	}
	p.mu.Unlock()

	wg.Wait()
	return results
}

func (p *Pool) weightOf(task Task) Weight {
	if def, ok := p.registry.Get(task.ToolName); ok {
		return def.Weight
	}
	return WeightLightweight
}

// admissible is called with p.mu held.
func (p *Pool) admissible(w Weight) bool {
	if p.running >= p.maxConcurrency {
		return false
	}
	if w == WeightHeavyweight && p.runningHeavy >= p.maxHeavyweight {
		return false
	}
	return true
}

// admit is called with p.mu held.
func (p *Pool) admit(w Weight) {
	p.running++
	if w == WeightHeavyweight {
		p.runningHeavy++
	}
	observability.SetPoolRunning(p.running, p.runningHeavy)
}

func (p *Pool) release(w Weight) {
	p.mu.Lock()
	p.running--
	if w == WeightHeavyweight {
		p.runningHeavy--
	}
	observability.SetPoolRunning(p.running, p.runningHeavy)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// runTask executes one admitted task with its own derived cancellation
// context. A tool that ignores the context still occupies its slot until
// it returns; the result is marked aborted but the goroutine cannot be
// force-terminated.
func (p *Pool) runTask(ctx context.Context, task Task, weight Weight, ec ExecContext, res *Result, wg *sync.WaitGroup) {
	defer wg.Done()
	defer p.release(weight)

	start := time.Now()
	res.CallID = task.CallID
	res.ToolName = task.ToolName

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = (&ToolExecutionError{Tool: task.ToolName, Err: fmt.Errorf("panic: %v", r)}).Error()
		}
		res.Duration = time.Since(start)
		status := "success"
		if !res.Success {
			status = "error"
			if res.Aborted {
				status = "aborted"
			}
		}
		observability.RecordToolExecution(task.ToolName, res.Duration, status)
		p.logger.Debug().
			Str("tool", task.ToolName).
			Str("call_id", task.CallID).
			Str("status", status).
			Dur("duration", res.Duration).
			Msg("Tool task finished")
	}()

	taskCtx, cancel := context.WithCancel(ctx)
	if task.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()

	def, _ := p.registry.Get(task.ToolName)
	output, err := def.Handler(taskCtx, task.Args, ec)
	if err != nil {
		res.Success = false
		res.Error = (&ToolExecutionError{Tool: task.ToolName, Err: err}).Error()
		if ctx.Err() != nil {
			res.Aborted = true
		}
		return
	}
	if ctx.Err() != nil {
		// The batch was aborted while this task was finishing. The output
		// is kept, the abort is recorded.
		res.Aborted = true
	}
	res.Success = true
	res.Output = output
}
