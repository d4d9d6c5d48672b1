package toolpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, r *Registry, max, maxHeavy int) *Pool {
	t.Helper()
	p, err := New(Config{
		MaxConcurrency:            max,
		MaxHeavyweightConcurrency: maxHeavy,
		Registry:                  r,
		Logger:                    zerolog.Nop(),
	})
	require.NoError(t, err)
	return p
}

func TestNewPoolValidation(t *testing.T) {
	r := NewRegistry()
	_, err := New(Config{MaxConcurrency: 0, Registry: r})
	assert.Error(t, err)

	_, err = New(Config{MaxConcurrency: 2, MaxHeavyweightConcurrency: 3, Registry: r})
	assert.Error(t, err)

	_, err = New(Config{MaxConcurrency: 2})
	assert.Error(t, err)
}

func TestRunBatchResultsInOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{
		Name: "slow_echo",
		Parameters: []ToolParameter{
			{Name: "value", Type: "string", Required: true},
			{Name: "delay_ms", Type: "integer"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}, _ ExecContext) (interface{}, error) {
			if d, ok := args["delay_ms"].(float64); ok {
				time.Sleep(time.Duration(d) * time.Millisecond)
			} else if d, ok := args["delay_ms"].(int); ok {
				time.Sleep(time.Duration(d) * time.Millisecond)
			}
			return args["value"], nil
		},
	}))
	p := newTestPool(t, r, 4, 1)

	// The first task finishes last; result order must still match
	// submission order.
	tasks := []Task{
		{CallID: "c1", ToolName: "slow_echo", Args: map[string]interface{}{"value": "a", "delay_ms": 50}},
		{CallID: "c2", ToolName: "slow_echo", Args: map[string]interface{}{"value": "b"}},
		{CallID: "c3", ToolName: "slow_echo", Args: map[string]interface{}{"value": "c"}},
	}
	results := p.RunBatch(context.Background(), tasks, ExecContext{SessionID: "s1"})

	require.Len(t, results, 3)
	assert.Equal(t, "c1", results[0].CallID)
	assert.Equal(t, "c2", results[1].CallID)
	assert.Equal(t, "c3", results[2].CallID)
	for i, want := range []string{"a", "b", "c"} {
		assert.True(t, results[i].Success)
		assert.Equal(t, want, results[i].Output)
	}
}

func TestRunBatchFailureIsolation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{
		Name: "maybe_fail",
		Parameters: []ToolParameter{
			{Name: "fail", Type: "boolean"},
		},
		Handler: func(_ context.Context, args map[string]interface{}, _ ExecContext) (interface{}, error) {
			if fail, _ := args["fail"].(bool); fail {
				return nil, fmt.Errorf("deliberate failure")
			}
			return "fine", nil
		},
	}))
	p := newTestPool(t, r, 2, 1)

	tasks := []Task{
		{CallID: "c1", ToolName: "maybe_fail", Args: map[string]interface{}{"fail": false}},
		{CallID: "c2", ToolName: "maybe_fail", Args: map[string]interface{}{"fail": true}},
		{CallID: "c3", ToolName: "maybe_fail", Args: map[string]interface{}{"fail": false}},
	}
	results := p.RunBatch(context.Background(), tasks, ExecContext{})

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "deliberate failure")
	assert.True(t, results[2].Success, "sibling failure must not leak")
}

func TestRunBatchPanicRecovery(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{
		Name: "panicky",
		Handler: func(_ context.Context, _ map[string]interface{}, _ ExecContext) (interface{}, error) {
			panic("boom")
		},
	}))
	require.NoError(t, r.Register(ToolDefinition{Name: "calm", Handler: noopHandler}))
	p := newTestPool(t, r, 2, 1)

	results := p.RunBatch(context.Background(), []Task{
		{CallID: "c1", ToolName: "panicky"},
		{CallID: "c2", ToolName: "calm"},
	}, ExecContext{})

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "panic")
	assert.True(t, results[1].Success)
}

func TestRunBatchUnknownAndInvalid(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{
		Name: "strict",
		Parameters: []ToolParameter{
			{Name: "n", Type: "integer", Required: true},
		},
		Handler: noopHandler,
	}))
	p := newTestPool(t, r, 2, 1)

	results := p.RunBatch(context.Background(), []Task{
		{CallID: "c1", ToolName: "no_such_tool"},
		{CallID: "c2", ToolName: "strict", Args: map[string]interface{}{"n": "not a number"}},
		{CallID: "c3", ToolName: "strict", Args: map[string]interface{}{"n": 1}},
	}, ExecContext{})

	require.Len(t, results, 3)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "tool not found")
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
}

func TestRunBatchConcurrencyLimit(t *testing.T) {
	var running, peak int64
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{
		Name: "counting",
		Handler: func(_ context.Context, _ map[string]interface{}, _ ExecContext) (interface{}, error) {
			n := atomic.AddInt64(&running, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			return nil, nil
		},
	}))
	p := newTestPool(t, r, 2, 1)

	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = Task{CallID: fmt.Sprintf("c%d", i), ToolName: "counting"}
	}
	results := p.RunBatch(context.Background(), tasks, ExecContext{})

	require.Len(t, results, 6)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestRunBatchHeavyweightSubLimit(t *testing.T) {
	var heavyRunning, heavyPeak int64
	gate := make(chan struct{})
	var once sync.Once

	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{
		Name:   "heavy",
		Weight: WeightHeavyweight,
		Handler: func(_ context.Context, _ map[string]interface{}, _ ExecContext) (interface{}, error) {
			n := atomic.AddInt64(&heavyRunning, 1)
			for {
				p := atomic.LoadInt64(&heavyPeak)
				if n <= p || atomic.CompareAndSwapInt64(&heavyPeak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt64(&heavyRunning, -1)
			return "heavy done", nil
		},
	}))
	require.NoError(t, r.Register(ToolDefinition{
		Name: "light",
		Handler: func(_ context.Context, _ map[string]interface{}, _ ExecContext) (interface{}, error) {
			once.Do(func() { close(gate) })
			return "light done", nil
		},
	}))
	p := newTestPool(t, r, 4, 1)

	tasks := []Task{
		{CallID: "h1", ToolName: "heavy"},
		{CallID: "h2", ToolName: "heavy"},
		{CallID: "l1", ToolName: "light"},
	}
	results := p.RunBatch(context.Background(), tasks, ExecContext{})

	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.Success)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&heavyPeak), "heavyweight sub-limit must hold")

	// The lightweight task must not have waited behind the stalled second
	// heavyweight task.
	select {
	case <-gate:
	default:
		t.Fatal("light task never ran")
	}
}

func TestRunBatchAbort(t *testing.T) {
	started := make(chan struct{})
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{
		Name: "blocking",
		Handler: func(ctx context.Context, _ map[string]interface{}, _ ExecContext) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	require.NoError(t, r.Register(ToolDefinition{Name: "later", Handler: noopHandler}))
	p := newTestPool(t, r, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	results := p.RunBatch(ctx, []Task{
		{CallID: "c1", ToolName: "blocking"},
		{CallID: "c2", ToolName: "later"},
	}, ExecContext{})

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[0].Aborted)
	assert.True(t, results[1].Aborted)
	assert.Contains(t, results[1].Error, "aborted before start")

	total, heavy := p.Running()
	assert.Equal(t, 0, total)
	assert.Equal(t, 0, heavy)
}

func TestRunBatchTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDefinition{
		Name: "sleepy",
		Handler: func(ctx context.Context, _ map[string]interface{}, _ ExecContext) (interface{}, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))
	p := newTestPool(t, r, 1, 1)

	results := p.RunBatch(context.Background(), []Task{
		{CallID: "c1", ToolName: "sleepy", Timeout: 30 * time.Millisecond},
	}, ExecContext{})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.False(t, results[0].Aborted, "timeout is a failure, not a batch abort")
}

func TestRunBatchEmpty(t *testing.T) {
	p := newTestPool(t, NewRegistry(), 1, 1)
	results := p.RunBatch(context.Background(), nil, ExecContext{})
	assert.Empty(t, results)
}
