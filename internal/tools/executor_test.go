package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func echoTool(calls *atomic.Int32) *LocalTool {
	return NewLocal("echo", "Echo text back.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
		func(_ context.Context, args map[string]any) (string, error) {
			calls.Add(1)
			return args["text"].(string), nil
		})
}

func TestExecute_Success(t *testing.T) {
	var calls atomic.Int32
	snap := NewSnapshot(echoTool(&calls))
	e := NewExecutor(time.Second, 1, nil)

	res := e.Execute(context.Background(), Call{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "hi"}}, snap)
	if !res.OK || res.Output != "hi" {
		t.Fatalf("result = %+v", res)
	}
	if res.CallID != "c1" || res.Name != "echo" {
		t.Errorf("correlation lost: %+v", res)
	}
	if res.Content() != "hi" {
		t.Errorf("Content() = %q", res.Content())
	}
}

func TestExecute_ValidationBeforeInvocation(t *testing.T) {
	var calls atomic.Int32
	snap := NewSnapshot(echoTool(&calls))
	e := NewExecutor(time.Second, 1, nil)

	tests := []struct {
		name string
		call Call
	}{
		{"missing required", Call{ID: "2", Name: "echo", Arguments: map[string]any{}}},
		{"wrong type", Call{ID: "3", Name: "echo", Arguments: map[string]any{"text": 42.0}}},
		{"nil arguments", Call{ID: "4", Name: "echo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(context.Background(), tt.call, snap)
			if res.OK || res.Kind != KindValidation {
				t.Errorf("result = %+v, want validation failure", res)
			}
			var verr *ValidationError
			if err := res.Err(); !errors.As(err, &verr) {
				t.Errorf("Err() = %T, want *ValidationError", err)
			}
		})
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("tool invoked %d times despite validation failures", n)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	var calls atomic.Int32
	e := NewExecutor(time.Second, 1, nil)
	res := e.Execute(context.Background(), Call{ID: "1", Name: "nope", Arguments: map[string]any{"text": "x"}}, NewSnapshot(echoTool(&calls)))
	if res.OK || res.Kind != KindNotFound {
		t.Fatalf("result = %+v, want not_found", res)
	}
	var unavailable *ErrToolUnavailable
	if !errors.As(res.Err(), &unavailable) || unavailable.ToolName != "nope" {
		t.Errorf("Err() = %v", res.Err())
	}
}

func TestExecute_TimeoutDoesNotWaitForTool(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	slow := NewLocal("search", "Slow search.", map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
	}, func(context.Context, map[string]any) (string, error) {
		// Ignores ctx on purpose, like a stuck remote server.
		<-release
		return "late", nil
	})

	e := NewExecutor(50*time.Millisecond, 1, nil)
	start := time.Now()
	res := e.Execute(context.Background(), Call{ID: "t", Name: "search", Arguments: map[string]any{"query": "rotbot"}}, NewSnapshot(slow))

	if res.OK || res.Kind != KindTimeout {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Execute took %s, should return at the deadline", elapsed)
	}
	var terr *TimeoutError
	if !errors.As(res.Err(), &terr) {
		t.Errorf("Err() = %v, want *TimeoutError", res.Err())
	}
}

func TestExecute_PerToolTimeout(t *testing.T) {
	tool := NewLocal("wait", "", nil, func(ctx context.Context, _ map[string]any) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return "done", nil
		}
	}).WithTimeout(time.Second)

	e := NewExecutor(10*time.Millisecond, 1, nil)
	res := e.Execute(context.Background(), Call{ID: "w", Name: "wait"}, NewSnapshot(tool))
	if !res.OK {
		t.Errorf("per-tool timeout ignored: %+v", res)
	}
}

func TestExecute_ErrorsBecomeResults(t *testing.T) {
	failing := NewLocal("fail", "", nil, func(context.Context, map[string]any) (string, error) {
		return "", fmt.Errorf("disk full")
	})
	panicky := NewLocal("panic", "", nil, func(context.Context, map[string]any) (string, error) {
		panic("boom")
	})
	snap := NewSnapshot(failing, panicky)
	e := NewExecutor(time.Second, 1, nil)

	res := e.Execute(context.Background(), Call{ID: "1", Name: "fail"}, snap)
	if res.OK || res.Kind != KindExecution || !strings.Contains(res.Error, "disk full") {
		t.Errorf("fail result = %+v", res)
	}
	if !strings.HasPrefix(res.Content(), "Error (execution):") {
		t.Errorf("Content() = %q", res.Content())
	}

	res = e.Execute(context.Background(), Call{ID: "2", Name: "panic"}, snap)
	if res.OK || res.Kind != KindExecution || !strings.Contains(res.Error, "boom") {
		t.Errorf("panic result = %+v", res)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewExecutor(time.Second, 1, nil)
	res := e.Execute(ctx, Call{ID: "1", Name: "echo", Arguments: map[string]any{"text": "x"}}, NewSnapshot(echoTool(&calls)))
	if res.Kind != KindCancelled {
		t.Errorf("Kind = %q, want cancelled", res.Kind)
	}
	if calls.Load() != 0 {
		t.Error("tool ran after cancellation")
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []string
}

func (o *recordingObserver) ToolStarted(c Call) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, c.ID)
}

func (o *recordingObserver) ToolFinished(c Call, _ Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, c.ID)
}

func TestExecuteAll_IssueOrderAndBoundedParallelism(t *testing.T) {
	var inFlight, peak atomic.Int32
	sleeper := NewLocal("sleep", "", map[string]any{
		"type":       "object",
		"properties": map[string]any{"ms": map[string]any{"type": "integer"}},
		"required":   []any{"ms"},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		ms := argInt(args, "ms")
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return fmt.Sprintf("slept %d", ms), nil
	})

	calls := []Call{
		{ID: "a", Name: "sleep", Arguments: map[string]any{"ms": 60.0}},
		{ID: "b", Name: "sleep", Arguments: map[string]any{"ms": 10.0}},
		{ID: "c", Name: "sleep", Arguments: map[string]any{"ms": 30.0}},
		{ID: "d", Name: "missing"},
		{ID: "e", Name: "sleep", Arguments: map[string]any{"ms": 1.0}},
	}

	obs := &recordingObserver{}
	e := NewExecutor(time.Second, 2, nil)
	results := e.ExecuteAll(context.Background(), calls, NewSnapshot(sleeper), obs)

	if len(results) != len(calls) {
		t.Fatalf("got %d results, want %d", len(results), len(calls))
	}
	for i, r := range results {
		if r.CallID != calls[i].ID {
			t.Errorf("results[%d].CallID = %q, want %q", i, r.CallID, calls[i].ID)
		}
	}
	if results[0].Output != "slept 60" || results[1].Output != "slept 10" {
		t.Errorf("outputs out of order: %q, %q", results[0].Output, results[1].Output)
	}
	if results[3].Kind != KindNotFound {
		t.Errorf("missing tool Kind = %q", results[3].Kind)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak parallelism = %d, want <= 2", p)
	}
	if len(obs.started) != len(calls) || len(obs.finished) != len(calls) {
		t.Errorf("observer saw %d starts, %d finishes", len(obs.started), len(obs.finished))
	}
}

func TestExecuteAll_Empty(t *testing.T) {
	e := NewExecutor(0, 0, nil)
	if got := e.ExecuteAll(context.Background(), nil, NewSnapshot(), nil); len(got) != 0 {
		t.Errorf("got %d results for no calls", len(got))
	}
}
