package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Executor defaults.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxParallel = 4
)

// Observer receives tool lifecycle notifications. Methods are called
// from executor goroutines and must be safe for concurrent use.
type Observer interface {
	ToolStarted(call Call)
	ToolFinished(call Call, result Result)
}

// Executor validates and runs tool calls. Each call runs at most once;
// the executor never retries.
type Executor struct {
	timeout     time.Duration
	maxParallel int
	logger      *slog.Logger
}

// NewExecutor returns an executor. Zero values select the defaults.
func NewExecutor(timeout time.Duration, maxParallel int, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		timeout:     timeout,
		maxParallel: maxParallel,
		logger:      logger.With("component", "tools"),
	}
}

// Execute validates and runs a single call against snap.
func (e *Executor) Execute(ctx context.Context, call Call, snap *Snapshot) Result {
	start := time.Now()
	res := e.execute(ctx, call, snap)
	res.CallID = call.ID
	res.Name = call.Name
	res.Duration = time.Since(start)

	log := e.logger.With("tool", call.Name, "call_id", call.ID, "duration", res.Duration)
	if res.OK {
		log.Debug("tool call succeeded", "output_len", len(res.Output))
	} else {
		log.Warn("tool call failed", "kind", res.Kind, "error", res.Error)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, call Call, snap *Snapshot) Result {
	tool, ok := snap.Get(call.Name)
	if !ok {
		return failed(KindNotFound, &ErrToolUnavailable{ToolName: call.Name})
	}
	if err := tool.Validate(call.Arguments); err != nil {
		return failed(KindValidation, err)
	}
	if err := ctx.Err(); err != nil {
		return failed(KindCancelled, err)
	}

	timeout := e.timeout
	if t := tool.Spec().Timeout; t > 0 {
		timeout = t
	}
	callCtx, cancel := context.WithTimeout(withCallID(ctx, call.ID), timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	// Buffered so an abandoned invocation can still finish and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := tool.Invoke(callCtx, call.Arguments)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
				return failed(KindTimeout, &TimeoutError{Tool: call.Name, Timeout: timeout})
			}
			return failed(KindExecution, &ExecutionError{Tool: call.Name, Err: o.err})
		}
		return Result{OK: true, Output: o.out}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return failed(KindCancelled, ctx.Err())
		}
		return failed(KindTimeout, &TimeoutError{Tool: call.Name, Timeout: timeout})
	}
}

func failed(kind ErrorKind, err error) Result {
	return Result{Kind: kind, Error: err.Error()}
}

// ExecuteAll runs calls concurrently, at most maxParallel at a time, and
// returns results in the order the calls were issued. obs may be nil.
func (e *Executor) ExecuteAll(ctx context.Context, calls []Call, snap *Snapshot, obs Observer) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = Result{
					CallID: call.ID,
					Name:   call.Name,
					Kind:   KindCancelled,
					Error:  ctx.Err().Error(),
				}
				return
			}
			defer func() { <-sem }()

			if obs != nil {
				obs.ToolStarted(call)
			}
			results[i] = e.Execute(ctx, call, snap)
			if obs != nil {
				obs.ToolFinished(call, results[i])
			}
		}(i, call)
	}
	wg.Wait()
	return results
}
