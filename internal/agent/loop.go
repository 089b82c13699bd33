// Package agent runs conversation turns. Each inbound message becomes a
// Turn that moves through PERCEIVE, THINK and ACT until it reaches
// FINALIZE and DONE, or ABORTED. The Loop implements bus.Runner; the
// bus guarantees that a conversation has at most one running turn.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/rotbot/internal/bus"
	"github.com/nugget/rotbot/internal/contextbuilder"
	"github.com/nugget/rotbot/internal/events"
	"github.com/nugget/rotbot/internal/guardrails"
	"github.com/nugget/rotbot/internal/llm"
	"github.com/nugget/rotbot/internal/memory"
	"github.com/nugget/rotbot/internal/prompts"
	"github.com/nugget/rotbot/internal/skills"
	"github.com/nugget/rotbot/internal/tools"
)

// Defaults applied by NewLoop to zero Config fields.
const (
	DefaultMaxIterations   = 10
	DefaultTurnTimeout     = 5 * time.Minute
	DefaultRetryBackoff    = time.Second
	DefaultMemoryExcerpts  = 10
	DefaultHistoryLimit    = 50
	DefaultMaxActiveSkills = 3
	DefaultUserFacts       = 20
)

// providerAttempts is the first completion call plus one retry.
const providerAttempts = 2

// archiveTimeout bounds the post-turn write, which runs even when the
// turn's own context is already done.
const archiveTimeout = 10 * time.Second

// Config holds the loop's tunables.
type Config struct {
	// Model is the default model. ModeModels overrides it per mode.
	Model      string
	ModeModels map[string]string
	// DefaultMode is the mode for conversations that have not chosen one.
	DefaultMode string

	MaxIterations int
	TurnTimeout   time.Duration
	RetryBackoff  time.Duration

	Budget          contextbuilder.Budget
	MemoryExcerpts  int
	HistoryLimit    int // messages
	MaxActiveSkills int
	// UserFacts caps the "About the user" section.
	UserFacts int

	// Soul replaces the mode prompt when non-empty.
	Soul string
	// ShowStats appends "(elapsed | model)" to replies.
	ShowStats bool
}

// SettingsStore persists per-conversation settings (mode, model,
// thinking output) across restarts. *opstate.Store satisfies it.
type SettingsStore interface {
	List(ctx context.Context, namespace string) (map[string]string, error)
	Set(ctx context.Context, namespace, key, value string) error
	DeleteNamespace(ctx context.Context, namespace string) error
}

// MemoryStore is the persistence the loop needs. *memory.Store
// satisfies it.
type MemoryStore interface {
	Recent(ctx context.Context, convID string, n int) ([]string, error)
	Append(ctx context.Context, convID, fact string) error
	UserFacts(ctx context.Context, convID string, n int) ([]string, error)
	History(ctx context.Context, convID string, limit int) ([]llm.Message, error)
	CommitTurn(ctx context.Context, rec memory.TurnRecord) error
	Clear(ctx context.Context, convID string) error
}

// Consolidator summarizes old history into memory. *memory.Consolidator
// satisfies it.
type Consolidator interface {
	NeedsConsolidation(ctx context.Context, convID string) (bool, error)
	Consolidate(ctx context.Context, convID string) (string, error)
}

// Deps are the loop's collaborators. LLM, Memory, Tools and Executor
// are required; the rest may be nil.
type Deps struct {
	LLM          llm.Client
	Memory       MemoryStore
	Consolidator Consolidator
	Tools        *tools.Store
	Executor     *tools.Executor
	Skills       *skills.Store
	Guardrails   *guardrails.Pipeline
	Probes       *guardrails.ProbeLimiter
	// Settings is optional. Without it conversation settings last until
	// the process exits.
	Settings SettingsStore
	Events   *events.Bus
	Logger   *slog.Logger
}

// Loop is the agent loop.
type Loop struct {
	cfg          Config
	llm          llm.Client
	memory       MemoryStore
	consolidator Consolidator
	tools        *tools.Store
	executor     *tools.Executor
	skills       *skills.Store
	guardrails   *guardrails.Pipeline
	probes       *guardrails.ProbeLimiter
	settings     SettingsStore
	events       *events.Bus
	logger       *slog.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
	consolidating map[string]bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewLoop returns a loop. It panics if a required dependency is nil.
func NewLoop(cfg Config, deps Deps) *Loop {
	if deps.LLM == nil || deps.Memory == nil || deps.Tools == nil || deps.Executor == nil {
		panic("agent: NewLoop requires LLM, Memory, Tools and Executor")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MemoryExcerpts <= 0 {
		cfg.MemoryExcerpts = DefaultMemoryExcerpts
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MaxActiveSkills <= 0 {
		cfg.MaxActiveSkills = DefaultMaxActiveSkills
	}
	if cfg.UserFacts <= 0 {
		cfg.UserFacts = DefaultUserFacts
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = prompts.ModeGeneral
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Loop{
		cfg:           cfg,
		llm:           deps.LLM,
		memory:        deps.Memory,
		consolidator:  deps.Consolidator,
		tools:         deps.Tools,
		executor:      deps.Executor,
		skills:        deps.Skills,
		guardrails:    deps.Guardrails,
		probes:        deps.Probes,
		settings:      deps.Settings,
		events:        deps.Events,
		logger:        deps.Logger.With("component", "agent"),
		conversations: make(map[string]*Conversation),
		consolidating: make(map[string]bool),
		bgCtx:         bgCtx,
		bgCancel:      bgCancel,
	}
}

// Close stops background consolidation and waits for it to exit.
func (l *Loop) Close() error {
	l.bgCancel()
	l.bg.Wait()
	return nil
}

// Conversation returns the state for id, creating it on first use.
func (l *Loop) Conversation(id string) *Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conversations[id]
	if !ok {
		c = &Conversation{ID: id}
		l.restoreSettings(c)
		l.conversations[id] = c
	}
	return c
}

// Keys under a conversation's settings namespace.
const (
	settingMode     = "mode"
	settingModel    = "model"
	settingThinking = "show_thinking"
)

func settingsNamespace(convID string) string { return "conversation/" + convID }

func (l *Loop) restoreSettings(c *Conversation) {
	if l.settings == nil {
		return
	}
	vals, err := l.settings.List(l.bgCtx, settingsNamespace(c.ID))
	if err != nil {
		l.logger.Warn("loading conversation settings failed", "conversation", c.ID, "error", err)
		return
	}
	if m := vals[settingMode]; prompts.ValidMode(m) {
		c.mode = m
	}
	c.model = vals[settingModel]
	c.showThinking = vals[settingThinking] == "true"
}

// saveSetting persists one setting. Failures are logged; the in-memory
// value still applies for this process.
func (l *Loop) saveSetting(ctx context.Context, c *Conversation, key, value string) {
	if l.settings == nil {
		return
	}
	if err := l.settings.Set(ctx, settingsNamespace(c.ID), key, value); err != nil {
		l.logger.Warn("saving conversation setting failed", "conversation", c.ID, "key", key, "error", err)
	}
}

func (l *Loop) modeFor(c *Conversation) string {
	if m := c.Mode(); m != "" {
		return m
	}
	return l.cfg.DefaultMode
}

func (l *Loop) modelFor(c *Conversation) string {
	if m := c.Model(); m != "" {
		return m
	}
	if m := l.cfg.ModeModels[l.modeFor(c)]; m != "" {
		return m
	}
	return l.cfg.Model
}

// RunTurn implements bus.Runner.
func (l *Loop) RunTurn(ctx context.Context, msg bus.InboundMessage, emit bus.Emitter) {
	l.Run(ctx, msg, emit)
}

// Run executes one turn for msg, sending fragments, tool events and
// exactly one final message through emit. It returns the finished turn.
func (l *Loop) Run(ctx context.Context, msg bus.InboundMessage, emit bus.Emitter) *Turn {
	convID := msg.ConversationID()
	conv := l.Conversation(convID)
	t := newTurn(convID, msg.Content)
	t.Model = l.modelFor(conv)

	user := msg.UserID
	if user == "" {
		user = convID
	}
	ctx = tools.WithConversationID(ctx, convID)
	ctx = tools.WithUserID(ctx, user)
	ctx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
	defer cancel()

	r := &turnRun{
		loop: l,
		conv: conv,
		turn: t,
		msg:  msg,
		user: user,
		out:  emit,
		log:  l.logger.With("conversation", convID, "turn_id", t.ID),
	}
	r.reply = newReplyStream(r.emit, func(text string) bool {
		return l.guardrails.Run(text, guardrails.Outbound).Action == guardrails.Pass
	})
	conv.setIteration(0)
	conv.addTurn(t)

	r.log.Info("turn started",
		"channel", msg.Channel,
		"model", t.Model,
		"input", guardrails.SanitizeForLogging(msg.Content, 80),
	)
	l.events.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"turn_id":         t.ID,
		"conversation_id": convID,
		"channel":         msg.Channel,
	})

	r.run(ctx)
	return t
}

// turnRun carries one turn's working state.
type turnRun struct {
	loop *Loop
	conv *Conversation
	turn *Turn
	msg  bus.InboundMessage
	user string
	log  *slog.Logger

	emitMu sync.Mutex
	out    bus.Emitter

	snap  *tools.Snapshot
	base  contextbuilder.Input
	nudge bool
	reply *replyStream
}

func (r *turnRun) emit(out bus.OutboundMessage) {
	if out.Channel == "" {
		out.Channel, out.ChatID = r.msg.Channel, r.msg.ChatID
	}
	if out.InReplyTo == "" {
		out.InReplyTo = r.msg.ID
	}
	out.TurnID = r.turn.ID
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.out != nil {
		r.out(out)
	}
}

func (r *turnRun) transition(to State) {
	from := r.turn.State
	r.turn.State = to
	r.log.Debug("state", "from", from, "to", to, "iteration", r.turn.Iterations)
	r.loop.events.Emit(events.SourceAgent, events.KindState, map[string]any{
		"turn_id": r.turn.ID,
		"from":    from.String(),
		"to":      to.String(),
	})
}

func (r *turnRun) run(ctx context.Context) {
	input, ok := r.perceive()
	if !ok {
		return
	}
	r.turn.Input = input

	if reply, handled := r.loop.command(ctx, r.conv, input); handled {
		r.turn.Output = reply
		r.emit(bus.OutboundMessage{Kind: bus.KindReply, Content: reply})
		r.turn.Status = TurnCompleted
		r.turn.EndedAt = time.Now()
		r.transition(StateDone)
		return
	}

	if err := r.prepare(ctx); err != nil {
		r.fail(ctx, err)
		return
	}

	maxIter := r.loop.cfg.MaxIterations
	for {
		r.transition(StateThink)
		step, err := r.think(ctx)
		if err != nil {
			r.fail(ctx, err)
			return
		}

		if len(step.ToolCalls) == 0 {
			text := step.Text
			if text == "" {
				if !r.nudge && len(r.turn.Results) > 0 {
					r.log.Warn("empty response after tool calls, nudging")
					r.nudge = true
					continue
				}
				text = prompts.EmptyResponseFallback
			}
			r.finalize(ctx, text)
			return
		}

		r.transition(StateAct)
		r.act(ctx, step)
		if err := ctx.Err(); err != nil {
			r.fail(ctx, err)
			return
		}
		if r.turn.Iterations >= maxIter {
			r.log.Warn("iteration cap reached", "max_iterations", maxIter)
			text := r.turn.LastText()
			if text == "" {
				text = prompts.IterationCapFallback
			}
			r.finalize(ctx, text)
			return
		}
	}
}

// perceive runs inbound guardrails and the probe limiter. It returns the
// (possibly rewritten) input, or false after ending the turn.
func (r *turnRun) perceive() (string, bool) {
	l := r.loop
	if l.probes.Limited(r.user) {
		r.block(guardrails.Verdict{
			Action: guardrails.Block,
			Text:   guardrails.InputBlockedMessage,
			Stage:  "probe_limit",
		})
		return "", false
	}

	v := l.guardrails.Run(r.msg.Content, guardrails.Inbound)
	switch v.Action {
	case guardrails.Block:
		if v.Stage == guardrails.StageInjection && l.probes.Record(r.user) {
			r.log.Warn("user probe-limited", "user", r.user)
			l.events.Emit(events.SourceGuardrail, events.KindProbeLimited, map[string]any{
				"user_id": r.user,
			})
		}
		r.block(v)
		return "", false
	case guardrails.Modify:
		l.events.Emit(events.SourceGuardrail, events.KindModified, map[string]any{
			"direction":  guardrails.Inbound.String(),
			"stage":      v.Stage,
			"categories": v.Categories,
		})
	}
	return v.Text, true
}

// block ends the turn on an inbound refusal. The model is never called.
func (r *turnRun) block(v guardrails.Verdict) {
	t := r.turn
	t.BlockedBy = v.Stage
	t.Output = v.Text
	t.Status = TurnAborted
	t.Reason = (&guardrails.BlockedError{Direction: guardrails.Inbound, Verdict: v}).Error()
	t.EndedAt = time.Now()

	r.loop.events.Emit(events.SourceGuardrail, events.KindBlocked, map[string]any{
		"direction":  guardrails.Inbound.String(),
		"stage":      v.Stage,
		"categories": v.Categories,
	})
	r.emit(bus.OutboundMessage{Kind: bus.KindAborted, Content: v.Text})
	r.transition(StateAborted)
	r.abortEvent()
	r.archive(context.Background(), memory.TurnBlocked)
}

// prepare captures the tool snapshot and skill set for the whole turn
// and loads the context inputs that do not change between THINK steps.
func (r *turnRun) prepare(ctx context.Context) error {
	l := r.loop
	t := r.turn
	r.snap = l.tools.Snapshot()

	var active []skills.Skill
	if l.skills != nil {
		if set := l.skills.Set(); set != nil {
			active = set.Select(t.Input, l.cfg.MaxActiveSkills)
		}
	}

	recent, err := l.memory.Recent(ctx, t.ConversationID, l.cfg.MemoryExcerpts)
	if err != nil {
		r.log.Warn("loading memory failed", "error", err)
	}
	facts, err := l.memory.UserFacts(ctx, t.ConversationID, l.cfg.UserFacts)
	if err != nil {
		r.log.Warn("loading user facts failed", "error", err)
	}
	history, err := l.memory.History(ctx, t.ConversationID, l.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	var notes []string
	if n := channelNote(r.msg.Channel); n != "" {
		notes = append(notes, n)
	}

	r.base = contextbuilder.Input{
		Mode:      l.modeFor(r.conv),
		Soul:      l.cfg.Soul,
		UserFacts: facts,
		Memory:    recent,
		Skills:    active,
		Tools:     r.snap.List(),
		History:   history,
		Input:     t.Input,
		Notes:     notes,
		Now:       t.StartedAt,
		Budget:    l.cfg.Budget,
	}
	if len(active) > 0 {
		names := make([]string, len(active))
		for i, s := range active {
			names[i] = s.Name
		}
		r.log.Debug("skills selected", "skills", names)
	}
	return nil
}

// think runs one completion call and records its ModelStep.
func (r *turnRun) think(ctx context.Context) (ModelStep, error) {
	l := r.loop
	t := r.turn

	in := r.base
	in.Turn = t.scratch
	if r.nudge {
		in.Turn = append(append([]llm.Message(nil), t.scratch...),
			llm.Message{Role: llm.RoleUser, Content: prompts.EmptyResponseNudge})
	}
	built, err := contextbuilder.Build(in)
	if err != nil {
		return ModelStep{}, err
	}
	r.log.Debug("context built",
		"runes", built.Used,
		"history_kept", built.HistoryKept,
		"history_dropped", built.HistoryDropped,
		"tool_trimmed", built.ToolTrimmed,
		"memory_kept", built.MemoryKept,
	)

	start := time.Now()
	var resp *llm.ChatResponse
	r.reply.step()
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			r.reply.retry()
		}
		l.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"turn_id": t.ID,
			"iter":    t.Iterations,
			"model":   t.Model,
		})
		resp, err = r.stream(ctx, built)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ModelStep{}, ctx.Err()
		}
		if attempt >= providerAttempts {
			return ModelStep{}, &ProviderError{Model: t.Model, Attempts: attempt, Err: err}
		}
		r.log.Warn("completion failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-time.After(l.cfg.RetryBackoff):
		case <-ctx.Done():
			return ModelStep{}, ctx.Err()
		}
	}

	text := resp.Message.Content
	if !r.showThinking() {
		text = llm.StripThink(text)
	}
	step := ModelStep{
		Model:     t.Model,
		Text:      text,
		ToolCalls: normalizeCalls(resp.Message.ToolCalls),
		Usage:     Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
		Duration:  time.Since(start),
	}
	if resp.Model != "" {
		step.Model = resp.Model
	}
	t.Steps = append(t.Steps, step)

	r.log.Debug("completion",
		"tool_calls", len(step.ToolCalls),
		"tokens_in", step.Usage.InputTokens,
		"tokens_out", step.Usage.OutputTokens,
		"duration", step.Duration,
	)
	l.events.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"turn_id":    t.ID,
		"iter":       t.Iterations,
		"model":      step.Model,
		"tokens_in":  step.Usage.InputTokens,
		"tokens_out": step.Usage.OutputTokens,
		"tool_calls": len(step.ToolCalls),
	})
	return step, nil
}

func (r *turnRun) showThinking() bool {
	r.conv.mu.Lock()
	defer r.conv.mu.Unlock()
	return r.conv.showThinking
}

// stream makes one completion call, forwarding text tokens to the
// reply stream.
func (r *turnRun) stream(ctx context.Context, built *contextbuilder.Context) (*llm.ChatResponse, error) {
	cb := func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken && ev.Token != "" {
			r.reply.write(ev.Token)
		}
	}
	var callback llm.StreamCallback = cb
	if !r.showThinking() {
		callback = (&llm.ThinkFilter{}).Wrap(cb)
	}
	return r.loop.llm.ChatStream(ctx, r.turn.Model, built.Messages, built.Tools, callback)
}

// normalizeCalls converts provider tool calls, filling missing or
// duplicate ids and nil arguments.
func normalizeCalls(in []llm.ToolCall) []tools.Call {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]tools.Call, len(in))
	for i, tc := range in {
		id := tc.ID
		if id == "" || seen[id] {
			id = newCallID()
		}
		seen[id] = true
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out[i] = tools.Call{ID: id, Name: tc.Function.Name, Arguments: args}
	}
	return out
}

// act executes the step's tool calls and appends the assistant message
// and the results, in issue order, to the turn transcript.
func (r *turnRun) act(ctx context.Context, step ModelStep) {
	t := r.turn
	results := make([]tools.Result, len(step.ToolCalls))
	var runnable []tools.Call
	var slots []int
	for i, c := range step.ToolCalls {
		if c.Name == "" {
			results[i] = tools.Result{
				CallID: c.ID,
				Kind:   tools.KindValidation,
				Error:  "tool call has no name",
			}
			continue
		}
		runnable = append(runnable, c)
		slots = append(slots, i)
	}
	ran := r.loop.executor.ExecuteAll(ctx, runnable, r.snap, toolObserver{r})
	for j, res := range ran {
		results[slots[j]] = res
	}

	calls := make([]llm.ToolCall, len(step.ToolCalls))
	for i, c := range step.ToolCalls {
		calls[i] = llm.ToolCall{ID: c.ID, Function: llm.ToolFunction{Name: c.Name, Arguments: c.Arguments}}
	}
	t.scratch = append(t.scratch, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   step.Text,
		ToolCalls: calls,
	})
	limit := r.loop.cfg.Budget.ResultLimit()
	for _, res := range results {
		t.scratch = append(t.scratch, llm.Message{
			Role:       llm.RoleTool,
			Content:    contextbuilder.ClipResult(res.Content(), limit),
			ToolCallID: res.CallID,
		})
	}
	t.Results = append(t.Results, results...)
	t.Iterations++
	r.conv.setIteration(t.Iterations)
}

type toolObserver struct{ r *turnRun }

func (o toolObserver) ToolStarted(call tools.Call) {
	o.r.emit(bus.OutboundMessage{Kind: bus.KindToolStart, Tool: call.Name, CallID: call.ID})
	o.r.loop.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"turn_id": o.r.turn.ID,
		"call_id": call.ID,
		"tool":    call.Name,
	})
}

func (o toolObserver) ToolFinished(call tools.Call, res tools.Result) {
	o.r.emit(bus.OutboundMessage{
		Kind:    bus.KindToolEnd,
		Tool:    call.Name,
		CallID:  call.ID,
		OK:      res.OK,
		Content: res.Error,
	})
	o.r.loop.events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"turn_id":     o.r.turn.ID,
		"call_id":     call.ID,
		"tool":        call.Name,
		"ok":          res.OK,
		"kind":        string(res.Kind),
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// finalize runs outbound guardrails on the candidate reply, emits it,
// and archives the turn.
func (r *turnRun) finalize(ctx context.Context, candidate string) {
	l := r.loop
	t := r.turn
	r.transition(StateFinalize)

	status := memory.TurnCompleted
	v := l.guardrails.Run(candidate, guardrails.Outbound)
	switch v.Action {
	case guardrails.Block:
		status = memory.TurnBlocked
		t.BlockedBy = v.Stage
		l.events.Emit(events.SourceGuardrail, events.KindBlocked, map[string]any{
			"direction":  guardrails.Outbound.String(),
			"stage":      v.Stage,
			"categories": v.Categories,
		})
	case guardrails.Modify:
		l.events.Emit(events.SourceGuardrail, events.KindModified, map[string]any{
			"direction":  guardrails.Outbound.String(),
			"stage":      v.Stage,
			"categories": v.Categories,
		})
	}

	t.Output = v.Text
	t.Status = TurnCompleted
	t.EndedAt = time.Now()
	reply := t.Output
	if l.cfg.ShowStats {
		reply += fmt.Sprintf("\n\n_(%.1fs | %s)_", t.EndedAt.Sub(t.StartedAt).Seconds(), t.Model)
	}
	r.emit(bus.OutboundMessage{Kind: bus.KindReply, Content: reply})
	r.transition(StateDone)

	usage := t.Usage()
	r.log.Info("turn complete",
		"iterations", t.Iterations,
		"tokens_in", usage.InputTokens,
		"tokens_out", usage.OutputTokens,
		"elapsed", t.EndedAt.Sub(t.StartedAt),
	)
	l.events.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"turn_id":    t.ID,
		"iterations": t.Iterations,
		"tokens_in":  usage.InputTokens,
		"tokens_out": usage.OutputTokens,
		"elapsed_ms": t.EndedAt.Sub(t.StartedAt).Milliseconds(),
	})

	r.archive(ctx, status)
	l.consolidate(t.ConversationID)
}

// fail aborts the turn with the reply matching err.
func (r *turnRun) fail(ctx context.Context, err error) {
	t := r.turn
	var reply string
	var overflow *contextbuilder.ContextOverflowError
	var provider *ProviderError
	switch {
	case errors.As(err, &overflow):
		reply = prompts.ContextOverflowReply
		t.Reason = "context overflow"
	case errors.Is(err, context.DeadlineExceeded):
		reply = prompts.TimeoutReply
		t.Reason = "timeout"
	case errors.Is(err, context.Canceled):
		reply = prompts.CancelledReply
		t.Reason = "cancelled"
	case errors.As(err, &provider):
		reply = prompts.ProviderFailureReply
		t.Reason = "provider error"
	default:
		reply = prompts.ProviderFailureReply
		t.Reason = err.Error()
	}

	r.log.Error("turn aborted", "reason", t.Reason, "error", err, "iterations", t.Iterations)
	t.Output = reply
	t.Status = TurnAborted
	t.EndedAt = time.Now()
	r.emit(bus.OutboundMessage{Kind: bus.KindAborted, Content: reply})
	r.transition(StateAborted)
	r.abortEvent()
	r.archive(ctx, memory.TurnAborted)
}

func (r *turnRun) abortEvent() {
	reason := r.turn.Reason
	if reason == "" {
		reason = "blocked"
	}
	r.loop.events.Emit(events.SourceAgent, events.KindTurnAborted, map[string]any{
		"turn_id": r.turn.ID,
		"reason":  reason,
	})
}

// archive stores the turn and, for completed turns, its history
// messages. Failures are logged; the reply has already gone out.
func (r *turnRun) archive(ctx context.Context, status memory.TurnStatus) {
	t := r.turn
	steps, err := json.Marshal(struct {
		Steps   []ModelStep    `json:"steps"`
		Results []tools.Result `json:"results,omitempty"`
	}{t.Steps, t.Results})
	if err != nil {
		r.log.Warn("encoding turn steps failed", "error", err)
	}

	rec := memory.TurnRecord{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		Input:          t.Input,
		Output:         t.Output,
		Status:         status,
		Reason:         t.Reason,
		Steps:          steps,
		StartedAt:      t.StartedAt,
		FinishedAt:     t.EndedAt,
	}
	if status == memory.TurnCompleted {
		msgs := make([]llm.Message, 0, len(t.scratch)+2)
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Input})
		msgs = append(msgs, t.scratch...)
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Output})
		rec.Messages = msgs
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := r.loop.memory.CommitTurn(ctx, rec); err != nil {
		r.log.Error("archiving turn failed", "status", status, "error", err)
	}
}

// consolidate summarizes old history in the background when the
// conversation has grown past the consolidation threshold.
func (l *Loop) consolidate(convID string) {
	if l.consolidator == nil {
		return
	}
	l.mu.Lock()
	if l.consolidating[convID] || l.bgCtx.Err() != nil {
		l.mu.Unlock()
		return
	}
	l.consolidating[convID] = true
	l.bg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.bg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.consolidating, convID)
			l.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(l.bgCtx, 2*time.Minute)
		defer cancel()
		need, err := l.consolidator.NeedsConsolidation(ctx, convID)
		if err != nil {
			l.logger.Warn("consolidation check failed", "conversation", convID, "error", err)
			return
		}
		if !need {
			return
		}
		if _, err := l.consolidator.Consolidate(ctx, convID); err != nil {
			l.logger.Warn("consolidation failed", "conversation", convID, "error", err)
		}
	}()
}
