// Package contextbuilder assembles the model-facing context for one
// completion call: the system prompt (persona, user facts, memory
// excerpts, conversation context, tool list, active skills, date), the
// conversation history, and the pinned current input, all under a rune
// budget.
//
// Nothing here performs I/O. The same Input always yields the same
// Context.
package contextbuilder

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/rotbot/internal/llm"
	"github.com/nugget/rotbot/internal/prompts"
	"github.com/nugget/rotbot/internal/skills"
	"github.com/nugget/rotbot/internal/tools"
)

// Budget is the context ceiling in runes.
type Budget int

// DefaultBudget is used when Input.Budget is zero.
const DefaultBudget Budget = 32000

// TruncatedMarker ends any tool output that was cut to fit the budget.
const TruncatedMarker = "\n[truncated]"

// minToolKeep is the floor a tool output is shrunk to before Build gives
// up and reports overflow.
const minToolKeep = 200

// ResultLimit is the most runes a single tool result may contribute to
// the context: a quarter of the budget.
func (b Budget) ResultLimit() int {
	if b <= 0 {
		b = DefaultBudget
	}
	return int(b) / 4
}

// ClipResult cuts s to at most limit runes, marker included. A
// non-positive limit returns s unchanged.
func ClipResult(s string, limit int) string {
	if limit <= 0 || runes(s) <= limit {
		return s
	}
	keep := limit - runes(TruncatedMarker)
	if keep < 0 {
		keep = 0
	}
	return prefixRunes(s, keep) + TruncatedMarker
}

// ContextOverflowError reports that the parts of the context that are
// never dropped do not fit in the budget.
type ContextOverflowError struct {
	Budget   Budget
	Required int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow: fixed content needs %d runes, budget is %d", e.Required, e.Budget)
}

// Input is everything Build needs.
type Input struct {
	Mode string
	// Soul replaces the mode prompt when non-empty.
	Soul      string
	UserFacts []string
	// Memory excerpts, newest first.
	Memory []string
	Skills []skills.Skill
	Tools  []tools.Spec
	// History holds prior messages, oldest first.
	History []llm.Message
	// Input is the current user message. It is always kept.
	Input string
	// Turn holds messages produced so far in the current turn (assistant
	// tool calls and their results). They follow Input and are always
	// kept.
	Turn []llm.Message
	// Notes are short situational lines (channel, mode) appended to the
	// persona.
	Notes []string
	// Now stamps the date line; zero omits it.
	Now    time.Time
	Budget Budget
}

// Context is the assembled result.
type Context struct {
	System   string
	Messages []llm.Message // system, kept history, current input, turn
	Tools    []map[string]any
	Used     int

	MemoryKept     int
	MemoryDropped  int
	HistoryKept    int // messages
	HistoryDropped int // messages
	// ToolTrimmed counts in-turn tool outputs shortened to fit.
	ToolTrimmed int
}

// Build assembles the context. Priority, highest first: system
// instructions and skill text, the tool manifest, the pinned input,
// newest memory excerpts, history from newest to oldest, then the
// conversation context section. History is dropped in whole exchanges so
// a tool call never loses its results. When the fixed part is over
// budget, in-turn tool outputs are shortened, oldest first, before
// overflow is reported.
func Build(in Input) (*Context, error) {
	budget := in.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}

	manifest := manifestFor(in.Tools)
	base := runes(systemPrompt(in, nil, nil)) + manifestCost(manifest) + runes(in.Input)
	turn := in.Turn
	fixed := base + unitCost(turn)
	trimmed := 0
	if fixed > int(budget) {
		turn, trimmed = shrinkToolOutputs(in.Turn, fixed-int(budget))
		fixed = base + unitCost(turn)
	}
	if fixed > int(budget) {
		return nil, &ContextOverflowError{Budget: budget, Required: fixed}
	}
	used := fixed

	// Memory section header is paid once, with the first excerpt.
	var memory []string
	header := runes(memoryHeader)
	for _, m := range in.Memory {
		cost := runes(m) + 1
		if len(memory) == 0 {
			cost += header
		}
		if used+cost > int(budget) {
			break
		}
		memory = append(memory, m)
		used += cost
	}

	units := exchanges(in.History)
	keepFrom := len(units)
	for i := len(units) - 1; i >= 0; i-- {
		cost := unitCost(units[i])
		if used+cost > int(budget) {
			break
		}
		used += cost
		keepFrom = i
	}

	// Conversation context only uses what history left over.
	var conversation []string
	if lines := Analyze(in.History, in.Input).Lines(); len(lines) > 0 {
		if cost := runes(conversationSection(lines)) + 2; used+cost <= int(budget) {
			conversation = lines
			used += cost
		}
	}

	system := systemPrompt(in, memory, conversation)
	msgs := make([]llm.Message, 0, len(in.History)+len(in.Turn)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	kept := 0
	for _, u := range units[keepFrom:] {
		msgs = append(msgs, u...)
		kept += len(u)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: in.Input})
	msgs = append(msgs, turn...)

	// The running total above is an upper bound; report the exact size.
	used = manifestCost(manifest)
	for _, m := range msgs {
		used += messageCost(m)
	}

	return &Context{
		System:         system,
		Messages:       msgs,
		Tools:          manifest,
		Used:           used,
		MemoryKept:     len(memory),
		MemoryDropped:  len(in.Memory) - len(memory),
		HistoryKept:    kept,
		HistoryDropped: len(in.History) - kept,
		ToolTrimmed:    trimmed,
	}, nil
}

// shrinkToolOutputs returns a copy of turn with tool outputs cut, oldest
// first, until excess runes are saved or every output is at its floor.
func shrinkToolOutputs(turn []llm.Message, excess int) ([]llm.Message, int) {
	out := append([]llm.Message(nil), turn...)
	marker := runes(TruncatedMarker)
	n := 0
	for i := range out {
		if excess <= 0 {
			break
		}
		if out[i].Role != llm.RoleTool {
			continue
		}
		size := runes(out[i].Content)
		keep := max(minToolKeep, size-excess-marker)
		if keep+marker >= size {
			continue
		}
		out[i].Content = prefixRunes(out[i].Content, keep) + TruncatedMarker
		excess -= size - keep - marker
		n++
	}
	return out, n
}

const memoryHeader = "\n\n\n## Your Memory\n"

// systemPrompt renders the system message. Section order: persona,
// notes, user facts, memory, conversation context, tool list, skills,
// date.
func systemPrompt(in Input, memory, conversation []string) string {
	var parts []string
	if s := strings.TrimSpace(in.Soul); s != "" {
		parts = append(parts, s)
	} else {
		parts = append(parts, prompts.ModePrompt(in.Mode))
	}
	for _, n := range in.Notes {
		if n = strings.TrimSpace(n); n != "" {
			parts = append(parts, n)
		}
	}

	if len(in.UserFacts) > 0 {
		parts = append(parts, "\n## About the User\n"+bullets(in.UserFacts))
	}
	if len(memory) > 0 {
		parts = append(parts, "\n## Your Memory\n"+strings.Join(memory, "\n"))
	}
	if len(conversation) > 0 {
		parts = append(parts, conversationSection(conversation))
	}
	if len(in.Tools) > 0 {
		lines := make([]string, len(in.Tools))
		for i, t := range in.Tools {
			lines[i] = fmt.Sprintf("- **%s**: %s", t.Name, t.Description)
		}
		parts = append(parts, "\n## Available Tools\n"+strings.Join(lines, "\n"))
	}
	for _, sk := range in.Skills {
		parts = append(parts, sk.Prompt())
	}
	if !in.Now.IsZero() {
		parts = append(parts, "\nCurrent date: "+in.Now.Format("2006-01-02"))
	}
	return strings.Join(parts, "\n\n")
}

func conversationSection(lines []string) string {
	return "\n## Conversation Context\n" + bullets(lines)
}

func bullets(items []string) string {
	lines := make([]string, len(items))
	for i, s := range items {
		lines[i] = "- " + s
	}
	return strings.Join(lines, "\n")
}

// exchanges groups history into eviction units. A unit starts at a user
// message and runs to the next one; anything before the first user
// message is its own unit.
func exchanges(history []llm.Message) [][]llm.Message {
	var units [][]llm.Message
	for _, m := range history {
		if m.Role == llm.RoleUser || len(units) == 0 {
			units = append(units, []llm.Message{m})
			continue
		}
		last := len(units) - 1
		units[last] = append(units[last], m)
	}
	return units
}

func unitCost(u []llm.Message) int {
	n := 0
	for _, m := range u {
		n += messageCost(m)
	}
	return n
}

func messageCost(m llm.Message) int {
	n := runes(m.Content)
	for _, tc := range m.ToolCalls {
		n += runes(tc.Function.Name)
		if b, err := json.Marshal(tc.Function.Arguments); err == nil {
			n += utf8.RuneCount(b)
		}
	}
	return n
}

func manifestFor(specs []tools.Spec) []map[string]any {
	if len(specs) == 0 {
		return nil
	}
	out := make([]map[string]any, len(specs))
	for i, s := range specs {
		params := s.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  params,
			},
		}
	}
	return out
}

func manifestCost(manifest []map[string]any) int {
	if len(manifest) == 0 {
		return 0
	}
	b, err := json.Marshal(manifest)
	if err != nil {
		return 0
	}
	return utf8.RuneCount(b)
}

func runes(s string) int { return utf8.RuneCountInString(s) }

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
