package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/rotbot/internal/llm"
	"github.com/nugget/rotbot/internal/tools"
)

// State is a turn's position in the perceive-think-act machine.
type State int

const (
	StatePerceive State = iota
	StateThink
	StateAct
	StateFinalize
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePerceive:
		return "PERCEIVE"
	case StateThink:
		return "THINK"
	case StateAct:
		return "ACT"
	case StateFinalize:
		return "FINALIZE"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateAborted }

// TurnStatus is the outcome of a turn.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnCompleted TurnStatus = "completed"
	TurnAborted   TurnStatus = "aborted"
)

// Usage is the token count for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelStep is one completion call's output. It is not modified after
// it is recorded.
type ModelStep struct {
	Model     string       `json:"model"`
	Text      string       `json:"text,omitempty"`
	ToolCalls []tools.Call `json:"tool_calls,omitempty"`
	Usage     Usage        `json:"usage"`
	Duration  time.Duration `json:"duration"`
}

// Turn is one user input through its final reply.
type Turn struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Input          string         `json:"input"`
	Steps          []ModelStep    `json:"steps"`
	Results        []tools.Result `json:"results,omitempty"`
	Output         string         `json:"output,omitempty"`
	Status         TurnStatus     `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	State          State          `json:"-"`
	Iterations     int            `json:"iterations"`
	// BlockedBy names the guardrail stage that refused the input or the
	// reply, if any.
	BlockedBy string    `json:"blocked_by,omitempty"`
	Model     string    `json:"model,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	// scratch is the in-turn transcript after the user input: assistant
	// tool-call messages and tool results, in issue order.
	scratch []llm.Message
}

func newTurn(convID, input string) *Turn {
	id, _ := uuid.NewV7()
	return &Turn{
		ID:             id.String(),
		ConversationID: convID,
		Input:          input,
		Status:         TurnPending,
		State:          StatePerceive,
		StartedAt:      time.Now(),
	}
}

// Usage sums token usage across steps.
func (t *Turn) Usage() Usage {
	var u Usage
	for _, s := range t.Steps {
		u.InputTokens += s.Usage.InputTokens
		u.OutputTokens += s.Usage.OutputTokens
	}
	return u
}

// LastText returns the most recent non-empty assistant text.
func (t *Turn) LastText() string {
	for i := len(t.Steps) - 1; i >= 0; i-- {
		if t.Steps[i].Text != "" {
			return t.Steps[i].Text
		}
	}
	return ""
}

// recentTurns bounds Conversation.Turns.
const recentTurns = 16

// Conversation is the per-conversation state the loop keeps between
// turns. The bus guarantees one running turn per conversation; the
// mutex covers reads from commands and status endpoints.
type Conversation struct {
	ID string

	mu           sync.Mutex
	mode         string
	model        string
	showThinking bool
	turns        []*Turn
	iteration    int
}

// Mode returns the conversation's mode, or "" for the default.
func (c *Conversation) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Model returns the conversation's model override, or "".
func (c *Conversation) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Iteration is the iteration count of the running turn.
func (c *Conversation) Iteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iteration
}

// Turns returns the most recent turns, oldest first.
func (c *Conversation) Turns() []*Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Turn(nil), c.turns...)
}

func (c *Conversation) setIteration(n int) {
	c.mu.Lock()
	c.iteration = n
	c.mu.Unlock()
}

func (c *Conversation) addTurn(t *Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
	if len(c.turns) > recentTurns {
		c.turns = c.turns[len(c.turns)-recentTurns:]
	}
}

func (c *Conversation) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode, c.model, c.showThinking = "", "", false
	c.turns = nil
	c.iteration = 0
}

// newCallID names a tool call the provider left unnamed.
func newCallID() string {
	id, _ := uuid.NewV7()
	return "call_" + id.String()
}
