// Package guardrails implements the text filter pipeline applied to user
// input before the model sees it and to model output before the user
// sees it.
//
// A [Pipeline] is an ordered list of [Stage] values. Each stage inspects
// the text and returns a [Verdict]: pass it through, rewrite it, or block
// it outright. The first block ends the run. Stages are pure functions of
// their input so the same text always produces the same verdict; stateful
// concerns such as probe rate limiting live in [ProbeLimiter], outside the
// pipeline.
package guardrails

import (
	"fmt"
	"log/slog"
)

// Fixed user-visible replies.
const (
	// SafeFallback replaces model output that cannot be safely redacted.
	SafeFallback = "I'm sorry, but I can't provide that information. " +
		"How can I help you with something else?"

	// InputBlockedMessage is the reply to blocked injection or probing
	// attempts.
	InputBlockedMessage = "I can't process that request. If you have a legitimate question, " +
		"please rephrase it and I'll be happy to help."

	// ContentBlockedMessage is the reply to requests for harmful content.
	ContentBlockedMessage = "I'm not able to help with that kind of request. " +
		"Please ask me something constructive and I'll do my best to assist you."
)

// Direction says which way text is flowing through the pipeline.
type Direction int

const (
	// Inbound is user text headed for the model.
	Inbound Direction = iota
	// Outbound is model text headed for the user.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Action is the decision carried by a [Verdict].
type Action int

const (
	// Pass leaves the text unchanged.
	Pass Action = iota
	// Block halts the pipeline and replaces the text with a refusal.
	Block
	// Modify substitutes rewritten text for later stages.
	Modify
)

func (a Action) String() string {
	switch a {
	case Pass:
		return "pass"
	case Block:
		return "block"
	case Modify:
		return "modify"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Verdict is the outcome of one stage, or of a full pipeline run.
type Verdict struct {
	Action Action
	// Text is the text after the stage ran. For Pass it equals the
	// input; for Modify it is the rewritten text; for Block it is the
	// refusal the user should see.
	Text string
	// Stage names the stage that produced the verdict. Empty for a
	// pipeline run where every stage passed.
	Stage string
	// Categories lists what the stage detected, e.g. "role_manipulation"
	// or "api_key". Informational only.
	Categories []string
}

// Blocked reports whether the verdict halted the pipeline.
func (v Verdict) Blocked() bool { return v.Action == Block }

// Stage is one filter in the pipeline. Implementations must be
// deterministic and must not mutate shared state.
type Stage interface {
	Name() string
	Check(text string, dir Direction) Verdict
}

// Pipeline runs stages strictly in order.
type Pipeline struct {
	stages []Stage
	logger *slog.Logger
}

// NewPipeline returns a pipeline over the given stages. A nil logger
// falls back to slog.Default.
func NewPipeline(logger *slog.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{stages: stages, logger: logger.With("component", "guardrails")}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run passes text through every stage in order. The first Block is
// returned immediately and no later stage runs. Modify verdicts feed
// their rewritten text to the next stage; if any stage modified the
// text the final verdict is Modify with the last rewriting stage named.
// A nil pipeline passes everything.
func (p *Pipeline) Run(text string, dir Direction) Verdict {
	if p == nil {
		return Verdict{Action: Pass, Text: text}
	}

	result := Verdict{Action: Pass, Text: text}
	for _, s := range p.stages {
		v := s.Check(result.Text, dir)
		switch v.Action {
		case Block:
			if v.Stage == "" {
				v.Stage = s.Name()
			}
			if v.Text == "" {
				v.Text = defaultRefusal(dir)
			}
			p.logger.Info("guardrail blocked text",
				"direction", dir,
				"stage", v.Stage,
				"categories", v.Categories,
				"sample", SanitizeForLogging(text, 80),
			)
			return v
		case Modify:
			p.logger.Debug("guardrail modified text",
				"direction", dir,
				"stage", s.Name(),
				"categories", v.Categories,
			)
			result.Action = Modify
			result.Text = v.Text
			result.Stage = s.Name()
			result.Categories = append(result.Categories, v.Categories...)
		}
	}
	return result
}

func defaultRefusal(dir Direction) string {
	if dir == Inbound {
		return InputBlockedMessage
	}
	return SafeFallback
}

// BlockedError reports a turn ended by a blocking verdict.
type BlockedError struct {
	Direction Direction
	Verdict   Verdict
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("guardrail %s blocked %s text", e.Verdict.Stage, e.Direction)
}

// Options configures the standard stage set.
type Options struct {
	MaxInputChars int
	MaxRedactions int
	DeniedPhrases []string
}

// NewDefaultPipeline returns the standard stage order used by the agent:
// length limit, abuse, injection, content safety, policy, leakage. Each
// stage ignores the direction it does not apply to.
func NewDefaultPipeline(logger *slog.Logger, opts Options) *Pipeline {
	return NewPipeline(logger,
		LengthLimit{Max: opts.MaxInputChars},
		AbuseStage{},
		InjectionGuard{},
		ContentSafety{},
		NewPolicyStage(opts.DeniedPhrases),
		LeakageFilter{MaxRedactions: opts.MaxRedactions},
	)
}
