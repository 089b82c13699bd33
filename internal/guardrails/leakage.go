package guardrails

import (
	"regexp"
	"strings"
)

// DefaultMaxRedactions is the number of redactions after which output is
// replaced wholesale by SafeFallback.
const DefaultMaxRedactions = 5

type redaction struct {
	category    string
	re          *regexp.Regexp
	replacement string
	// selfRef limits the redaction to matches preceded by the model
	// talking about itself ("I am running on ...").
	selfRef bool
}

var redactions = []redaction{
	{"infrastructure", regexp.MustCompile(`(?i)(https?://)?(localhost|127\.0\.0\.1|0\.0\.0\.0)(:\d+)?(/\S*)?`), "[REDACTED]", false},
	{"env_variable", regexp.MustCompile(`\b(ROTBOT_[A-Z_]+|OLLAMA_[A-Z_]+|OPENAI_API_KEY|ANTHROPIC_API_KEY|SIGNAL_ACCOUNT|MQTT_PASSWORD)\b`), "[REDACTED]", false},
	{"file_path", regexp.MustCompile(`([A-Za-z]:\\[^\s"'<>|]+\.(go|py|yaml)|/[^\s"'<>|]+\.(go|py|yaml))\b`), "[REDACTED]", false},
	{"dotenv", regexp.MustCompile(`\.env\b`), "[REDACTED]", false},
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|authorization)\s*[:=]\s*["']?[A-Za-z0-9_\-]{20,}["']?`), "[REDACTED]", false},
	{"jwt_token", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`), "[REDACTED]", false},
	{"model_name", regexp.MustCompile(`(?i)\b(ollama|llama[\s-]?3(\.\d)?|deepseek[\s-]?r1|qwen[\s-]?\d*[\s-]?coder|mistral|codellama|phi[\s-]?\d|gemma[\s-]?\d|vicuna|wizardlm)\b`), "an AI model", true},
	{"framework", regexp.MustCompile(`(?i)\b(signal[\s-]?cli|autopaho|goldmark|openai-go|anthropic-sdk-go|contextbuilder|guardrails\.go)\b`), "the system", true},
	{"api_path", regexp.MustCompile(`(?i)(/api/(generate|chat|tags|embeddings)|/v1/chat/completions|/v1/messages)\b`), "[REDACTED]", true},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED]", false},
	{"credit_card", regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "[REDACTED]", false},
}

var (
	codeBlockRe  = regexp.MustCompile("```[\\s\\S]*?```")
	inlineCodeRe = regexp.MustCompile("`[^`]+`")
	selfRefRe    = regexp.MustCompile(`(?i)\b(I\s+am|I'm|I\s+use|I\s+run|running\s+on|powered\s+by|built\s+with|my\s+model|my\s+architecture|my\s+system|my\s+backend|I\s+was\s+built|I\s+was\s+trained|I\s+was\s+created)\b`)
)

// LeakageFilter redacts infrastructure details, secrets and PII from
// model output. Text inside fenced or inline code is left alone. When
// more than MaxRedactions matches are found the whole reply is blocked.
type LeakageFilter struct {
	MaxRedactions int
}

// Name implements Stage.
func (LeakageFilter) Name() string { return StageLeakage }

// Check implements Stage.
func (f LeakageFilter) Check(text string, dir Direction) Verdict {
	if dir != Outbound || text == "" {
		return Verdict{Action: Pass, Text: text}
	}
	limit := f.MaxRedactions
	if limit <= 0 {
		limit = DefaultMaxRedactions
	}

	var found []string
	out := text
	for _, r := range redactions {
		var hits []string
		out, hits = r.apply(out)
		found = append(found, hits...)
	}

	switch {
	case len(found) > limit:
		return Verdict{Action: Block, Text: SafeFallback, Categories: found}
	case len(found) > 0:
		return Verdict{Action: Modify, Text: out, Categories: found}
	default:
		return Verdict{Action: Pass, Text: text}
	}
}

func (r redaction) apply(text string) (string, []string) {
	matches := r.re.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	spans := codeSpans(text)

	var (
		b    strings.Builder
		hits []string
		last int
	)
	for _, m := range matches {
		if insideAny(spans, m[0], m[1]) {
			continue
		}
		if r.selfRef && !selfReferential(text, m[0]) {
			continue
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(r.replacement)
		last = m[1]
		hits = append(hits, r.category)
	}
	if len(hits) == 0 {
		return text, nil
	}
	b.WriteString(text[last:])
	return b.String(), hits
}

func codeSpans(text string) [][]int {
	spans := codeBlockRe.FindAllStringIndex(text, -1)
	return append(spans, inlineCodeRe.FindAllStringIndex(text, -1)...)
}

// insideAny reports whether [start,end) overlaps any span.
func insideAny(spans [][]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && end > s[0] {
			return true
		}
	}
	return false
}

func selfReferential(text string, start int) bool {
	from := start - 80
	if from < 0 {
		from = 0
	}
	return selfRefRe.MatchString(text[from:start])
}
