package guardrails

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Stage names, exported so callers can tell which stage blocked.
const (
	StageLength    = "length"
	StageInjection = "injection"
	StageSafety    = "content_safety"
	StageLeakage   = "leakage"
	StagePolicy    = "policy"
	StageAbuse     = "abuse"
)

// DefaultMaxInputChars caps inbound messages.
const DefaultMaxInputChars = 4000

// LengthLimit truncates inbound text longer than Max runes.
type LengthLimit struct {
	Max int
}

// Name implements Stage.
func (LengthLimit) Name() string { return StageLength }

// Check implements Stage.
func (l LengthLimit) Check(text string, dir Direction) Verdict {
	limit := l.Max
	if limit <= 0 {
		limit = DefaultMaxInputChars
	}
	if dir != Inbound || utf8.RuneCountInString(text) <= limit {
		return Verdict{Action: Pass, Text: text}
	}
	r := []rune(text)
	return Verdict{
		Action:     Modify,
		Text:       string(r[:limit]),
		Categories: []string{"truncated"},
	}
}

type category struct {
	name     string
	patterns []*regexp.Regexp
}

var injectionCategories = []category{
	{"ignore_instructions", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(ignore|disregard|forget|skip|drop)\s+(all\s+)?(previous|prior|above|earlier|system|initial)\s+(instructions?|prompts?|rules?|commands?|guidelines?|constraints?|context)\b`),
		regexp.MustCompile(`(?i)\b(override|bypass|disable|turn\s+off|remove|delete)\s+(the\s+)?(system|safety|guardrails?|rules?|filters?|restrictions?)\b`),
	}},
	{"role_manipulation", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(you\s+are\s+now|from\s+now\s+on\s+you\s+are|act\s+as\s+if\s+you\s+are|pretend\s+(you\s+are|to\s+be)|simulate\s+being|roleplay\s+as|switch\s+to\s+.{0,20}mode|enter\s+.{0,20}mode)\b`),
		regexp.MustCompile(`(?i)\bDAN\s+mode\b`),
		regexp.MustCompile(`(?i)\b(jailbreak|jailbroken|unrestricted\s+mode|unfiltered\s+mode|developer\s+mode)\b`),
	}},
	{"system_probing", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(repeat|print|show|reveal|display|output|dump|list|give\s+me|tell\s+me)\s+(your|the)\s+(system\s+)?(instructions?|system\s*prompt|rules?|configuration|guidelines|directives)\b`),
		regexp.MustCompile(`(?i)\b(what\s+(are\s+you|is\s+your)\s+(made\s+of|built\s+with|running\s+on|programmed\s+(in|with)|architecture|tech\s*stack|backend|infrastructure|source\s*code|framework))\b`),
		regexp.MustCompile(`(?i)\b(show|tell|reveal|give)\s+me\s+(your\s+)?(source\s*code|code\s*base|system\s*prompt|internal)\b`),
	}},
	{"encoded_evasion", []*regexp.Regexp{
		regexp.MustCompile(`(?:^|[^A-Za-z0-9+/])[A-Za-z0-9+/]{60,}={0,2}`),
		regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){4,}`),
		regexp.MustCompile(`(&#\d{2,4};){4,}`),
	}},
}

// Text that looks like a question about tooling rather than an attack.
var educationalContexts = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(in\s+)?(git|github|docker|kubernetes|linux|bash|sql|css|html)\b`),
	regexp.MustCompile(`(?i)\b(how\s+to|tutorial|example|learn|explain)\b.*\b(ignore|disregard|bypass|override)\b`),
}

// InjectionGuard blocks prompt-injection, role manipulation, system
// probing and encoded evasion attempts on inbound text.
type InjectionGuard struct{}

// Name implements Stage.
func (InjectionGuard) Name() string { return StageInjection }

// Check implements Stage.
func (InjectionGuard) Check(text string, dir Direction) Verdict {
	if dir != Inbound || text == "" {
		return Verdict{Action: Pass, Text: text}
	}

	educational := false
	for _, re := range educationalContexts {
		if re.MatchString(text) {
			educational = true
			break
		}
	}
	if educational {
		return Verdict{Action: Pass, Text: text}
	}

	var detected []string
	for _, c := range injectionCategories {
		for _, re := range c.patterns {
			if re.MatchString(text) {
				detected = append(detected, c.name)
				break
			}
		}
	}
	if len(detected) == 0 {
		return Verdict{Action: Pass, Text: text}
	}
	return Verdict{
		Action:     Block,
		Text:       InputBlockedMessage,
		Categories: detected,
	}
}

// ThreatLevel grades a set of injection categories.
func ThreatLevel(categories []string) string {
	if len(categories) == 0 {
		return "none"
	}
	if len(categories) >= 2 {
		return "high"
	}
	switch categories[0] {
	case "ignore_instructions", "role_manipulation":
		return "high"
	case "system_probing", "encoded_evasion":
		return "medium"
	default:
		return "low"
	}
}

var safetyCategories = []category{
	{"violence_weapons", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(how\s+to|ways?\s+to|methods?\s+(to|for)|guide\s+(to|for)|steps?\s+to|instructions?\s+(to|for))\s+(make|build|create|construct|assemble|manufacture)\s+(a\s+)?(bomb|explosive|weapon|firearm|poison|toxin)\b`),
		regexp.MustCompile(`(?i)\b(how\s+to|ways?\s+to|methods?\s+(to|for))\s+(kill|murder|assassinate|harm|injure|torture)\s+(a\s+)?(person|someone|people|human)\b`),
	}},
	{"self_harm", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(how\s+to|ways?\s+to|methods?\s+(to|for)|best\s+way\s+to)\s+(commit\s+suicide|kill\s+(myself|yourself|oneself)|end\s+(my|your|one's)\s+life)\b`),
		regexp.MustCompile(`(?i)\b(suicide|self[\s-]?harm|cutting|overdose)\s+(method|technique|guide|tutorial|instruction)\b`),
	}},
	{"csam", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(child|minor|underage|kid|infant|toddler|boy|girl)\b.{0,30}\b(sexual|nude|naked|porn|explicit|erotic|intimate)\b`),
	}},
	{"illegal_activity", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(how\s+to|guide\s+to|tutorial\s+(on|for))\s+(hack\s+into|crack|breach|exploit)\s+(a\s+)?(bank|account|server|system|network|database)\b`),
		regexp.MustCompile(`(?i)\b(how\s+to|where\s+to)\s+(buy|sell|get|obtain|order|purchase)\s+(cocaine|heroin|meth|fentanyl|drugs|stolen\s+(credit\s+)?cards?|weapons?|firearms?)\b`),
	}},
	{"hate_speech", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(kill|exterminate|eliminate|eradicate|genocide)\s+all\s+(jews?|muslims?|christians?|blacks?|whites?|asians?|gays?|lesbians?|trans|women|men)\b`),
	}},
}

// ContentSafety blocks requests for, or output containing, clearly
// harmful content. It applies in both directions.
type ContentSafety struct{}

// Name implements Stage.
func (ContentSafety) Name() string { return StageSafety }

// Check implements Stage.
func (ContentSafety) Check(text string, dir Direction) Verdict {
	var hits []string
	for _, c := range safetyCategories {
		for _, re := range c.patterns {
			if re.MatchString(text) {
				hits = append(hits, c.name)
				break
			}
		}
	}
	if len(hits) == 0 {
		return Verdict{Action: Pass, Text: text}
	}
	refusal := ContentBlockedMessage
	if dir == Outbound {
		refusal = SafeFallback
	}
	return Verdict{Action: Block, Text: refusal, Categories: hits}
}

// Severity grades content-safety categories.
func Severity(categories []string) string {
	sev := "none"
	for _, c := range categories {
		switch c {
		case "csam":
			return "critical"
		case "violence_weapons", "self_harm":
			sev = "high"
		default:
			if sev == "none" {
				sev = "medium"
			}
		}
	}
	return sev
}

// PolicyStage blocks text containing any configured phrase. Matching is
// case-insensitive on plain substrings.
type PolicyStage struct {
	phrases []string
	// dirs restricts the stage; empty applies to both.
	dirs []Direction
}

// NewPolicyStage returns a policy stage for the given denied phrases.
func NewPolicyStage(phrases []string, dirs ...Direction) *PolicyStage {
	p := &PolicyStage{dirs: dirs}
	for _, ph := range phrases {
		ph = strings.ToLower(strings.TrimSpace(ph))
		if ph != "" {
			p.phrases = append(p.phrases, ph)
		}
	}
	return p
}

// Name implements Stage.
func (*PolicyStage) Name() string { return StagePolicy }

// Check implements Stage.
func (p *PolicyStage) Check(text string, dir Direction) Verdict {
	if !p.applies(dir) || len(p.phrases) == 0 {
		return Verdict{Action: Pass, Text: text}
	}
	lower := strings.ToLower(text)
	for _, ph := range p.phrases {
		if strings.Contains(lower, ph) {
			refusal := ContentBlockedMessage
			if dir == Outbound {
				refusal = SafeFallback
			}
			return Verdict{Action: Block, Text: refusal, Categories: []string{"denied_phrase"}}
		}
	}
	return Verdict{Action: Pass, Text: text}
}

func (p *PolicyStage) applies(dir Direction) bool {
	if len(p.dirs) == 0 {
		return true
	}
	for _, d := range p.dirs {
		if d == dir {
			return true
		}
	}
	return false
}

// AbuseStage blocks inbound floods: a single token repeated past
// MaxRepeat times, or a message that is almost entirely one character.
type AbuseStage struct {
	MaxRepeat int
}

// Name implements Stage.
func (AbuseStage) Name() string { return StageAbuse }

// Check implements Stage.
func (a AbuseStage) Check(text string, dir Direction) Verdict {
	if dir != Inbound {
		return Verdict{Action: Pass, Text: text}
	}
	maxRepeat := a.MaxRepeat
	if maxRepeat <= 0 {
		maxRepeat = 50
	}

	words := strings.Fields(strings.ToLower(text))
	run, prev := 0, ""
	for _, w := range words {
		if w == prev {
			run++
		} else {
			run, prev = 1, w
		}
		if run > maxRepeat {
			return Verdict{Action: Block, Text: InputBlockedMessage, Categories: []string{"repetition"}}
		}
	}

	if n := utf8.RuneCountInString(text); n >= 200 {
		counts := make(map[rune]int)
		top := 0
		for _, r := range text {
			counts[r]++
			if counts[r] > top {
				top = counts[r]
			}
		}
		if top*10 >= n*9 {
			return Verdict{Action: Block, Text: InputBlockedMessage, Categories: []string{"flood"}}
		}
	}
	return Verdict{Action: Pass, Text: text}
}
