package contextbuilder

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nugget/rotbot/internal/llm"
)

// Analysis is a keyword-level reading of the recent conversation. It is
// rendered as the "Conversation Context" section of the system prompt.
type Analysis struct {
	Topic    string
	Type     string
	Subjects []string
	// Referent is the subject "it" or "that" most likely points at in
	// the latest user message.
	Referent string
}

var topicKeywords = map[string][]string{
	"programming": {
		"python", "javascript", "java", "code", "function", "class", "variable",
		"error", "bug", "debug", "api", "database", "sql", "html", "css", "react",
		"node", "git", "compile", "runtime", "syntax", "loop", "array", "list",
		"dict", "string", "int", "float", "bool", "import", "module", "package",
		"library", "framework", "server", "client", "http", "json", "typescript",
		"rust", "go", "golang", "c++", "ruby", "php", "swift", "kotlin", "docker",
		"kubernetes", "algorithm", "recursion", "regex", "exception", "traceback",
		"npm", "pip", "cargo", "frontend", "backend", "deploy",
	},
	"math": {
		"equation", "solve", "calculate", "number", "formula", "algebra",
		"calculus", "derivative", "integral", "matrix", "vector", "probability",
		"statistics", "geometry", "trigonometry", "logarithm", "exponent",
		"fraction", "percentage", "theorem", "proof", "polynomial", "quadratic",
		"coefficient", "factorial",
	},
	"science": {
		"experiment", "theory", "hypothesis", "physics", "chemistry", "biology",
		"molecule", "atom", "cell", "dna", "evolution", "gravity", "energy",
		"force", "mass", "velocity", "acceleration", "quantum", "relativity",
		"organism", "ecosystem", "climate", "temperature", "reaction",
	},
	"writing": {
		"essay", "paragraph", "sentence", "grammar", "writing", "story", "poem",
		"article", "blog", "draft", "edit", "proofread", "tone", "narrative",
		"character", "dialogue", "summary", "outline", "thesis", "conclusion",
	},
	"business": {
		"marketing", "sales", "revenue", "profit", "startup", "investor",
		"strategy", "management", "customer", "product", "brand", "budget",
		"roi", "kpi", "meeting", "presentation", "proposal", "pitch", "resume",
		"interview", "career", "salary", "negotiation",
	},
	"health": {
		"health", "exercise", "diet", "nutrition", "calories", "workout",
		"sleep", "stress", "anxiety", "therapy", "medication", "symptom",
		"diagnosis", "doctor", "hospital", "fitness",
	},
	"gaming": {
		"game", "gaming", "fps", "rpg", "steam", "playstation", "xbox",
		"nintendo", "minecraft", "multiplayer", "level", "boss", "quest",
	},
	"music": {
		"song", "music", "album", "artist", "band", "guitar", "piano", "drums",
		"lyrics", "melody", "chord", "beat", "genre", "rap", "rock", "pop",
		"jazz", "playlist",
	},
}

// topicOrder fixes tie-breaking between topics with equal scores.
var topicOrder = []string{"programming", "math", "science", "writing", "business", "health", "gaming", "music"}

var stopWords = toSet(strings.Fields(`
	i me my we our you your he she it they them this that these those is am
	are was were be been being have has had do does did will would could
	should may might can shall must a an the and or but if then else when
	where what which who whom how why not no yes so than too very just also
	now here there about above after again all any because before between
	both by down during each few for from further get got go going into its
	let like make more most much need of off on once only other out over own
	same some still such take tell to through under until up us use want way
	well with ok okay yeah yep nope sure thanks thank please hey hi hello bye
	see know think say said really thing things something anything everything
	nothing one two first new good great right even back come came give gave
	look try work`))

// maxSubjectLen skips pasted blobs that tokenize as one long word.
const maxSubjectLen = 32

var referencePronouns = regexp.MustCompile(`\b(it|that|this|those|these|them)\b`)

var (
	wordPattern   = regexp.MustCompile(`[a-z][a-z0-9+#/.]*`)
	debugPattern  = regexp.MustCompile(`(?i)` + "```" + `|traceback|error:|exception|stacktrace`)
	learnPattern  = regexp.MustCompile(`(?i)\b(explain|understand|learn|how does|what is|what does|teach)\b`)
	brainstorming = regexp.MustCompile(`(?i)\b(what if|idea|suggest|brainstorm|could we|alternative)\b`)
)

// Analyze reads history plus the current input. It returns nil when
// there is not enough conversation to say anything.
func Analyze(history []llm.Message, input string) *Analysis {
	var convo []llm.Message
	for _, m := range history {
		if (m.Role == llm.RoleUser || m.Role == llm.RoleAssistant) && strings.TrimSpace(m.Content) != "" {
			convo = append(convo, m)
		}
	}
	if strings.TrimSpace(input) != "" {
		convo = append(convo, llm.Message{Role: llm.RoleUser, Content: input})
	}
	if len(convo) < 2 {
		return nil
	}
	return &Analysis{
		Topic:    detectTopic(convo),
		Type:     conversationType(convo),
		Subjects: subjects(convo),
		Referent: referent(convo),
	}
}

// Lines renders the non-empty parts of the analysis as bullet text.
func (a *Analysis) Lines() []string {
	if a == nil {
		return nil
	}
	var lines []string
	if a.Topic != "" {
		lines = append(lines, "Topic: "+a.Topic)
	}
	if a.Type != "" && a.Type != "general" {
		lines = append(lines, "Conversation type: "+a.Type)
	}
	if len(a.Subjects) > 0 {
		lines = append(lines, "Key subjects: "+strings.Join(a.Subjects[:min(5, len(a.Subjects))], ", "))
	}
	if a.Referent != "" {
		lines = append(lines, fmt.Sprintf("%q/%q likely refers to: %s", "it", "that", a.Referent))
	}
	return lines
}

func tail(msgs []llm.Message, n int) []llm.Message {
	if len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}

func words(msgs []llm.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, wordPattern.FindAllString(strings.ToLower(m.Content), -1)...)
	}
	return out
}

// detectTopic names the topic with the most distinct keyword hits in the
// last six messages. Fewer than two hits is no topic.
func detectTopic(convo []llm.Message) string {
	seen := toSet(words(tail(convo, 6)))
	best, bestScore := "", 0
	for _, topic := range topicOrder {
		score := 0
		for _, kw := range topicKeywords[topic] {
			if seen[kw] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = topic, score
		}
	}
	if bestScore < 2 {
		return ""
	}
	return best
}

func conversationType(convo []llm.Message) string {
	var user []string
	for _, m := range tail(convo, 6) {
		if m.Role == llm.RoleUser {
			user = append(user, m.Content)
		}
	}
	if len(user) == 0 {
		return "general"
	}
	combined := strings.Join(user, " ")
	if debugPattern.MatchString(combined) {
		return "debugging"
	}
	questions, total := 0, 0
	for _, u := range user {
		if strings.Contains(u, "?") {
			questions++
		}
		total += len(u)
	}
	if float64(questions) >= float64(len(user))*0.6 {
		if learnPattern.MatchString(combined) {
			return "learning"
		}
		return "Q&A"
	}
	if brainstorming.MatchString(combined) {
		return "brainstorming"
	}
	if total/len(user) < 15 {
		return "casual chat"
	}
	return "discussion"
}

// subjects returns the frequent meaningful words of the last four
// messages, most frequent first, ties broken by first appearance.
func subjects(convo []llm.Message) []string {
	type entry struct {
		word  string
		count int
	}
	index := make(map[string]int)
	var freq []entry
	for _, w := range words(tail(convo, 4)) {
		if stopWords[w] || len(w) <= 2 || len(w) > maxSubjectLen {
			continue
		}
		if i, ok := index[w]; ok {
			freq[i].count++
			continue
		}
		index[w] = len(freq)
		freq = append(freq, entry{word: w, count: 1})
	}
	sort.SliceStable(freq, func(i, j int) bool { return freq[i].count > freq[j].count })

	var out []string
	for _, e := range freq[:min(8, len(freq))] {
		if e.count >= 2 {
			out = append(out, e.word)
		}
	}
	if len(out) < 3 {
		out = out[:0]
		for _, e := range freq[:min(5, len(freq))] {
			out = append(out, e.word)
		}
	}
	return out
}

// referent resolves a pronoun in the latest user message to the top
// subject of the messages before it.
func referent(convo []llm.Message) string {
	last := -1
	for i := len(convo) - 1; i >= 0; i-- {
		if convo[i].Role == llm.RoleUser {
			last = i
			break
		}
	}
	if last < 1 || !referencePronouns.MatchString(strings.ToLower(convo[last].Content)) {
		return ""
	}
	if s := subjects(tail(convo[:last], 4)); len(s) > 0 {
		return s[0]
	}
	return ""
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}
