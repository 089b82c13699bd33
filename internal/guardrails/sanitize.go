package guardrails

import "regexp"

var logRedactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{regexp.MustCompile(`https?://\S+`), "[URL]"},
	{regexp.MustCompile(`\b[A-Za-z0-9_\-]{30,}\b`), "[TOKEN]"},
	{regexp.MustCompile(`\+?\d{10,}`), "[PHONE]"},
}

// SanitizeForLogging strips emails, URLs, long tokens and phone numbers
// from text and truncates it to maxLen runes (plus an ellipsis).
func SanitizeForLogging(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	for _, r := range logRedactions {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	if maxLen > 0 {
		if r := []rune(text); len(r) > maxLen {
			return string(r[:maxLen]) + "..."
		}
	}
	return text
}
