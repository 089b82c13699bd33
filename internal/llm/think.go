package llm

import (
	"regexp"
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?(?:</think>|\z)`)

// StripThink removes <think>...</think> blocks, including an unclosed
// trailing one, and trims the result.
func StripThink(s string) string {
	if !strings.Contains(s, thinkOpen) {
		return s
	}
	return strings.TrimSpace(thinkBlockRe.ReplaceAllString(s, ""))
}

// ThinkFilter removes <think> blocks from a token stream. Tags may be
// split across tokens, so a possible partial tag is held back until the
// next token resolves it.
type ThinkFilter struct {
	inThink bool
	pending string
}

// Feed consumes one token and returns the text that is safe to show.
func (f *ThinkFilter) Feed(token string) string {
	f.pending += token
	var out strings.Builder
	for {
		if !f.inThink {
			if i := strings.Index(f.pending, thinkOpen); i >= 0 {
				out.WriteString(f.pending[:i])
				f.pending = f.pending[i+len(thinkOpen):]
				f.inThink = true
				continue
			}
			keep := partialSuffix(f.pending, thinkOpen)
			out.WriteString(f.pending[:len(f.pending)-keep])
			f.pending = f.pending[len(f.pending)-keep:]
			return out.String()
		}
		if i := strings.Index(f.pending, thinkClose); i >= 0 {
			f.pending = f.pending[i+len(thinkClose):]
			f.inThink = false
			continue
		}
		keep := partialSuffix(f.pending, thinkClose)
		f.pending = f.pending[len(f.pending)-keep:]
		return out.String()
	}
}

// Flush returns held-back text at end of stream. Text inside an
// unclosed think block is discarded.
func (f *ThinkFilter) Flush() string {
	if f.inThink {
		f.pending = ""
		return ""
	}
	s := f.pending
	f.pending = ""
	return s
}

// Wrap returns a callback that filters KindToken events through f
// before passing them to cb.
func (f *ThinkFilter) Wrap(cb StreamCallback) StreamCallback {
	if cb == nil {
		return nil
	}
	return func(ev StreamEvent) {
		switch ev.Kind {
		case KindToken:
			if s := f.Feed(ev.Token); s != "" {
				cb(StreamEvent{Kind: KindToken, Token: s})
			}
		case KindDone:
			if s := f.Flush(); s != "" {
				cb(StreamEvent{Kind: KindToken, Token: s})
			}
			cb(ev)
		default:
			cb(ev)
		}
	}
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	n := len(tag) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
