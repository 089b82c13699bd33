package agent

import (
	"strings"
	"unicode"

	"github.com/nugget/rotbot/internal/bus"
)

// replyStream turns completion tokens into reply fragments. Text is
// released a word at a time, and only while everything shown so far
// passes the outbound check; once a check fails nothing more is streamed
// and the final reply alone carries the text.
//
// Within one completion call the attempt text is matched against what
// was already shown, so a retried call that regenerates the same words
// only streams what is new. A diverging retry, or a new model step,
// emits KindReset first.
type replyStream struct {
	emit  func(bus.OutboundMessage)
	check func(text string) bool

	shown   string
	attempt strings.Builder
	closed  bool
}

func newReplyStream(emit func(bus.OutboundMessage), check func(string) bool) *replyStream {
	return &replyStream{emit: emit, check: check}
}

// step starts a new model step. Text shown for an earlier step is not
// part of the reply the next step produces.
func (s *replyStream) step() {
	s.retry()
	if s.shown != "" {
		s.shown = ""
		s.emit(bus.OutboundMessage{Kind: bus.KindReset})
	}
}

// retry starts another attempt at the current step.
func (s *replyStream) retry() {
	s.attempt.Reset()
}

func (s *replyStream) write(token string) {
	s.attempt.WriteString(token)
	if s.closed {
		return
	}
	text := s.attempt.String()
	// Hold back a word still being written.
	cut := strings.LastIndexFunc(text, unicode.IsSpace)
	if cut < 0 {
		return
	}
	ready := text[:cut+1]

	if strings.HasPrefix(s.shown, ready) {
		return
	}
	if s.check != nil && !s.check(ready) {
		s.closed = true
		return
	}
	if rest, ok := strings.CutPrefix(ready, s.shown); ok {
		s.emit(bus.OutboundMessage{Kind: bus.KindFragment, Content: rest})
	} else {
		s.emit(bus.OutboundMessage{Kind: bus.KindReset})
		s.emit(bus.OutboundMessage{Kind: bus.KindFragment, Content: ready})
	}
	s.shown = ready
}
