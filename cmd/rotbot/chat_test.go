package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/rotbot/internal/bus"
)

func echoBus(t *testing.T) (*bus.Bus, *[]bus.InboundMessage) {
	t.Helper()
	var mu sync.Mutex
	var seen []bus.InboundMessage
	b := bus.New(bus.RunnerFunc(func(ctx context.Context, msg bus.InboundMessage, emit bus.Emitter) {
		mu.Lock()
		seen = append(seen, msg)
		mu.Unlock()
		emit(bus.ReplyTo(msg, bus.KindFragment, "partial"))
		if strings.Contains(msg.Content, "weather") {
			start := bus.ReplyTo(msg, bus.KindToolStart, "")
			start.Tool = "web_search"
			emit(start)
		}
		emit(bus.ReplyTo(msg, bus.KindReply, "re:"+msg.Content))
	}), bus.Config{})
	t.Cleanup(func() { b.Close() })
	return b, &seen
}

func TestChatSession(t *testing.T) {
	b, seen := echoBus(t)
	in := strings.NewReader("hello\n\n  weather today  \n/quit\nnever sent\n")
	var out bytes.Buffer

	if err := chatSession(context.Background(), b, in, &out, "alice"); err != nil {
		t.Fatalf("chatSession: %v", err)
	}

	got := out.String()
	for _, want := range []string{"re:hello\n", "  · web_search\n", "re:weather today\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "partial") {
		t.Errorf("fragments should not be printed:\n%s", got)
	}
	if strings.Contains(got, "never sent") {
		t.Errorf("input after /quit was processed:\n%s", got)
	}

	if len(*seen) != 2 {
		t.Fatalf("turns = %d, want 2", len(*seen))
	}
	for _, m := range *seen {
		if m.Channel != ChannelCLI || m.ChatID != "alice" {
			t.Errorf("message routed to %s:%s, want cli:alice", m.Channel, m.ChatID)
		}
	}
}

func TestChatSession_EOF(t *testing.T) {
	b, seen := echoBus(t)
	var out bytes.Buffer
	if err := chatSession(context.Background(), b, strings.NewReader("one"), &out, "bob"); err != nil {
		t.Fatalf("chatSession: %v", err)
	}
	if !strings.Contains(out.String(), "re:one") {
		t.Errorf("output = %q, want reply to unterminated last line", out.String())
	}
	if len(*seen) != 1 {
		t.Errorf("turns = %d, want 1", len(*seen))
	}
}

// blockingReader never returns, like an idle terminal.
type blockingReader struct{ done chan struct{} }

func (r blockingReader) Read([]byte) (int, error) {
	<-r.done
	return 0, context.Canceled
}

func TestChatSession_ContextCancel(t *testing.T) {
	b, _ := echoBus(t)
	r := blockingReader{done: make(chan struct{})}
	defer close(r.done)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- chatSession(ctx, b, r, &bytes.Buffer{}, "carol")
	}()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("chatSession = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chatSession did not return after cancel")
	}
}

func TestAskOnce(t *testing.T) {
	b, seen := echoBus(t)
	var out bytes.Buffer
	if err := askOnce(context.Background(), b, &out, "what time is it"); err != nil {
		t.Fatalf("askOnce: %v", err)
	}
	if got := out.String(); got != "re:what time is it\n" {
		t.Errorf("output = %q", got)
	}
	if len(*seen) != 1 || !strings.HasPrefix((*seen)[0].ChatID, "ask-") {
		t.Errorf("ask turn = %+v, want one turn in an ask- conversation", *seen)
	}
}

func TestAskOnce_Aborted(t *testing.T) {
	b := bus.New(bus.RunnerFunc(func(ctx context.Context, msg bus.InboundMessage, emit bus.Emitter) {
		emit(bus.ReplyTo(msg, bus.KindAborted, "model unavailable"))
	}), bus.Config{})
	defer b.Close()

	var out bytes.Buffer
	err := askOnce(context.Background(), b, &out, "hi")
	if err == nil {
		t.Fatal("expected error for aborted turn")
	}
	if !strings.Contains(out.String(), "model unavailable") {
		t.Errorf("output = %q, want the abort text", out.String())
	}
}
