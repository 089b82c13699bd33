package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nugget/rotbot/internal/events"
)

func TestDailyTokens_Add(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.Add(100, 200)
	dt.Add(50, 75)

	input, output, requests := dt.Snapshot()
	if input != 150 || output != 275 || requests != 2 {
		t.Errorf("Snapshot() = (%d, %d, %d), want (150, 275, 2)", input, output, requests)
	}
}

func TestDailyTokens_Concurrent(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.Add(10, 20)
		}()
	}
	wg.Wait()

	input, output, requests := dt.Snapshot()
	if input != 1000 || output != 2000 || requests != 100 {
		t.Errorf("Snapshot() = (%d, %d, %d), want (1000, 2000, 100)", input, output, requests)
	}
}

func TestDailyTokens_MidnightReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	dt := NewDailyTokens(time.UTC)
	dt.now = func() time.Time { return now }
	dt.day = now.YearDay()
	dt.Add(500, 600)

	now = now.Add(2 * time.Minute)
	input, output, requests := dt.Snapshot()
	if input != 0 || output != 0 || requests != 0 {
		t.Errorf("after midnight Snapshot() = (%d, %d, %d), want zeros", input, output, requests)
	}
}

func TestDailyTokens_NilLocation(t *testing.T) {
	dt := NewDailyTokens(nil)
	if dt.loc != time.Local {
		t.Error("nil location should default to time.Local")
	}
}

func TestDailyTokens_Watch(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	bus := events.New()
	ch := bus.Subscribe(8)

	done := make(chan struct{})
	go func() {
		dt.Watch(context.Background(), ch)
		close(done)
	}()

	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{"tokens_in": 7, "tokens_out": 3})
	bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{"tool": "x"})
	bus.Publish(events.Event{Timestamp: finished, Source: events.SourceAgent, Kind: events.KindTurnComplete})
	bus.Unsubscribe(ch)
	<-done

	input, output, requests := dt.Snapshot()
	if input != 7 || output != 3 || requests != 1 {
		t.Errorf("Snapshot() = (%d, %d, %d), want (7, 3, 1)", input, output, requests)
	}
	if !dt.LastTurn().Equal(finished) {
		t.Errorf("LastTurn() = %v, want %v", dt.LastTurn(), finished)
	}
}
