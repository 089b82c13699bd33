package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/rotbot/internal/events"
)

// DailyTokens accumulates model token usage, resetting at local midnight.
// It also remembers when the last turn finished.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	lastTurn time.Time
	day      int // day-of-year of the current counters
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens returns an accumulator that rolls over at midnight in
// loc (time.Local when nil).
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.now().In(loc).YearDay()
	return d
}

// Add records one model response.
func (d *DailyTokens) Add(input, output int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolloverLocked()
	d.input += int64(input)
	d.output += int64(output)
	d.requests++
}

// TurnDone marks the time of the most recent completed turn.
func (d *DailyTokens) TurnDone(at time.Time) {
	d.mu.Lock()
	d.lastTurn = at
	d.mu.Unlock()
}

// Snapshot returns today's input tokens, output tokens and model calls.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolloverLocked()
	return d.input, d.output, d.requests
}

// LastTurn returns when the last turn completed, zero if none has.
func (d *DailyTokens) LastTurn() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTurn
}

func (d *DailyTokens) rolloverLocked() {
	if today := d.now().In(d.loc).YearDay(); today != d.day {
		d.input, d.output, d.requests = 0, 0, 0
		d.day = today
	}
}

// Watch feeds the accumulator from loop telemetry until ctx ends or the
// subscription closes.
func (d *DailyTokens) Watch(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.KindLLMResponse:
				d.Add(intField(ev.Data, "tokens_in"), intField(ev.Data, "tokens_out"))
			case events.KindTurnComplete:
				d.TurnDone(ev.Timestamp)
			}
		}
	}
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
