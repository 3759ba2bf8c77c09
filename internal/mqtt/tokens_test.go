package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/chatrelay/internal/events"
)

func TestDailyTokens_Record(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.OnTokens(100, 200)
	dt.OnTokens(50, 75)

	input, output, replies := dt.Snapshot()
	if input != 150 || output != 275 || replies != 2 {
		t.Errorf("got (%d, %d, %d), want (150, 275, 2)", input, output, replies)
	}
	if dt.LastReply().IsZero() {
		t.Error("LastReply not set")
	}
}

func TestDailyTokens_ZeroInitially(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	input, output, replies := dt.Snapshot()
	if input != 0 || output != 0 || replies != 0 {
		t.Errorf("got (%d, %d, %d), want (0, 0, 0)", input, output, replies)
	}
	if !dt.LastReply().IsZero() {
		t.Error("LastReply set before any reply")
	}
}

func TestDailyTokens_Observe(t *testing.T) {
	dt := NewDailyTokens(time.UTC)

	dt.Observe(events.Event{Kind: events.KindCompletion, Data: map[string]any{"tokens_in": 40, "tokens_out": 8}})
	// JSON-decoded numbers arrive as float64.
	dt.Observe(events.Event{Kind: events.KindCompletion, Data: map[string]any{"tokens_in": 10.0, "tokens_out": 2.0}})
	dt.Observe(events.Event{Kind: events.KindFailure, Data: map[string]any{"tokens_in": 999}})
	dt.Observe(events.Event{Kind: events.KindCompletion})

	input, output, replies := dt.Snapshot()
	if input != 50 || output != 10 || replies != 3 {
		t.Errorf("got (%d, %d, %d), want (50, 10, 3)", input, output, replies)
	}
}

func TestDailyTokens_Concurrent(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.OnTokens(10, 20)
		}()
	}
	wg.Wait()

	input, output, replies := dt.Snapshot()
	if input != 1000 || output != 2000 || replies != 100 {
		t.Errorf("got (%d, %d, %d), want (1000, 2000, 100)", input, output, replies)
	}
}

func TestDailyTokens_MidnightReset(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.OnTokens(500, 600)

	// Pretend the counters were last reset yesterday.
	dt.mu.Lock()
	dt.resetDay = time.Now().In(dt.loc).YearDay() - 1
	dt.mu.Unlock()

	input, output, replies := dt.Snapshot()
	if input != 0 || output != 0 || replies != 0 {
		t.Errorf("after reset got (%d, %d, %d), want (0, 0, 0)", input, output, replies)
	}
}

func TestDailyTokens_NilLocation(t *testing.T) {
	dt := NewDailyTokens(nil)
	if dt.loc != time.Local {
		t.Error("nil location should default to time.Local")
	}
	dt.OnTokens(1, 1)
	if input, _, _ := dt.Snapshot(); input != 1 {
		t.Errorf("input = %d, want 1", input)
	}
}
