package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/chatrelay/internal/events"
)

// DailyTokens tracks completion token usage that resets at local
// midnight. It is safe for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	replies  int64
	last     time.Time
	resetDay int // day-of-year of last reset
	loc      *time.Location
}

// NewDailyTokens creates an accumulator using loc for midnight
// detection. If loc is nil, [time.Local] is used.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	return &DailyTokens{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// OnTokens records one completed reply.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.replies++
	d.last = time.Now()
}

// Observe feeds completion events into the accumulator and ignores
// everything else.
func (d *DailyTokens) Observe(e events.Event) {
	if e.Kind != events.KindCompletion {
		return
	}
	d.OnTokens(intField(e.Data, "tokens_in"), intField(e.Data, "tokens_out"))
}

// Snapshot returns today's input tokens, output tokens and reply count.
func (d *DailyTokens) Snapshot() (input, output, replies int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.replies
}

// LastReply returns when the most recent reply was recorded, or the
// zero time.
func (d *DailyTokens) LastReply() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// maybeReset zeroes the counters when the local day has changed. Must
// be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.replies = 0
		d.resetDay = today
	}
}

// intField reads a numeric event field. Events published in-process
// carry ints; events decoded from JSON carry float64.
func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
