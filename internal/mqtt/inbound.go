package mqtt

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/chatrelay/internal/conversation"
)

// ConversationPrefix namespaces MQTT conversations away from Discord and
// API ones.
const ConversationPrefix = "mqtt-"

// inboundMessage is the JSON form of an utterance payload. A payload
// that is not a JSON object is taken as plain text from the default
// sender.
type inboundMessage struct {
	Sender  string                     `json:"sender"`
	Text    string                     `json:"text"`
	ReplyTo *conversation.ReplyContext `json:"reply_to"`
}

// replyMessage is published on <base>/replies/<conversation>.
type replyMessage struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	OK             bool   `json:"ok"`
	ErrorKind      string `json:"error_kind,omitempty"`
}

func parseUtterance(payload []byte) conversation.Utterance {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var m inboundMessage
		if err := json.Unmarshal(trimmed, &m); err == nil {
			return conversation.Utterance{Text: m.Text, Sender: m.Sender, Reply: m.ReplyTo}
		}
	}
	return conversation.Utterance{Text: string(payload)}
}

// conversationFromTopic extracts <name> from <base>/utterances/<name>.
// Deeper topics and an empty name are rejected.
func conversationFromTopic(base, topic string) (string, bool) {
	name, ok := strings.CutPrefix(topic, strings.TrimRight(base, "/")+"/utterances/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// rateLimiter caps inbound messages per fixed window. A zero limit
// allows everything.
type rateLimiter struct {
	limit    int
	interval time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	windowStart time.Time
	count       int
	dropped     int
}

func newRateLimiter(limit int, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{limit: limit, interval: interval, logger: logger}
}

// allow counts one message and reports whether it is within the limit.
// Drops from the previous window are logged when a new window opens.
func (r *rateLimiter) allow() bool {
	if r.limit <= 0 {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.windowStart) >= r.interval {
		if r.dropped > 0 {
			r.logger.Warn("mqtt messages dropped due to rate limit",
				"received", r.count,
				"dropped", r.dropped,
				"interval", r.interval.String(),
				"limit", r.limit,
			)
		}
		r.windowStart = now
		r.count = 0
		r.dropped = 0
	}

	r.count++
	if r.count > r.limit {
		r.dropped++
		return false
	}
	return true
}
