// Package transcript holds the rolling chat history sent to the
// completion API and the adapters that persist it.
//
// A Transcript always starts with exactly one system message carrying
// the current directive, followed by at most MaxHistory conversational
// messages in chronological order. Persisted copies may carry an older
// directive; loading replaces it and keeps the rest of the history.
package transcript

import "fmt"

// DefaultMaxHistory is the number of conversational messages retained
// behind the directive.
const DefaultMaxHistory = 20

// Role identifies the author of a message.
type Role string

// Roles accepted by the completion API.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one role-tagged entry. Messages are values and are never
// modified once appended.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcript is an ordered message history headed by the directive.
// It is not safe for concurrent use; the owning conversation
// serializes access.
type Transcript struct {
	directive  string
	maxHistory int
	messages   []Message
}

// New returns a transcript holding only the directive. A maxHistory
// below 1 selects DefaultMaxHistory.
func New(directive string, maxHistory int) *Transcript {
	if maxHistory < 1 {
		maxHistory = DefaultMaxHistory
	}
	t := &Transcript{directive: directive, maxHistory: maxHistory}
	t.EnsureDirective()
	return t
}

// FromMessages builds a transcript from previously stored messages. The
// directive is normalized and retention is enforced, so the result
// satisfies every invariant regardless of what was stored.
func FromMessages(directive string, maxHistory int, msgs []Message) *Transcript {
	t := New(directive, maxHistory)
	t.messages = append(t.messages[:0], msgs...)
	t.EnsureDirective()
	t.EnforceRetention()
	return t
}

// EnsureDirective makes index 0 a system message carrying the current
// directive: a stale system message is replaced, and a missing one is
// inserted. Calling it repeatedly has no further effect.
func (t *Transcript) EnsureDirective() {
	head := Message{Role: RoleSystem, Content: t.directive}
	if len(t.messages) > 0 && t.messages[0].Role == RoleSystem {
		t.messages[0] = head
		return
	}
	t.messages = append([]Message{head}, t.messages...)
}

// Append adds one message to the end of the transcript.
func (t *Transcript) Append(role Role, content string) {
	t.EnsureDirective()
	t.messages = append(t.messages, Message{Role: role, Content: content})
}

// EnforceRetention drops the oldest conversational messages until at
// most MaxHistory remain behind the directive.
func (t *Transcript) EnforceRetention() {
	if len(t.messages) <= t.maxHistory+1 {
		return
	}
	kept := make([]Message, 0, t.maxHistory+1)
	kept = append(kept, t.messages[0])
	kept = append(kept, t.messages[len(t.messages)-t.maxHistory:]...)
	t.messages = kept
}

// RemoveLast drops the newest message unless it is the directive.
// It reports whether a message was removed.
func (t *Transcript) RemoveLast() bool {
	if len(t.messages) <= 1 {
		return false
	}
	t.messages = t.messages[:len(t.messages)-1]
	return true
}

// Last returns the newest message.
func (t *Transcript) Last() Message {
	return t.messages[len(t.messages)-1]
}

// Len returns the number of messages including the directive.
func (t *Transcript) Len() int { return len(t.messages) }

// Messages returns a copy of the messages in order.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// String summarizes the transcript for logs.
func (t *Transcript) String() string {
	return fmt.Sprintf("transcript(%d messages, max_history=%d)", len(t.messages), t.maxHistory)
}
