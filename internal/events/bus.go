// Package events provides a publish/subscribe bus for operational
// events. Conversations, the Discord bridge, the HTTP API and the
// provider watcher publish; the /v1/events WebSocket stream subscribes.
// The bus is nil-safe: Publish on a nil *Bus does nothing, so publishers
// need no guards.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceConversation = "conversation"
	SourceDiscord      = "discord"
	SourceAPI          = "api"
	SourceProvider     = "provider"
	SourceMQTT         = "mqtt"
)

// Kinds describe the event within its source.
const (
	// KindUtteranceReceived: a conversation accepted an utterance.
	// Data: conversation_id, sender, text_len.
	KindUtteranceReceived = "utterance_received"
	// KindUtteranceRejected: input was empty after trimming.
	// Data: conversation_id, sender.
	KindUtteranceRejected = "utterance_rejected"
	// KindCompletion: a reply was produced and recorded.
	// Data: conversation_id, model, tokens_in, tokens_out, completion_ms,
	// elapsed_ms.
	KindCompletion = "completion"
	// KindFailure: the turn failed and the user got the failure notice.
	// Data: conversation_id, error_kind, error.
	KindFailure = "failure"
	// KindPersistFailed: the transcript could not be saved.
	// Data: conversation_id, error.
	KindPersistFailed = "persist_failed"

	// KindMessageReceived: a chat bridge (Discord or MQTT) accepted a message.
	// Data: channel_id or conversation_id, author, message_len; private
	// for Discord.
	KindMessageReceived = "message_received"
	// KindRateLimited: a sender exceeded the per-minute limit.
	// Data: author (Discord) or topic (MQTT).
	KindRateLimited = "rate_limited"
	// KindConnected: the Discord session became ready.
	// Data: user, channels.
	KindConnected = "connected"

	// KindProviderUp: the completion provider answered a probe after
	// being unreachable or unknown. Data: provider.
	KindProviderUp = "provider_up"
	// KindProviderDown: a probe failed while the provider was up.
	// Data: provider, error.
	KindProviderDown = "provider_down"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a full subscriber misses events rather than
// blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to callers back
	// to the channel stored in subs, so Unsubscribe can take <-chan.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room for it. Safe on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done. 64 is a reasonable bufSize for stream
// consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// or already-removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
