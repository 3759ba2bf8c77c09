// Package discord connects Discord channels to chatrelay conversations.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nugget/chatrelay/internal/conversation"
	"github.com/nugget/chatrelay/internal/events"
)

// Notices posted when a reply cannot be delivered.
const (
	NoticeNoPermission = "I don't have permission to perform this action."
	NoticeSendFailed   = "An error occurred while processing your message."
)

// SharedConversationID is used for every channel when history is shared.
const SharedConversationID = "discord-shared"

// maxMessageRunes is Discord's limit on message length.
const maxMessageRunes = 2000

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// typingRefresh re-sends the typing indicator before Discord's
// ten-second expiry.
const typingRefresh = 8 * time.Second

// Relay handles utterances for a conversation. The real implementation
// is *conversation.Manager.
type Relay interface {
	Handle(ctx context.Context, id string, u conversation.Utterance) (string, error)
}

// Session is the subset of *discordgo.Session the bridge sends through.
type Session interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// BridgeConfig holds the settings and dependencies for a Bridge.
type BridgeConfig struct {
	Token         string
	ChannelIDs    []string
	Greeting      string
	PrivatePrefix string
	SharedHistory bool
	RateLimit     int // per sender per minute; 0 = unlimited
	HandleTimeout time.Duration

	Relay  Relay
	Events *events.Bus
	Logger *slog.Logger
}

// Bridge receives Discord messages from the configured channels, routes
// them through a conversation, and posts the replies.
type Bridge struct {
	token         string
	channels      map[string]bool
	channelIDs    []string
	greeting      string
	privatePrefix string
	shared        bool
	rateLimit     int
	handleTimeout time.Duration

	relay  Relay
	events *events.Bus
	logger *slog.Logger

	greetOnce sync.Once

	stateMu  sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

// NewBridge creates a Discord bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	channels := make(map[string]bool, len(cfg.ChannelIDs))
	for _, id := range cfg.ChannelIDs {
		channels[id] = true
	}
	return &Bridge{
		token:         cfg.Token,
		channels:      channels,
		channelIDs:    cfg.ChannelIDs,
		greeting:      cfg.Greeting,
		privatePrefix: cfg.PrivatePrefix,
		shared:        cfg.SharedHistory,
		rateLimit:     cfg.RateLimit,
		handleTimeout: cfg.HandleTimeout,
		relay:         cfg.Relay,
		events:        cfg.Events,
		logger:        logger.With("component", "discord"),
		senderTimes:   make(map[string][]time.Time),
	}
}

// Run connects to the Discord gateway and relays messages until ctx is
// cancelled. In-flight messages finish before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + b.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.onReady(s, r.User)
	})
	dg.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if s.State == nil || s.State.User == nil {
			return
		}
		if !b.begin() {
			return
		}
		defer b.inflight.Done()
		b.handleMessage(ctx, s, s.State.User.ID, m.Message)
	})

	if err := dg.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	b.logger.Info("discord bridge started", "channels", len(b.channels))

	<-ctx.Done()
	b.logger.Info("discord bridge shutting down")

	closeErr := dg.Close()
	b.drain()
	if closeErr != nil {
		return fmt.Errorf("close discord gateway: %w", closeErr)
	}
	return nil
}

// begin registers an in-flight message. It reports false once shutdown
// has started, so Add never races the final Wait.
func (b *Bridge) begin() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.closed {
		return false
	}
	b.inflight.Add(1)
	return true
}

// drain stops accepting messages and waits for those already running.
func (b *Bridge) drain() {
	b.stateMu.Lock()
	b.closed = true
	b.stateMu.Unlock()
	b.inflight.Wait()
}

// onReady posts the greeting the first time the gateway session is
// ready. Reconnects do not greet again.
func (b *Bridge) onReady(s Session, self *discordgo.User) {
	name := ""
	if self != nil {
		name = self.String()
	}
	b.logger.Info("discord session ready", "user", name)
	b.events.Emit(events.SourceDiscord, events.KindConnected, map[string]any{
		"user":     name,
		"channels": len(b.channelIDs),
	})

	if b.greeting == "" {
		return
	}
	b.greetOnce.Do(func() {
		for _, id := range b.channelIDs {
			if _, err := s.ChannelMessageSend(id, b.greeting); err != nil {
				b.logger.Error("failed to send greeting", "channel_id", id, "error", err)
				continue
			}
			b.logger.Info("greeting sent", "channel_id", id)
		}
	})
}

// handleMessage processes one inbound message: filter, rate-limit,
// relay through the conversation, and deliver the reply publicly or
// by direct message.
func (b *Bridge) handleMessage(ctx context.Context, s Session, selfID string, m *discordgo.Message) {
	if m == nil || m.Author == nil {
		return
	}
	if !b.channels[m.ChannelID] {
		return
	}
	if m.Author.ID == selfID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		// Attachments, embeds, or stickers with no text.
		b.logger.Debug("ignoring message without text", "author", m.Author.Username)
		return
	}

	if !b.allowSender(m.Author.ID) {
		b.logger.Warn("discord message rate-limited", "author", m.Author.Username)
		b.events.Emit(events.SourceDiscord, events.KindRateLimited, map[string]any{
			"author": m.Author.Username,
		})
		return
	}

	text, private := b.splitPrivate(m.Content)
	convID := b.conversationID(m.ChannelID)

	b.logger.Info("discord message received",
		"author", m.Author.Username,
		"channel_id", m.ChannelID,
		"conversation_id", convID,
		"private", private,
		"message_len", len(m.Content),
	)
	b.events.Emit(events.SourceDiscord, events.KindMessageReceived, map[string]any{
		"channel_id":  m.ChannelID,
		"author":      m.Author.Username,
		"private":     private,
		"message_len": len(m.Content),
	})

	if b.handleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.handleTimeout)
		defer cancel()
	}

	var stopTyping func()
	if !private {
		stopTyping = b.keepTyping(s, m.ChannelID)
	}

	reply, err := b.relay.Handle(ctx, convID, conversation.Utterance{
		Text:   text,
		Sender: m.Author.Username,
		Reply:  replyContext(m.ReferencedMessage),
	})
	if stopTyping != nil {
		stopTyping()
	}
	if err != nil {
		b.logger.Debug("conversation returned a notice", "conversation_id", convID, "error", err)
	}
	if reply == "" {
		return
	}

	target := m.ChannelID
	if private {
		dm, err := s.UserChannelCreate(m.Author.ID)
		if err != nil {
			b.deliveryFailed(s, m.ChannelID, err)
			return
		}
		target = dm.ID
	}

	if err := b.send(s, target, reply); err != nil {
		b.deliveryFailed(s, m.ChannelID, err)
		return
	}

	b.logger.Info("discord reply sent",
		"author", m.Author.Username,
		"conversation_id", convID,
		"private", private,
		"response_len", len(reply),
	)
}

// splitPrivate strips the private-request prefix when present.
func (b *Bridge) splitPrivate(content string) (text string, private bool) {
	if b.privatePrefix != "" && strings.HasPrefix(content, b.privatePrefix) {
		return strings.TrimPrefix(content, b.privatePrefix), true
	}
	return content, false
}

// conversationID maps a channel to its transcript.
func (b *Bridge) conversationID(channelID string) string {
	if b.shared {
		return SharedConversationID
	}
	return "discord-" + channelID
}

// send posts text to a channel, split to fit Discord's length limit.
func (b *Bridge) send(s Session, channelID, text string) error {
	for _, chunk := range splitMessage(text, maxMessageRunes) {
		if _, err := s.ChannelMessageSend(channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// deliveryFailed tells the channel the reply could not be delivered.
func (b *Bridge) deliveryFailed(s Session, channelID string, err error) {
	notice := NoticeSendFailed
	if isPermissionError(err) {
		notice = NoticeNoPermission
		b.logger.Error("permission error sending reply", "channel_id", channelID, "error", err)
	} else {
		b.logger.Error("discord reply send failed", "channel_id", channelID, "error", err)
	}
	if _, err := s.ChannelMessageSend(channelID, notice); err != nil {
		b.logger.Error("failed to send delivery notice", "channel_id", channelID, "error", err)
	}
}

// keepTyping shows the typing indicator in channelID until the returned
// function is called.
func (b *Bridge) keepTyping(s Session, channelID string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			if err := s.ChannelTyping(channelID); err != nil {
				b.logger.Debug("discord typing indicator failed", "error", err)
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}

// replyContext extracts the replied-to message, if any.
func replyContext(ref *discordgo.Message) *conversation.ReplyContext {
	if ref == nil || ref.Author == nil || ref.Content == "" {
		return nil
	}
	return &conversation.ReplyContext{Author: ref.Author.Username, Content: ref.Content}
}

// isPermissionError reports whether Discord refused the request with
// 403 Forbidden.
func isPermissionError(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusForbidden
}

// splitMessage breaks text into chunks of at most limit runes, cutting
// at the last newline in each window, else the last space, else
// mid-word.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		window := runes[:limit]
		cut, skip := limit, 0
		if i := lastRune(window, '\n'); i > 0 {
			cut, skip = i, 1
		} else if i := lastRune(window, ' '); i > 0 {
			cut, skip = i, 1
		}
		if chunk := string(runes[:cut]); strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut+skip:]
	}
	if rest := string(runes); strings.TrimSpace(rest) != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func lastRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
