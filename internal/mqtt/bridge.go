package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/chatrelay/internal/buildinfo"
	"github.com/nugget/chatrelay/internal/config"
	"github.com/nugget/chatrelay/internal/conversation"
	"github.com/nugget/chatrelay/internal/events"
)

const (
	eventBuffer    = 64
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
	stopTimeout    = 5 * time.Second
)

var errNotConnected = errors.New("mqtt not connected")

// Relay handles utterances for a conversation. The real implementation
// is *conversation.Manager.
type Relay interface {
	Handle(ctx context.Context, id string, u conversation.Utterance) (string, error)
}

// StatsSource provides the state values that are not tracked here.
type StatsSource interface {
	// Model returns the configured completion model.
	Model() string
	// Conversations returns the number of open conversations.
	Conversations() int
}

// publisher is the subset of *autopaho.ConnectionManager used to send.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// BridgeConfig holds the settings and dependencies for a Bridge.
type BridgeConfig struct {
	MQTT          config.MQTTConfig
	InstanceID    string
	HandleTimeout time.Duration

	Relay  Relay // required when MQTT.Inbound is set
	Stats  StatsSource
	Tokens *DailyTokens
	Events *events.Bus
	Logger *slog.Logger
}

// Bridge connects to the broker and runs until its context ends.
type Bridge struct {
	cfg           config.MQTTConfig
	instanceID    string
	handleTimeout time.Duration
	relay         Relay
	stats         StatsSource
	tokens        *DailyTokens
	events        *events.Bus
	logger        *slog.Logger
	limiter       *rateLimiter

	mu       sync.Mutex
	pub      publisher
	closed   bool
	inflight sync.WaitGroup
}

// NewBridge creates a Bridge. It does not connect until Run.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = NewDailyTokens(nil)
	}
	mc := cfg.MQTT
	mc.BaseTopic = strings.TrimRight(mc.BaseTopic, "/")
	return &Bridge{
		cfg:           mc,
		instanceID:    cfg.InstanceID,
		handleTimeout: cfg.HandleTimeout,
		relay:         cfg.Relay,
		stats:         cfg.Stats,
		tokens:        tokens,
		events:        cfg.Events,
		logger:        logger,
		limiter:       newRateLimiter(cfg.MQTT.RateLimit, time.Minute, logger),
	}
}

// --- Topic helpers ---

func (b *Bridge) baseTopic() string {
	return b.cfg.BaseTopic
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

func (b *Bridge) stateTopic(entity string) string {
	return b.baseTopic() + "/state/" + entity
}

func (b *Bridge) eventTopic(kind string) string {
	return b.baseTopic() + "/events/" + kind
}

func (b *Bridge) utteranceFilter() string {
	return b.baseTopic() + "/utterances/+"
}

func (b *Bridge) replyTopic(name string) string {
	return b.baseTopic() + "/replies/" + name
}

func (b *Bridge) clientID() string {
	if b.cfg.ClientID != "" {
		return b.cfg.ClientID
	}
	return "chatrelay-" + b.instanceID
}

// Run connects to the broker and publishes until ctx is cancelled. On
// the way out it waits for in-flight utterances, publishes "offline"
// and disconnects.
func (b *Bridge) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// The connection outlives ctx long enough to publish "offline".
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	clientCfg := paho.ClientConfig{
		ClientID: b.clientID(),
	}
	if b.cfg.Inbound {
		clientCfg.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				b.receive(ctx, pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		}
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.setPublisher(cm)
			b.publishAvailability(connCtx, "online")
			if b.cfg.Inbound {
				b.subscribe(connCtx, cm)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: clientCfg,
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(ctx, connectTimeout)
	if err := cm.AwaitConnection(awaitCtx); err != nil && ctx.Err() == nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	awaitCancel()

	b.loop(ctx)

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.inflight.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	b.publishAvailability(stopCtx, "offline")
	if err := cm.Disconnect(stopCtx); err != nil {
		b.logger.Warn("mqtt disconnect failed", "error", err)
	}
	b.logger.Info("mqtt bridge stopped")
	return nil
}

func (b *Bridge) setPublisher(p publisher) {
	b.mu.Lock()
	b.pub = p
	b.mu.Unlock()
}

func (b *Bridge) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	b.mu.Lock()
	p := b.pub
	b.mu.Unlock()
	if p == nil {
		return errNotConnected
	}
	_, err := p.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := b.utteranceFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: 1},
		},
	}); err != nil {
		b.logger.Warn("mqtt subscribe failed", "topic", filter, "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topic", filter)
}

func (b *Bridge) publishAvailability(ctx context.Context, status string) {
	if err := b.publish(ctx, b.availabilityTopic(), []byte(status), 1, true); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	b.logger.Info("mqtt availability published", "status", status)
}

// --- Outbound loop ---

func (b *Bridge) loop(ctx context.Context) {
	var sub <-chan events.Event
	if b.events != nil {
		ch := b.events.Subscribe(eventBuffer)
		defer b.events.Unsubscribe(ch)
		sub = ch
	}

	interval := time.Duration(b.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Duration(config.DefaultMQTTInterval) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStates(ctx)
		case e, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			b.observe(ctx, e)
		}
	}
}

// observe updates the token counters and, when enabled, forwards the
// event to <base>/events/<kind>.
func (b *Bridge) observe(ctx context.Context, e events.Event) {
	b.tokens.Observe(e)
	if !b.cfg.PublishEvents {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Debug("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if err := b.publish(ctx, b.eventTopic(e.Kind), payload, 0, false); err != nil {
		b.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

// stateValues returns the retained state entities and their values.
func (b *Bridge) stateValues() map[string]string {
	input, output, replies := b.tokens.Snapshot()
	states := map[string]string{
		"uptime":        buildinfo.Uptime().Truncate(time.Second).String(),
		"version":       buildinfo.Version,
		"tokens_today":  strconv.FormatInt(input+output, 10),
		"replies_today": strconv.FormatInt(replies, 10),
		"last_reply":    "never",
	}
	if last := b.tokens.LastReply(); !last.IsZero() {
		states["last_reply"] = last.Format(time.RFC3339)
	}
	if b.stats != nil {
		states["model"] = b.stats.Model()
		states["conversations"] = strconv.Itoa(b.stats.Conversations())
	}
	return states
}

func (b *Bridge) publishStates(ctx context.Context) {
	states := b.stateValues()
	for entity, value := range states {
		if err := b.publish(ctx, b.stateTopic(entity), []byte(value), 0, true); err != nil {
			b.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	b.logger.Debug("mqtt states published", "entities", len(states))
}

// --- Inbound ---

// receive accepts one message from the utterance subscription. Handling
// runs on its own goroutine so the client's receive loop never waits on
// a completion.
func (b *Bridge) receive(ctx context.Context, topic string, payload []byte) {
	name, ok := conversationFromTopic(b.baseTopic(), topic)
	if !ok {
		b.logger.Debug("mqtt message on unexpected topic", "topic", topic)
		return
	}
	if !b.limiter.allow() {
		b.events.Emit(events.SourceMQTT, events.KindRateLimited, map[string]any{
			"topic": topic,
		})
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.inflight.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.inflight.Done()
		b.handle(ctx, name, parseUtterance(payload))
	}()
}

// handle relays one utterance and publishes the reply.
func (b *Bridge) handle(ctx context.Context, name string, u conversation.Utterance) {
	id := ConversationPrefix + name
	b.logger.Info("mqtt utterance received", "conversation", id, "sender", u.Sender, "len", len(u.Text))
	b.events.Emit(events.SourceMQTT, events.KindMessageReceived, map[string]any{
		"conversation_id": id,
		"author":          u.Sender,
		"message_len":     len(u.Text),
	})

	hctx, cancel := ctx, context.CancelFunc(func() {})
	if b.handleTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, b.handleTimeout)
	}
	reply, err := b.relay.Handle(hctx, id, u)
	cancel()

	payload, mErr := json.Marshal(replyMessage{
		ConversationID: id,
		Reply:          reply,
		OK:             err == nil,
		ErrorKind:      conversation.ErrorKind(err),
	})
	if mErr != nil {
		b.logger.Error("mqtt marshal reply", "conversation", id, "error", mErr)
		return
	}

	// Deliver even when shutdown has started.
	pubCtx, pubCancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer pubCancel()
	if err := b.publish(pubCtx, b.replyTopic(name), payload, 1, false); err != nil {
		b.logger.Warn("mqtt reply publish failed", "conversation", id, "error", err)
	}
}
