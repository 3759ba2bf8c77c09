// Package conversation turns chat utterances into completions while
// keeping each conversation's transcript bounded, persisted, and
// consistent under concurrent callers.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/chatrelay/internal/completion"
	"github.com/nugget/chatrelay/internal/events"
	"github.com/nugget/chatrelay/internal/llm"
	"github.com/nugget/chatrelay/internal/transcript"
)

// Notices returned to the user in place of a reply.
const (
	NoticeEmptyInput = "Empty input."
	NoticeFailure    = "An unexpected error occurred. Please try again."
)

// DefaultSender names utterances that arrive without a sender.
const DefaultSender = "user"

// ErrEmptyInput is returned for utterances that are blank after trimming.
var ErrEmptyInput = errors.New("empty input")

// Completer produces a reply for an ordered message list.
type Completer interface {
	Complete(ctx context.Context, messages []transcript.Message) (*completion.Result, error)
}

// UsageRecorder stores token usage for a completed turn.
type UsageRecorder interface {
	RecordCompletion(ctx context.Context, conversationID, model string, inputTokens, outputTokens int) error
}

// Utterance is one inbound chat message.
type Utterance struct {
	Text   string
	Sender string
	Reply  *ReplyContext
}

// Options tune turn handling. The zero value keeps failed user turns,
// records no usage, and publishes nowhere.
type Options struct {
	// RetractFailedTurns removes the user turn when its completion
	// fails, instead of leaving it unanswered in the transcript.
	RetractFailedTurns bool

	Usage  UsageRecorder
	Events *events.Bus
}

// Conversation owns one transcript. Handle serializes turns: the user
// turn, the completion call, and the assistant turn plus save happen
// under one lock, so concurrent utterances never interleave.
type Conversation struct {
	id        string
	persister transcript.Persister
	completer Completer
	opts      Options
	logger    *slog.Logger

	mu         sync.Mutex
	transcript *transcript.Transcript
}

// New creates a conversation around an already-loaded transcript.
func New(id string, t *transcript.Transcript, p transcript.Persister, c Completer, opts Options, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{
		id:         id,
		persister:  p,
		completer:  c,
		opts:       opts,
		logger:     logger.With("conversation_id", id),
		transcript: t,
	}
}

// ID returns the conversation ID.
func (c *Conversation) ID() string { return c.id }

// Messages returns a snapshot of the transcript.
func (c *Conversation) Messages() []transcript.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Messages()
}

// Handle processes one utterance and returns text fit to show the
// user: the reply on success, otherwise NoticeEmptyInput or
// NoticeFailure. The error explains a non-reply for logging; it is
// ErrEmptyInput, completion.ErrEmptyCompletion, or a
// *completion.UpstreamError. Persistence failures are logged and do
// not affect the result.
func (c *Conversation) Handle(ctx context.Context, u Utterance) (string, error) {
	sender := strings.TrimSpace(u.Sender)
	if sender == "" {
		sender = DefaultSender
	}

	text := strings.TrimSpace(u.Text)
	if text == "" {
		c.logger.Debug("rejecting empty utterance", "sender", sender)
		c.opts.Events.Emit(events.SourceConversation, events.KindUtteranceRejected, map[string]any{
			"conversation_id": c.id,
			"sender":          sender,
		})
		return NoticeEmptyInput, ErrEmptyInput
	}

	c.opts.Events.Emit(events.SourceConversation, events.KindUtteranceReceived, map[string]any{
		"conversation_id": c.id,
		"sender":          sender,
		"text_len":        len(text),
	})

	framed := Frame(sender, text, u.Reply)
	start := time.Now()

	res, err := c.turn(ctx, framed)
	if err != nil {
		kind := ErrorKind(err)
		c.logger.Error("turn failed", "sender", sender, "error_kind", kind, "error", err)
		c.opts.Events.Emit(events.SourceConversation, events.KindFailure, map[string]any{
			"conversation_id": c.id,
			"error_kind":      kind,
			"error":           err.Error(),
		})
		return NoticeFailure, err
	}

	elapsed := time.Since(start)
	c.logger.Info("turn complete",
		"sender", sender,
		"model", res.Model,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"completion_time", res.Duration.Round(time.Millisecond),
		"elapsed", elapsed.Round(time.Millisecond),
	)

	if c.opts.Usage != nil {
		if err := c.opts.Usage.RecordCompletion(context.WithoutCancel(ctx), c.id, res.Model, res.InputTokens, res.OutputTokens); err != nil {
			c.logger.Warn("failed to record usage", "error", err)
		}
	}

	c.opts.Events.Emit(events.SourceConversation, events.KindCompletion, map[string]any{
		"conversation_id": c.id,
		"model":           res.Model,
		"tokens_in":       res.InputTokens,
		"tokens_out":      res.OutputTokens,
		"completion_ms":   res.Duration.Milliseconds(),
		"elapsed_ms":      elapsed.Milliseconds(),
	})

	return res.Text, nil
}

// turn runs the locked part of Handle: record the user turn, invoke
// the model, then record and persist the reply.
func (c *Conversation) turn(ctx context.Context, framed string) (*completion.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.transcript
	t.EnsureDirective()

	// A retry of a turn that previously failed is already the newest
	// message; reuse it rather than asking twice in the history.
	if last := t.Last(); last.Role == transcript.RoleUser && last.Content == framed {
		c.logger.Debug("reusing unanswered user turn")
	} else {
		t.Append(transcript.RoleUser, framed)
	}

	res, err := c.completer.Complete(ctx, t.Messages())
	if err != nil {
		if c.opts.RetractFailedTurns {
			t.RemoveLast()
		}
		// Unanswered turns count against the bound too.
		t.EnforceRetention()
		return nil, err
	}

	t.Append(transcript.RoleAssistant, res.Text)
	t.EnforceRetention()

	// Save even if the caller has stopped waiting for the reply.
	if err := c.persister.Save(context.WithoutCancel(ctx), c.id, t); err != nil {
		c.logger.Warn("failed to persist transcript", "error", err)
		c.opts.Events.Emit(events.SourceConversation, events.KindPersistFailed, map[string]any{
			"conversation_id": c.id,
			"error":           err.Error(),
		})
	}

	return res, nil
}

// ErrorKind names a Handle error for logs, events, and API responses.
// Provider rejections for rate limits and credentials get their own
// kinds so operators can tell them from outages.
func ErrorKind(err error) string {
	var (
		up     *completion.UpstreamError
		apiErr *llm.APIError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, completion.ErrEmptyCompletion):
		return "empty_completion"
	case errors.As(err, &apiErr) && apiErr.RateLimited():
		return "rate_limited"
	case errors.As(err, &apiErr) && apiErr.Unauthorized():
		return "auth"
	case errors.As(err, &up):
		return "upstream"
	default:
		return "internal"
	}
}
