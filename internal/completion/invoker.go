// Package completion submits a transcript to a chat-completion provider
// and returns the cleaned reply text.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/chatrelay/internal/llm"
	"github.com/nugget/chatrelay/internal/transcript"
)

// DefaultTimeout bounds a single completion call when none is configured.
const DefaultTimeout = 60 * time.Second

// ErrEmptyCompletion is returned when the provider answered but produced
// no usable text: no candidates at all, or a first candidate that is
// empty once reasoning has been stripped.
var ErrEmptyCompletion = errors.New("completion returned no usable text")

// UpstreamError wraps any failure reaching or talking to the provider,
// including the invoker's own deadline.
type UpstreamError struct {
	Model string
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("completion upstream (%s): %v", e.Model, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Result is a successful completion.
type Result struct {
	// Text is the reply with reasoning stripped and whitespace trimmed.
	Text string

	Model        string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Config holds the fixed request parameters.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Invoker sends transcripts to one provider with fixed parameters.
type Invoker struct {
	client llm.Client
	cfg    Config
	logger *slog.Logger
}

// New creates an invoker. A zero Timeout selects DefaultTimeout.
func New(client llm.Client, cfg Config, logger *slog.Logger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "completion", "model", cfg.Model),
	}
}

// Model returns the configured model name.
func (inv *Invoker) Model() string { return inv.cfg.Model }

// Complete submits messages in order and returns the first candidate's
// cleaned text. Every client failure comes back as *UpstreamError; a
// response with nothing usable in it is ErrEmptyCompletion.
func (inv *Invoker) Complete(ctx context.Context, messages []transcript.Message) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	req := llm.ChatRequest{
		Model:       inv.cfg.Model,
		Messages:    toWire(messages),
		MaxTokens:   inv.cfg.MaxTokens,
		Temperature: inv.cfg.Temperature,
	}

	start := time.Now()
	resp, err := inv.client.Chat(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		inv.logger.Warn("completion failed", "error", err, "elapsed", elapsed.Round(time.Millisecond))
		return nil, &UpstreamError{Model: inv.cfg.Model, Err: err}
	}

	if len(resp.Choices) == 0 {
		inv.logger.Warn("completion returned no choices", "elapsed", elapsed.Round(time.Millisecond))
		return nil, ErrEmptyCompletion
	}

	raw := resp.Choices[0].Message.Content
	text := StripReasoning(raw)
	if text == "" {
		inv.logger.Warn("completion empty after stripping reasoning",
			"raw_len", len(raw),
			"finish_reason", resp.Choices[0].FinishReason,
		)
		return nil, ErrEmptyCompletion
	}

	model := resp.Model
	if model == "" {
		model = inv.cfg.Model
	}

	inv.logger.Debug("completion received",
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"stripped", len(raw)-len(text),
		"elapsed", elapsed.Round(time.Millisecond),
	)

	return &Result{
		Text:         text,
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Duration:     elapsed,
	}, nil
}

func toWire(messages []transcript.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
