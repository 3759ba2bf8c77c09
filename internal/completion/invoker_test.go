package completion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/chatrelay/internal/llm"
	"github.com/nugget/chatrelay/internal/transcript"
)

// fakeClient returns a canned response and records the request.
type fakeClient struct {
	resp  *llm.ChatResponse
	err   error
	block bool

	got   llm.ChatRequest
	calls int
}

func (f *fakeClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls++
	f.got = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.resp, f.err
}

func (f *fakeClient) Ping(context.Context) error { return nil }

func reply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		InputTokens:  12,
		OutputTokens: 4,
	}
}

func testMessages() []transcript.Message {
	return []transcript.Message{
		{Role: transcript.RoleSystem, Content: "be brief"},
		{Role: transcript.RoleUser, Content: "Sam>Tell me a story"},
	}
}

func TestComplete_Success(t *testing.T) {
	client := &fakeClient{resp: reply("<think>plan</think>Once upon a time.")}
	inv := New(client, Config{Model: "m", MaxTokens: 1000, Temperature: 0.7}, nil)

	res, err := inv.Complete(context.Background(), testMessages())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "Once upon a time." {
		t.Errorf("Text = %q, want %q", res.Text, "Once upon a time.")
	}
	if res.Model != "test-model" {
		t.Errorf("Model = %q, want provider-reported model", res.Model)
	}
	if res.InputTokens != 12 || res.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d, want 12/4", res.InputTokens, res.OutputTokens)
	}

	if client.got.Model != "m" || client.got.MaxTokens != 1000 || client.got.Temperature != 0.7 {
		t.Errorf("request params = %+v", client.got)
	}
	if len(client.got.Messages) != 2 {
		t.Fatalf("sent %d messages, want 2", len(client.got.Messages))
	}
	if client.got.Messages[0].Role != "system" || client.got.Messages[1].Content != "Sam>Tell me a story" {
		t.Errorf("messages = %+v", client.got.Messages)
	}
}

func TestComplete_FallsBackToConfiguredModel(t *testing.T) {
	resp := reply("hi")
	resp.Model = ""
	inv := New(&fakeClient{resp: resp}, Config{Model: "configured"}, nil)

	res, err := inv.Complete(context.Background(), testMessages())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Model != "configured" {
		t.Errorf("Model = %q, want configured", res.Model)
	}
}

func TestComplete_EmptyCompletion(t *testing.T) {
	tests := []struct {
		name string
		resp *llm.ChatResponse
	}{
		{"no choices", &llm.ChatResponse{Model: "m"}},
		{"empty content", reply("")},
		{"whitespace", reply("  \n ")},
		{"only reasoning", reply("<think>nothing to say</think>")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := New(&fakeClient{resp: tt.resp}, Config{Model: "m"}, nil)
			_, err := inv.Complete(context.Background(), testMessages())
			if !errors.Is(err, ErrEmptyCompletion) {
				t.Errorf("err = %v, want ErrEmptyCompletion", err)
			}
		})
	}
}

func TestComplete_UpstreamError(t *testing.T) {
	apiErr := &llm.APIError{Provider: "groq", StatusCode: 500, Body: "boom"}
	inv := New(&fakeClient{err: apiErr}, Config{Model: "m"}, nil)

	_, err := inv.Complete(context.Background(), testMessages())
	var up *UpstreamError
	if !errors.As(err, &up) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	var gotAPI *llm.APIError
	if !errors.As(err, &gotAPI) || gotAPI.StatusCode != 500 {
		t.Errorf("cause not preserved: %v", err)
	}
}

func TestComplete_Timeout(t *testing.T) {
	inv := New(&fakeClient{block: true}, Config{Model: "m", Timeout: 20 * time.Millisecond}, nil)

	_, err := inv.Complete(context.Background(), testMessages())
	var up *UpstreamError
	if !errors.As(err, &up) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped DeadlineExceeded", err)
	}
}

func TestNew_DefaultTimeout(t *testing.T) {
	inv := New(&fakeClient{}, Config{Model: "m"}, nil)
	if inv.cfg.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", inv.cfg.Timeout, DefaultTimeout)
	}
	if inv.Model() != "m" {
		t.Errorf("Model() = %q", inv.Model())
	}
}
