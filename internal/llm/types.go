package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one role-tagged chat message on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-neutral completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Choice is one candidate completion.
type Choice struct {
	Index        int
	Message      Message
	FinishReason string
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at the provider boundary (groq.go, ollama.go).
type ChatResponse struct {
	ID        string
	Model     string
	CreatedAt time.Time
	Choices   []Choice

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// APIError is a non-success HTTP status returned by a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// RateLimited reports whether the provider rejected the request for
// exceeding a rate or token limit.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Unauthorized reports whether the provider rejected the credentials.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
