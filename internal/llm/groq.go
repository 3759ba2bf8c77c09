package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/chatrelay/internal/httpkit"
)

// GroqClient talks to Groq's OpenAI-compatible chat completions
// endpoint. Any server that speaks the same dialect works by pointing
// baseURL at it.
type GroqClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGroqClient creates a client for baseURL (for example
// https://api.groq.com/openai/v1).
func NewGroqClient(baseURL, apiKey string, logger *slog.Logger) *GroqClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GroqClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("provider", "groq"),
		// Deadlines come from the caller's context.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		TotalTime        float64 `json:"total_time"`
	} `json:"usage"`
}

// Chat sends a chat completion request.
func (c *GroqClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := openAIRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(req.Messages),
		"max_tokens", req.MaxTokens,
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: "groq", StatusCode: resp.StatusCode, Body: errBody}
	}

	var wire openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &ChatResponse{
		ID:            wire.ID,
		Model:         wire.Model,
		InputTokens:   wire.Usage.PromptTokens,
		OutputTokens:  wire.Usage.CompletionTokens,
		TotalDuration: time.Since(start),
	}
	if wire.Created > 0 {
		out.CreatedAt = time.Unix(wire.Created, 0)
	}
	for _, ch := range wire.Choices {
		out.Choices = append(out.Choices, Choice{
			Index:        ch.Index,
			Message:      ch.Message,
			FinishReason: ch.FinishReason,
		})
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"choices", len(out.Choices),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", out.TotalDuration,
	)

	return out, nil
}

// Ping lists models to verify the endpoint and API key.
func (c *GroqClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "groq", StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 1024)}
	}
	return nil
}
