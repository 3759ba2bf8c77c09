// Package llm provides chat-completion clients for the hosted and local
// model providers chatrelay can talk to.
package llm

import "context"

// Client is the interface that all completion providers implement.
type Client interface {
	// Chat sends one non-streaming chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Ping checks that the provider is reachable and the credentials work.
	Ping(ctx context.Context) error
}
