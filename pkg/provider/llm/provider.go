// Package llm defines the Provider interface for the language-model backends
// that drive summarization and the chat assistant.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) behind a uniform completion call so the pipeline
// stages never couple to a specific SDK. Implementations must be safe for
// concurrent use; actual GPU serialization happens in the arbitrator, not
// here.
package llm

import (
	"context"
	"time"
)

// Message is a single turn in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name optionally identifies the speaker in multi-speaker contexts.
	Name string
}

// Usage holds the accounting fields returned by the backend. Counts are in
// the model's native token unit.
type Usage struct {
	// PromptTokens is the token count of the input (prompt_eval_count in
	// Ollama terms).
	PromptTokens int

	// CompletionTokens is the token count of the generated reply
	// (eval_count in Ollama terms).
	CompletionTokens int

	// TotalDuration is the backend-reported wall time of the request,
	// when available.
	TotalDuration time.Duration
}

// CompletionRequest carries everything the model needs for one reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message
	// drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected
	// before the history.
	SystemPrompt string

	// Temperature controls randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider
	// default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
//
// Complete must propagate ctx cancellation promptly; calls may take tens of
// seconds against local models.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
