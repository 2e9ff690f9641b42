// Package llm defines the Provider interface for language model backends.
//
// An LLM provider wraps a remote or local model API and exposes a uniform
// interface for the turn pipeline: streaming completions with prompt abort,
// token counting for context budget enforcement, and capability inspection.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream
// ends or when the supplied context is cancelled; cancellation must take
// effect within the pipeline's per-stage abort deadline.
package llm

import (
	"context"

	"github.com/lumora-ai/chorus/pkg/provider"
)

// Usage holds token accounting returned by the backend.
type Usage struct {
	// PromptTokens consumed by the input messages.
	PromptTokens int

	// CompletionTokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs for one generation.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation: pinned prefix first, then the
	// rolling window, then the current user text.
	Messages []Message

	// Tools offered to the model for this turn. Under load shedding the
	// pipeline strips non-essential tools before the request is built.
	Tools []ToolDefinition

	// Temperature in [0.0, 2.0]. 0 requests greedy decoding.
	Temperature float64

	// MaxTokens caps completion length. Zero uses the provider default.
	// The backpressure ladder lowers this under load.
	MaxTokens int

	// PrefixCacheKey, when non-empty, identifies a pinned prefix shared
	// across turns or sessions. Providers with server-side prompt caching
	// may use it to reuse the cached prefix.
	PrefixCacheKey string
}

// Chunk is a single fragment of a streaming completion.
type Chunk struct {
	// Text is the incremental content. May be empty on a finish chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls", or "error".
	FinishReason string

	// ToolCalls carries tool invocations the model requests.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full assistant reply.
	Content string

	// ToolCalls lists requested tool invocations.
	ToolCalls []ToolCall

	// Usage contains token accounting for this exchange.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	provider.HealthChecker

	// StreamCompletion starts a generation and returns a channel of chunks.
	// The channel is closed when generation finishes or ctx is cancelled.
	// Errors after the stream opens surface as a Chunk with FinishReason
	// "error"; the error return is non-nil only when the stream cannot
	// start. The channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete waits for the full response. Convenience wrapper for callers
	// that do not need incremental output (the summarizer).
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the context-window cost of the messages. The
	// result need not be exact but must not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static model metadata, constant for the
	// provider's lifetime.
	Capabilities() Capabilities
}
