// Package prompt drives LLM-backed runs for routed events: it composes a
// request from the session lineage plus media context, executes it under a
// turn timeout with cooperative cancellation, and reports usage. The LLM
// itself is an external collaborator behind the Client interface.
package prompt

import "context"

// Message is one conversation turn in an LLM request.
type Message struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Request is the input for one LLM completion.
type Request struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Usage tracks token consumption for one completion.
type Usage struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
	DurationMs   uint64 `json:"duration_ms"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Response is the result of one LLM completion.
type Response struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Client is the narrow LLM contract the runner consumes. Implementations
// must honor context cancellation between (and ideally within) requests.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
