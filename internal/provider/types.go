// Package provider defines the canonical model-invocation types and the
// adapters that translate them to each provider's wire format.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Adapter type tags. The router treats claude-code agents as native-runtime
// only: they never downgrade or fall back across provider types.
const (
	TypeAnthropic        = "anthropic"
	TypeOpenAICompatible = "openai-compatible"
	TypeClaudeCode       = "claude-code"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a canonical conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model's request to invoke a tool. Arguments is the raw
// JSON argument object as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares a callable tool to the model. Parameters is a JSON schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool choice values accepted in Options.ToolChoice.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
)

// Options are the generation knobs. Pointer fields distinguish "unset"
// from zero.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	ToolChoice  string   `json:"tool_choice,omitempty"`
}

// Request is the canonical invocation request.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
	Options  Options   `json:"options"`
	TraceID  string    `json:"trace_id,omitempty"`
}

// Usage is token accounting, defaulted to zero when a provider omits it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens"`
}

// Result is the canonical completion result.
type Result struct {
	Content           string     `json:"content"`
	Thinking          string     `json:"thinking,omitempty"`
	ToolCalls         []ToolCall `json:"tool_calls,omitempty"`
	Usage             Usage      `json:"usage"`
	Model             string     `json:"model"`
	ProviderRequestID string     `json:"provider_request_id,omitempty"`
	Latency           time.Duration
	TraceID           string `json:"trace_id,omitempty"`
}

// ChunkType discriminates streaming chunks.
type ChunkType string

const (
	// ChunkText carries a text delta. Content-bearing.
	ChunkText ChunkType = "chunk"
	// ChunkToolCall carries one completed tool call. Content-bearing.
	ChunkToolCall ChunkType = "tool_call"
	// ChunkDone ends the stream and carries final usage.
	ChunkDone ChunkType = "done"
)

// Chunk is one typed streaming event.
type Chunk struct {
	Type     ChunkType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	Model    string    `json:"model,omitempty"`
}

// ContentBearing reports whether this chunk carries model output. Both
// text and tool-call chunks qualify as a streaming winner's first content.
func (c Chunk) ContentBearing() bool {
	return c.Type == ChunkText || c.Type == ChunkToolCall
}

// Stream is a pull-based chunk iterator. Next returns io.EOF after the
// final chunk. Close releases the underlying connection and is safe to
// call more than once.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// Adapter translates canonical requests to one provider's wire format.
type Adapter interface {
	Type() string
	Complete(ctx context.Context, req Request) (*Result, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}
