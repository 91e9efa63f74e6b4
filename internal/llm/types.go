// Package llm provides provider-neutral chat types and streaming LLM
// client implementations.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message in provider-neutral form.
// Wire format conversion happens at provider boundaries
// (ollama.go, anthropic.go).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool-result messages to
	// correlate the result with the call that produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCall represents a single tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSpec describes a tool the model may call. Parameters is a JSON
// Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// ChatResponse is the final summary of a completed stream.
type ChatResponse struct {
	Model      string
	Content    string
	ToolCalls  []ToolCall
	StopReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindText is an incremental text delta from the model.
	KindText StreamEventKind = iota

	// KindToolCallStart fires when the model opens a tool-call block.
	// ToolCallID and ToolName are set; arguments follow as deltas.
	KindToolCallStart

	// KindToolCallDelta carries a raw partial-JSON fragment of the
	// arguments for the tool call identified by ToolCallID. Fragments
	// are not guaranteed to be parseable until the call ends.
	KindToolCallDelta

	// KindToolCallEnd fires when a tool-call block closes. ArgsJSON
	// carries the complete raw arguments document.
	KindToolCallEnd

	// KindDone signals the stream completed. Response carries the
	// final assembled message and usage.
	KindDone

	// KindError signals the stream failed. Err carries the failure.
	KindError
)

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
// A stream ends with exactly one KindDone or KindError event, after
// which the channel is closed.
type StreamEvent struct {
	Kind StreamEventKind

	// Text is set for KindText events.
	Text string

	// ToolCallID identifies the tool call for start/delta/end events.
	ToolCallID string

	// ToolName is set for KindToolCallStart events.
	ToolName string

	// ArgsDelta is set for KindToolCallDelta events.
	ArgsDelta string

	// ArgsJSON is set for KindToolCallEnd events.
	ArgsJSON string

	// Response is set for KindDone events.
	Response *ChatResponse

	// Err is set for KindError events.
	Err error
}

// Client is the interface all LLM providers implement.
type Client interface {
	// ChatStream starts a streaming chat completion. The returned
	// channel delivers events until a terminal KindDone or KindError,
	// then closes. Cancelling ctx aborts the stream.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
