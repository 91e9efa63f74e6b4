package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loom-editor/loom/internal/httpkit"
)

// OllamaClient is a streaming client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Local models can take a long time to load before the first byte.
	return &OllamaClient{
		baseURL:    baseURL,
		logger:     logger.With("provider", "ollama"),
		httpClient: httpkit.NewStreamingClient(120 * time.Second),
	}
}

// Ollama wire types.

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"` // Ollama returns an object, not a string
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaChatChunk struct {
	Model      string        `json:"model"`
	CreatedAt  string        `json:"created_at"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`

	// Usage stats (when done=true)
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// ChatStream starts a streaming chat request against Ollama's NDJSON
// endpoint. Ollama delivers tool calls whole in the final chunk, so
// tool-call events carry complete arguments and no deltas are emitted.
func (c *OllamaClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	wire := ollamaChatRequest{
		Model:    req.Model,
		Messages: convertToOllama(req),
		Stream:   true,
		Tools:    convertToolsToOllama(req.Tools),
	}
	if req.MaxTokens > 0 {
		wire.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: "ollama", Status: resp.StatusCode, Body: errBody}
	}

	events := make(chan StreamEvent, 32)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream decodes newline-delimited JSON chunks and translates them
// into stream events. Owns body and events; closes both on return.
func (c *OllamaClient) readStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	var (
		contentBuilder strings.Builder
		toolCalls      []ToolCall
		final          ollamaChatChunk
	)

	decoder := json.NewDecoder(body)
	for {
		var chunk ollamaChatChunk
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			events <- StreamEvent{Kind: KindError, Err: fmt.Errorf("decode stream chunk: %w", err)}
			return
		}

		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			events <- StreamEvent{Kind: KindText, Text: chunk.Message.Content}
		}

		// Tool calls arrive whole, normally in the final chunk.
		for _, tc := range chunk.Message.ToolCalls {
			call := ToolCall{
				// Ollama does not assign call IDs; mint one so results
				// can be correlated downstream.
				ID:        "call_" + uuid.NewString(),
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}
			toolCalls = append(toolCalls, call)

			argsJSON, err := json.Marshal(call.Arguments)
			if err != nil {
				argsJSON = []byte("{}")
			}
			events <- StreamEvent{Kind: KindToolCallStart, ToolCallID: call.ID, ToolName: call.Name}
			events <- StreamEvent{Kind: KindToolCallEnd, ToolCallID: call.ID, ArgsJSON: string(argsJSON)}
		}

		if chunk.Done {
			final = chunk
			break
		}
	}

	content := contentBuilder.String()

	// Some local models emit tool calls as JSON in the content instead
	// of using the native tool_calls field.
	if len(toolCalls) == 0 && content != "" {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			toolCalls = parsed
			content = ""
			for _, call := range toolCalls {
				argsJSON, err := json.Marshal(call.Arguments)
				if err != nil {
					argsJSON = []byte("{}")
				}
				events <- StreamEvent{Kind: KindToolCallStart, ToolCallID: call.ID, ToolName: call.Name}
				events <- StreamEvent{Kind: KindToolCallEnd, ToolCallID: call.ID, ArgsJSON: string(argsJSON)}
			}
		}
	}

	resp := &ChatResponse{
		Model:        final.Model,
		Content:      content,
		ToolCalls:    toolCalls,
		StopReason:   final.DoneReason,
		InputTokens:  final.PromptEvalCount,
		OutputTokens: final.EvalCount,
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Content),
		"tool_calls", len(resp.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Content)

	events <- StreamEvent{Kind: KindDone, Response: resp}
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	// Try to extract from <tool_call> tags
	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			// No closing tag, take rest of content
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	// Try parsing as array of tool calls
	var calls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, len(calls))
		for i, c := range calls {
			result[i] = ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      c.Name,
				Arguments: c.Arguments,
			}
		}
		return result
	}

	// Try parsing as single tool call object
	var single struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{{
			ID:        "call_" + uuid.NewString(),
			Name:      single.Name,
			Arguments: single.Arguments,
		}}
	}

	return nil
}

// convertToOllama converts a provider-neutral request to Ollama wire
// messages. The system prompt becomes a leading system message.
func convertToOllama(req ChatRequest) []ollamaMessage {
	var result []ollamaMessage
	if req.System != "" {
		result = append(result, ollamaMessage{Role: RoleSystem, Content: req.System})
	}

	for _, msg := range req.Messages {
		wire := ollamaMessage{Role: msg.Role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			args := tc.Arguments
			if args == nil {
				args = map[string]any{}
			}
			wire.ToolCalls = append(wire.ToolCalls, ollamaToolCall{
				Function: ollamaFunction{Name: tc.Name, Arguments: args},
			})
		}
		if msg.Role == RoleTool {
			wire.ToolName = msg.ToolName
		}
		result = append(result, wire)
	}
	return result
}

// convertToolsToOllama converts tool specs to Ollama's OpenAI-style
// function declarations.
func convertToolsToOllama(tools []ToolSpec) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]ollamaTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "ollama", Status: resp.StatusCode}
	}

	return nil
}
