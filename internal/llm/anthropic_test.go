package llm

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "Hello!"},
		{Role: "assistant", Content: "Hi there!"},
		{Role: "user", Content: "Rename this function."},
	}

	result := convertToAnthropic(messages)

	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	if result[0].Role != "user" {
		t.Errorf("expected first message to be user, got %s", result[0].Role)
	}
}

func TestConvertToAnthropicWithToolCalls(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "Read main.go."},
		{
			Role: "assistant",
			ToolCalls: []ToolCall{{
				ID:        "toolu_abc123",
				Name:      "read_file",
				Arguments: map[string]any{"path": "main.go"},
			}},
		},
		{Role: "tool", Content: "package main", ToolCallID: "toolu_abc123", ToolName: "read_file"},
	}

	result := convertToAnthropic(messages)

	if len(result) != 3 { // user, assistant with tool_use, user with tool_result
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	// Check assistant message has tool_use blocks
	assistantContent, ok := result[1].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected assistant content to be []anthropicContent")
	}
	if len(assistantContent) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(assistantContent))
	}
	if assistantContent[0].Type != "tool_use" {
		t.Errorf("expected tool_use block, got %s", assistantContent[0].Type)
	}
	if assistantContent[0].ID != "toolu_abc123" {
		t.Errorf("expected tool_use ID toolu_abc123, got %s", assistantContent[0].ID)
	}

	// Check tool result
	toolResultContent, ok := result[2].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected tool result content to be []anthropicContent")
	}
	if toolResultContent[0].Type != "tool_result" {
		t.Errorf("expected tool_result, got %s", toolResultContent[0].Type)
	}
	if toolResultContent[0].ToolUseID != "toolu_abc123" {
		t.Errorf("expected tool_use_id toolu_abc123, got %s", toolResultContent[0].ToolUseID)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []ToolSpec{{
		Name:        "read_file",
		Description: "Read a file from the workspace",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative path",
				},
			},
			"required": []string{"path"},
		},
	}}

	result := convertToolsToAnthropic(tools)
	if len(result) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result))
	}
	if result[0].Name != "read_file" {
		t.Errorf("expected tool name read_file, got %s", result[0].Name)
	}
	if result[0].Description != "Read a file from the workspace" {
		t.Errorf("expected description, got %s", result[0].Description)
	}
}

// collectEvents drains a stream channel into a slice.
func collectEvents(ch <-chan StreamEvent) []StreamEvent {
	var out []StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestAnthropicReadStream(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":42,"output_tokens":0}}}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"I'll read "}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"that file."}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"read_file"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"main.go\"}"}}`,
		``,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":17}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	c := NewAnthropicClient("test-key", nil)
	events := make(chan StreamEvent, 64)
	go c.readStream(context.Background(), io.NopCloser(strings.NewReader(sse)), events)

	got := collectEvents(events)
	if len(got) == 0 {
		t.Fatal("no events received")
	}

	last := got[len(got)-1]
	if last.Kind != KindDone {
		t.Fatalf("expected final KindDone, got %v (err=%v)", last.Kind, last.Err)
	}
	resp := last.Response
	if resp.Content != "I'll read that file." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 17 {
		t.Errorf("usage = %d/%d, want 42/17", resp.InputTokens, resp.OutputTokens)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_01" || tc.Name != "read_file" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["path"] != "main.go" {
		t.Errorf("arguments = %v", tc.Arguments)
	}

	// Event ordering: text deltas, then tool start, deltas, end.
	var kinds []StreamEventKind
	for _, ev := range got {
		kinds = append(kinds, ev.Kind)
	}
	wantKinds := []StreamEventKind{
		KindText, KindText,
		KindToolCallStart, KindToolCallDelta, KindToolCallDelta, KindToolCallEnd,
		KindDone,
	}
	if len(kinds) != len(wantKinds) {
		t.Fatalf("event kinds = %v, want %v", kinds, wantKinds)
	}
	for i := range kinds {
		if kinds[i] != wantKinds[i] {
			t.Errorf("event[%d] kind = %v, want %v", i, kinds[i], wantKinds[i])
		}
	}

	// Tool-call end carries the complete raw arguments document.
	for _, ev := range got {
		if ev.Kind == KindToolCallEnd && ev.ArgsJSON != `{"path":"main.go"}` {
			t.Errorf("ArgsJSON = %q", ev.ArgsJSON)
		}
	}
}

func TestAnthropicReadStreamMalformedArgs(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_02","name":"edit_file"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\": truncated"}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	c := NewAnthropicClient("test-key", nil)
	events := make(chan StreamEvent, 64)
	go c.readStream(context.Background(), io.NopCloser(strings.NewReader(sse)), events)

	got := collectEvents(events)
	last := got[len(got)-1]
	if last.Kind != KindDone {
		t.Fatalf("expected KindDone, got %v", last.Kind)
	}
	if len(last.Response.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(last.Response.ToolCalls))
	}
	// Unparseable arguments fall back to a _raw capture rather than
	// dropping the call.
	if _, ok := last.Response.ToolCalls[0].Arguments["_raw"]; !ok {
		t.Errorf("expected _raw fallback, got %v", last.Response.ToolCalls[0].Arguments)
	}
}

func TestAnthropicReadStreamError(t *testing.T) {
	sse := `data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}` + "\n"

	c := NewAnthropicClient("test-key", nil)
	events := make(chan StreamEvent, 8)
	go c.readStream(context.Background(), io.NopCloser(strings.NewReader(sse)), events)

	got := collectEvents(events)
	if len(got) != 1 || got[0].Kind != KindError {
		t.Fatalf("expected single KindError, got %v", got)
	}
	if !strings.Contains(got[0].Err.Error(), "Overloaded") {
		t.Errorf("error = %v", got[0].Err)
	}
}

func TestAnthropicClientImplementsInterface(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
}

func TestOllamaClientImplementsInterface(t *testing.T) {
	var _ Client = (*OllamaClient)(nil)
}
