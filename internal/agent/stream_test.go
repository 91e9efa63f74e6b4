package agent

import (
	"context"
	"log/slog"
	"reflect"
	"testing"

	"github.com/loom-editor/loom/internal/llm"
	"github.com/loom-editor/loom/internal/thread"
	"github.com/loom-editor/loom/internal/tools"
)

func TestCompletePartialJSON(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   map[string]any
		ok     bool
	}{
		{name: "complete object", prefix: `{"path":"a.go"}`, want: map[string]any{"path": "a.go"}, ok: true},
		{name: "open string value", prefix: `{"path":"ma`, want: map[string]any{"path": "ma"}, ok: true},
		{name: "open object", prefix: `{"path":"a.go"`, want: map[string]any{"path": "a.go"}, ok: true},
		{name: "nested array", prefix: `{"items":["a","b`, want: map[string]any{"items": []any{"a", "b"}}, ok: true},
		{name: "dangling key", prefix: `{"pa`, ok: false},
		{name: "key without value", prefix: `{"path":`, ok: false},
		{name: "trailing escape", prefix: `{"path":"a\`, want: map[string]any{"path": "a"}, ok: true},
		{name: "not an object", prefix: `[1,2`, ok: false},
		{name: "empty", prefix: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := completePartialJSON(tt.prefix)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (got %v)", ok, tt.ok, got)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFinalArgs(t *testing.T) {
	if got := parseFinalArgs(`{"path":"a.go"}`); got["path"] != "a.go" {
		t.Errorf("valid args = %v", got)
	}
	if got := parseFinalArgs(""); len(got) != 0 {
		t.Errorf("empty args = %v", got)
	}
	if got := parseFinalArgs(`{"path":`); got["_raw"] != `{"path":` {
		t.Errorf("malformed args = %v", got)
	}
}

func TestAssemblerBuildsMessage(t *testing.T) {
	store := thread.NewStore(nil, quiet(), nil)
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{Name: "read_file", Category: tools.CategoryRead,
		Validate: func(map[string]any) error { return nil }})

	store.AddUserMessage("hi", nil)
	msgID := store.AddAssistantMessage()
	asm := newAssembler(store, registry, nil, quiet(), store.CurrentThreadID(), msgID)

	evs := []llm.StreamEvent{
		{Kind: llm.KindText, Text: "Let me look. "},
		{Kind: llm.KindToolCallStart, ToolCallID: "c1", ToolName: "read_file"},
		{Kind: llm.KindToolCallDelta, ToolCallID: "c1", ArgsDelta: `{"path":"ma`},
		{Kind: llm.KindToolCallDelta, ToolCallID: "c1", ArgsDelta: `in.go"}`},
		{Kind: llm.KindToolCallStart, ToolCallID: "c2", ToolName: "imaginary_tool"},
		{Kind: llm.KindToolCallEnd, ToolCallID: "c2", ArgsJSON: `{}`},
		{Kind: llm.KindToolCallEnd, ToolCallID: "c1", ArgsJSON: `{"path":"main.go"}`},
		{Kind: llm.KindText, Text: "Reading now."},
		{Kind: llm.KindDone, Response: &llm.ChatResponse{StopReason: "tool_use"}},
	}
	ch := make(chan llm.StreamEvent, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)

	if err := asm.consume(context.Background(), ch); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if got := asm.order; len(got) != 1 || got[0] != "c1" {
		t.Fatalf("order = %v, want [c1] (unknown tool dropped)", got)
	}

	_, call, ok := store.ToolCallByID("c1")
	if !ok {
		t.Fatal("call c1 missing from store")
	}
	if call.Arguments["path"] != "main.go" {
		t.Errorf("arguments = %v", call.Arguments)
	}
	if _, _, ok := store.ToolCallByID("c2"); ok {
		t.Error("unknown tool reached the store")
	}

	var am *thread.AssistantMessage
	for _, m := range store.Messages() {
		if a, ok := m.(*thread.AssistantMessage); ok {
			am = a
		}
	}
	if am == nil {
		t.Fatal("no assistant message")
	}
	if am.Content != "Let me look. Reading now." {
		t.Errorf("content = %q", am.Content)
	}
	if len(am.Parts) != 3 {
		t.Errorf("parts = %d, want text+call+text", len(am.Parts))
	}
	if asm.resp == nil || asm.resp.StopReason != "tool_use" {
		t.Errorf("response = %+v", asm.resp)
	}
}

func TestAssemblerTerminalError(t *testing.T) {
	store := thread.NewStore(nil, quiet(), nil)
	store.AddUserMessage("hi", nil)
	msgID := store.AddAssistantMessage()
	asm := newAssembler(store, tools.NewRegistry(), nil, quiet(), store.CurrentThreadID(), msgID)

	ch := make(chan llm.StreamEvent, 2)
	wantErr := &llm.APIError{Provider: "anthropic", Status: 529}
	ch <- llm.StreamEvent{Kind: llm.KindError, Err: wantErr}
	close(ch)

	if err := asm.consume(context.Background(), ch); err != wantErr {
		t.Errorf("consume error = %v, want %v", err, wantErr)
	}
}

func quiet() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
