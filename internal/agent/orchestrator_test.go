package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loom-editor/loom/internal/config"
	"github.com/loom-editor/loom/internal/llm"
	"github.com/loom-editor/loom/internal/thread"
	"github.com/loom-editor/loom/internal/tools"
)

// rigFS backs both the tool engine and the store's restore path with
// one in-memory file map.
type rigFS struct {
	mu    sync.Mutex
	files map[string]string
}

func newRigFS() *rigFS {
	return &rigFS{files: make(map[string]string)}
}

func (f *rigFS) get(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	return content, ok
}

func (f *rigFS) Read(path string) (*string, error) {
	content, ok := f.get(path)
	if !ok {
		return nil, nil
	}
	return &content, nil
}

func (f *rigFS) Write(path string, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *rigFS) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	for p := range f.files {
		if strings.HasPrefix(p, path+"/") {
			delete(f.files, p)
		}
	}
	return nil
}

func (f *rigFS) MkdirAll(string) error { return nil }

func (f *rigFS) ReadDir(path string) ([]tools.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []tools.DirEntry
	for p := range f.files {
		if strings.HasPrefix(p, path+"/") {
			rest := strings.TrimPrefix(p, path+"/")
			if !strings.Contains(rest, "/") {
				entries = append(entries, tools.DirEntry{Name: rest})
			}
		}
	}
	return entries, nil
}

func (f *rigFS) Stat(path string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; ok {
		return false, true, nil
	}
	for p := range f.files {
		if strings.HasPrefix(p, path+"/") {
			return true, true, nil
		}
	}
	return false, false, nil
}

// thread.FS side, used by undo and restore.
func (f *rigFS) WriteFile(path, content string) error { return f.Write(path, content) }
func (f *rigFS) Remove(path string) error             { return f.Delete(path) }

// scriptedClient replays a fixed sequence of model responses. When the
// script runs out, the last step repeats.
type scriptStep struct {
	err    error
	events []llm.StreamEvent
}

type scriptedClient struct {
	mu       sync.Mutex
	steps    []scriptStep
	calls    int
	requests []llm.ChatRequest
}

func (c *scriptedClient) ChatStream(_ context.Context, req llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	c.calls++
	c.requests = append(c.requests, req)

	if idx >= len(c.steps) {
		idx = len(c.steps) - 1
	}
	step := c.steps[idx]
	if step.err != nil {
		return nil, step.err
	}
	ch := make(chan llm.StreamEvent, len(step.events))
	for _, ev := range step.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func textStep(text string) scriptStep {
	return scriptStep{events: []llm.StreamEvent{
		{Kind: llm.KindText, Text: text},
		{Kind: llm.KindDone, Response: &llm.ChatResponse{StopReason: "end_turn"}},
	}}
}

func toolStep(callID, name, argsJSON string) scriptStep {
	return scriptStep{events: []llm.StreamEvent{
		{Kind: llm.KindToolCallStart, ToolCallID: callID, ToolName: name},
		{Kind: llm.KindToolCallEnd, ToolCallID: callID, ArgsJSON: argsJSON},
		{Kind: llm.KindDone, Response: &llm.ChatResponse{StopReason: "tool_use"}},
	}}
}

type rig struct {
	store  *thread.Store
	orch   *Orchestrator
	client *scriptedClient
	fs     *rigFS
}

func newRig(t *testing.T, steps []scriptStep, diags tools.LanguageProvider) *rig {
	t.Helper()
	fs := newRigFS()
	store := thread.NewStore(fs, quiet(), nil)

	w := tools.NewWorkspace("/ws", nil, fs)
	registry := tools.NewRegistry()
	tools.RegisterFileTools(registry, w)
	engine := tools.NewEngine(registry, store, fs, time.Second, 0, quiet())

	client := &scriptedClient{steps: steps}
	cfg := config.Default()
	cfg.Agent.Retry.BaseDelay = time.Millisecond

	return &rig{
		store:  store,
		orch:   New(store, engine, client, diags, nil, cfg, quiet()),
		client: client,
		fs:     fs,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (r *rig) awaitingCall(t *testing.T) thread.ToolCall {
	t.Helper()
	var found thread.ToolCall
	waitFor(t, "awaiting tool call", func() bool {
		for _, m := range r.store.Messages() {
			am, ok := m.(*thread.AssistantMessage)
			if !ok {
				continue
			}
			for _, call := range am.OrderedToolCalls() {
				if call.Status == thread.StatusAwaiting {
					found = *call
					return true
				}
			}
		}
		return false
	})
	return found
}

func (r *rig) toolResults() []*thread.ToolResultMessage {
	var out []*thread.ToolResultMessage
	for _, m := range r.store.Messages() {
		if tr, ok := m.(*thread.ToolResultMessage); ok {
			out = append(out, tr)
		}
	}
	return out
}

func (r *rig) lastCallStatus(callID string) thread.ToolCallStatus {
	_, call, ok := r.store.ToolCallByID(callID)
	if !ok {
		return ""
	}
	return call.Status
}

func TestReadToolRunsWithoutApproval(t *testing.T) {
	r := newRig(t, []scriptStep{
		toolStep("c1", "list_directory", `{"path":"."}`),
		textStep("There are two files."),
	}, nil)
	r.fs.files["/ws/a.go"] = "package a"
	r.fs.files["/ws/b.go"] = "package b"

	if err := r.orch.SendMessage(context.Background(), "list files", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if got := r.client.callCount(); got != 2 {
		t.Errorf("model calls = %d, want 2", got)
	}
	results := r.toolResults()
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	if !strings.Contains(results[0].Content, "a.go") || !strings.Contains(results[0].Content, "b.go") {
		t.Errorf("listing = %q", results[0].Content)
	}
	if r.lastCallStatus("c1") != thread.StatusSuccess {
		t.Errorf("status = %s", r.lastCallStatus("c1"))
	}
	if r.store.ThreadState() != thread.StateIdle {
		t.Errorf("state = %s", r.store.ThreadState())
	}
}

func TestRejectedDangerousCall(t *testing.T) {
	r := newRig(t, []scriptStep{
		toolStep("c1", "delete_file_or_folder", `{"path":"x.txt"}`),
	}, nil)
	r.fs.files["/ws/x.txt"] = "precious"

	done := make(chan error, 1)
	go func() { done <- r.orch.SendMessage(context.Background(), "delete x", nil) }()

	call := r.awaitingCall(t)
	if !r.orch.Reject(call.ID) {
		t.Fatal("Reject found no waiter")
	}
	if err := <-done; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	results := r.toolResults()
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	if results[0].Content != RejectionResult {
		t.Errorf("result = %q, want %q", results[0].Content, RejectionResult)
	}
	if r.lastCallStatus("c1") != thread.StatusRejected {
		t.Errorf("status = %s", r.lastCallStatus("c1"))
	}
	if content, ok := r.fs.get("/ws/x.txt"); !ok || content != "precious" {
		t.Error("rejected delete touched the filesystem")
	}
	if got := r.client.callCount(); got != 1 {
		t.Errorf("model calls = %d, want 1 (rejection terminates the turn)", got)
	}
}

func TestWriteRecordsChangeAndUndo(t *testing.T) {
	r := newRig(t, []scriptStep{
		toolStep("c1", "write_file", `{"path":"a.txt","content":"new content"}`),
		textStep("Written."),
	}, nil)
	r.fs.files["/ws/a.txt"] = "old content"
	r.store.SetAutoApprove(string(tools.CategoryEdits), true)

	if err := r.orch.SendMessage(context.Background(), "rewrite a.txt", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if content, _ := r.fs.get("/ws/a.txt"); content != "new content" {
		t.Fatalf("file = %q", content)
	}
	pending := r.store.PendingChanges()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Snapshot.Content == nil || *pending[0].Snapshot.Content != "old content" {
		t.Errorf("snapshot = %+v", pending[0].Snapshot)
	}

	if err := r.store.UndoChange("/ws/a.txt"); err != nil {
		t.Fatalf("UndoChange: %v", err)
	}
	if content, _ := r.fs.get("/ws/a.txt"); content != "old content" {
		t.Errorf("file after undo = %q", content)
	}
	if len(r.store.PendingChanges()) != 0 {
		t.Error("pending change not removed")
	}
}

func TestRetryBackoffOnRateLimit(t *testing.T) {
	rateLimited := &llm.APIError{Provider: "anthropic", Status: 429}
	r := newRig(t, []scriptStep{
		{err: rateLimited},
		{err: rateLimited},
		textStep("Finally."),
	}, nil)

	var delays []time.Duration
	r.orch.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	if err := r.orch.SendMessage(context.Background(), "hi", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if got := r.client.callCount(); got != 3 {
		t.Errorf("model calls = %d, want 3", got)
	}
	base := time.Millisecond
	want := []time.Duration{base, 2 * base}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %s, want %s", i, delays[i], want[i])
		}
	}
}

func TestMidStreamRetryDiscardsPartialOutput(t *testing.T) {
	// The connection drops after partial text; the retry must replay
	// into a clean message, not append to the failed attempt's output.
	dropped := scriptStep{events: []llm.StreamEvent{
		{Kind: llm.KindText, Text: "Hello"},
		{Kind: llm.KindError, Err: fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF)},
	}}
	r := newRig(t, []scriptStep{
		dropped,
		textStep("Hello"),
	}, nil)
	r.orch.sleep = func(context.Context, time.Duration) error { return nil }

	if err := r.orch.SendMessage(context.Background(), "hi", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := r.client.callCount(); got != 2 {
		t.Fatalf("model calls = %d, want 2", got)
	}

	var am *thread.AssistantMessage
	for _, m := range r.store.Messages() {
		if a, ok := m.(*thread.AssistantMessage); ok {
			am = a
		}
	}
	if am == nil {
		t.Fatal("no assistant message")
	}
	if am.Content != "Hello" {
		t.Errorf("content = %q, want %q (failed attempt's text discarded)", am.Content, "Hello")
	}
	if n := len(am.OrderedToolCalls()); n != 0 {
		t.Errorf("tool calls = %d, want 0", n)
	}
}

func TestMidStreamRetryDiscardsPartialToolCalls(t *testing.T) {
	dropped := scriptStep{events: []llm.StreamEvent{
		{Kind: llm.KindToolCallStart, ToolCallID: "c1", ToolName: "read_file"},
		{Kind: llm.KindError, Err: fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF)},
	}}
	r := newRig(t, []scriptStep{
		dropped,
		toolStep("c2", "read_file", `{"path":"a.go"}`),
		textStep("Done."),
	}, nil)
	r.fs.files["/ws/a.go"] = "package a"
	r.orch.sleep = func(context.Context, time.Duration) error { return nil }

	if err := r.orch.SendMessage(context.Background(), "read a.go", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// The half-assembled call from the dropped stream must be gone; only
	// the replayed call executes.
	if _, _, ok := r.store.ToolCallByID("c1"); ok {
		t.Error("abandoned call from the failed attempt survived the retry")
	}
	if r.lastCallStatus("c2") != thread.StatusSuccess {
		t.Errorf("replayed call status = %s", r.lastCallStatus("c2"))
	}
	if got := len(r.toolResults()); got != 1 {
		t.Errorf("tool results = %d, want 1", got)
	}
}

func TestNonRetryableErrorSurfaces(t *testing.T) {
	r := newRig(t, []scriptStep{
		{err: &llm.APIError{Provider: "anthropic", Status: 401}},
	}, nil)

	err := r.orch.SendMessage(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("auth error should surface")
	}
	if got := r.client.callCount(); got != 1 {
		t.Errorf("model calls = %d, want 1 (no retry)", got)
	}

	var am *thread.AssistantMessage
	for _, m := range r.store.Messages() {
		if a, ok := m.(*thread.AssistantMessage); ok {
			am = a
		}
	}
	if am == nil || !strings.Contains(am.Content, "request failed") {
		t.Errorf("error not surfaced to transcript: %+v", am)
	}
	if r.store.ThreadState() != thread.StateIdle {
		t.Errorf("state = %s", r.store.ThreadState())
	}
}

func TestLoopBreaker(t *testing.T) {
	r := newRig(t, []scriptStep{
		toolStep("c1", "read_file", `{"path":"a.go"}`),
		toolStep("c2", "read_file", `{"path":"a.go"}`),
		toolStep("c3", "read_file", `{"path":"a.go"}`),
		toolStep("c4", "read_file", `{"path":"a.go"}`),
	}, nil)
	r.fs.files["/ws/a.go"] = "package a"

	if err := r.orch.SendMessage(context.Background(), "go", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Two identical batches execute; the third trips the breaker
	// before running.
	if got := r.client.callCount(); got != 3 {
		t.Errorf("model calls = %d, want 3", got)
	}
	if got := len(r.toolResults()); got != 2 {
		t.Errorf("tool results = %d, want 2", got)
	}

	warnings := 0
	for _, m := range r.store.Messages() {
		if am, ok := m.(*thread.AssistantMessage); ok && am.Content == loopWarning {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want exactly 1", warnings)
	}
}

func TestUnknownToolDropped(t *testing.T) {
	r := newRig(t, []scriptStep{
		toolStep("c1", "bogus_tool", `{"x":1}`),
	}, nil)

	if err := r.orch.SendMessage(context.Background(), "go", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := r.client.callCount(); got != 1 {
		t.Errorf("model calls = %d, want 1 (dropped call ends the turn)", got)
	}
	if got := len(r.toolResults()); got != 0 {
		t.Errorf("tool results = %d, want 0", got)
	}
	if _, _, ok := r.store.ToolCallByID("c1"); ok {
		t.Error("hallucinated call reached the store")
	}
}

func TestReentrantSendIsNoOp(t *testing.T) {
	r := newRig(t, []scriptStep{
		toolStep("c1", "write_file", `{"path":"a.txt","content":"x"}`),
	}, nil)

	done := make(chan error, 1)
	go func() { done <- r.orch.SendMessage(context.Background(), "first", nil) }()
	call := r.awaitingCall(t)

	if !r.orch.Busy() {
		t.Error("Busy() = false during an active turn")
	}
	if err := r.orch.SendMessage(context.Background(), "second", nil); err != nil {
		t.Errorf("re-entrant send returned %v", err)
	}

	users := 0
	for _, m := range r.store.Messages() {
		if _, ok := m.(*thread.UserMessage); ok {
			users++
		}
	}
	if users != 1 {
		t.Errorf("user messages = %d, want 1 (second send ignored)", users)
	}

	r.orch.Reject(call.ID)
	<-done
}

func TestAbortMarksInFlightCalls(t *testing.T) {
	r := newRig(t, []scriptStep{
		toolStep("c1", "write_file", `{"path":"a.txt","content":"x"}`),
	}, nil)

	done := make(chan error, 1)
	go func() { done <- r.orch.SendMessage(context.Background(), "go", nil) }()
	r.awaitingCall(t)

	r.orch.Abort()
	<-done

	_, call, ok := r.store.ToolCallByID("c1")
	if !ok {
		t.Fatal("call missing")
	}
	if call.Status != thread.StatusError || call.Error != AbortReason {
		t.Errorf("call = %+v, want error %q", call, AbortReason)
	}

	marker := false
	for _, m := range r.store.Messages() {
		if _, ok := m.(*thread.InterruptedToolMessage); ok {
			marker = true
		}
	}
	if !marker {
		t.Error("interrupted marker missing")
	}
	if r.store.ThreadState() != thread.StateIdle {
		t.Errorf("state = %s", r.store.ThreadState())
	}
	if r.orch.Busy() {
		t.Error("still busy after abort")
	}
}

type oneShotDiags struct {
	mu    sync.Mutex
	count int
}

func (d *oneShotDiags) Diagnostics(context.Context, string) ([]tools.Diagnostic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	if d.count == 1 {
		return []tools.Diagnostic{{Path: "a.txt", Severity: tools.SeverityError, Message: "syntax error"}}, nil
	}
	return nil, nil
}
func (d *oneShotDiags) Definition(context.Context, string, tools.Position) ([]tools.Location, error) {
	return nil, nil
}
func (d *oneShotDiags) References(context.Context, string, tools.Position) ([]tools.Location, error) {
	return nil, nil
}
func (d *oneShotDiags) Hover(context.Context, string, tools.Position) (string, error) {
	return "", nil
}
func (d *oneShotDiags) Symbols(context.Context, string) ([]tools.Symbol, error) {
	return nil, nil
}

func TestObservePhaseInjectsDiagnostics(t *testing.T) {
	r := newRig(t, []scriptStep{
		toolStep("c1", "write_file", `{"path":"a.txt","content":"broken"}`),
		textStep("Fixed? Let me stop here."),
	}, &oneShotDiags{})
	r.store.SetAutoApprove(string(tools.CategoryEdits), true)

	if err := r.orch.SendMessage(context.Background(), "write it", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var synthetic *thread.UserMessage
	for _, m := range r.store.Messages() {
		if um, ok := m.(*thread.UserMessage); ok && strings.Contains(um.Content, "diagnostics") {
			synthetic = um
		}
	}
	if synthetic == nil {
		t.Fatal("no synthetic diagnostics message")
	}
	if !strings.Contains(synthetic.Content, "syntax error") {
		t.Errorf("synthetic = %q", synthetic.Content)
	}

	// The second model call must already see the injected message.
	last := r.client.requests[1].Messages
	if len(last) == 0 || last[len(last)-1].Role != llm.RoleUser {
		t.Errorf("second request does not end with the synthetic user message")
	}
}
