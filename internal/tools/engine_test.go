package tools

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loom-editor/loom/internal/thread"
)

type recordedSnapshot struct {
	path    string
	content *string
}

type fakeRecorder struct {
	snapshots []recordedSnapshot
	changes   []thread.PendingChange
}

func (f *fakeRecorder) AddSnapshotToCurrentCheckpoint(path string, content *string) {
	f.snapshots = append(f.snapshots, recordedSnapshot{path, content})
}

func (f *fakeRecorder) AddPendingChange(change thread.PendingChange) {
	f.changes = append(f.changes, change)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestEngine(t *testing.T) (*Engine, *fakeRecorder, *memFS) {
	t.Helper()
	w, fs := newTestWorkspace(t)
	r := NewRegistry()
	RegisterFileTools(r, w)
	rec := &fakeRecorder{}
	return NewEngine(r, rec, fs, time.Second, 0, quietLogger()), rec, fs
}

func TestExecuteSnapshotsBeforeMutation(t *testing.T) {
	engine, rec, fs := newTestEngine(t)
	fs.files["/ws/a.go"] = "old\ncontent"

	res := engine.Execute(context.Background(), thread.ToolCall{
		ID: "c1", Name: "write_file",
		Arguments: map[string]any{"path": "a.go", "content": "new\nlonger\ncontent"},
	})
	if res.IsError {
		t.Fatalf("execute: %s", res.Content)
	}

	if len(rec.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(rec.snapshots))
	}
	snap := rec.snapshots[0]
	if snap.path != "/ws/a.go" || snap.content == nil || *snap.content != "old\ncontent" {
		t.Errorf("snapshot = %+v", snap)
	}

	if len(rec.changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(rec.changes))
	}
	ch := rec.changes[0]
	if ch.FilePath != "/ws/a.go" || ch.ToolCallID != "c1" || ch.ToolName != "write_file" {
		t.Errorf("change = %+v", ch)
	}
	if ch.Status != thread.ChangePending {
		t.Errorf("status = %s", ch.Status)
	}
	if ch.Snapshot.Content == nil || *ch.Snapshot.Content != "old\ncontent" {
		t.Errorf("change snapshot = %+v", ch.Snapshot)
	}
	if ch.LinesAdded != 2 || ch.LinesRemoved != 1 {
		t.Errorf("delta = +%d/-%d, want +2/-1", ch.LinesAdded, ch.LinesRemoved)
	}
}

func TestExecuteSnapshotsAbsentFileAsNil(t *testing.T) {
	engine, rec, _ := newTestEngine(t)

	res := engine.Execute(context.Background(), thread.ToolCall{
		ID: "c1", Name: "write_file",
		Arguments: map[string]any{"path": "new.go", "content": "a\nb"},
	})
	if res.IsError {
		t.Fatalf("execute: %s", res.Content)
	}
	if len(rec.snapshots) != 1 || rec.snapshots[0].content != nil {
		t.Fatalf("snapshot of new file should record nil content: %+v", rec.snapshots)
	}
	if rec.changes[0].LinesAdded != 2 || rec.changes[0].LinesRemoved != 0 {
		t.Errorf("delta = +%d/-%d, want +2/-0", rec.changes[0].LinesAdded, rec.changes[0].LinesRemoved)
	}
}

func TestExecuteDirectoryDeleteRecordsNoChange(t *testing.T) {
	engine, rec, fs := newTestEngine(t)
	fs.files["/ws/pkg/a.go"] = "package pkg"
	fs.files["/ws/pkg/b.go"] = "package pkg"

	res := engine.Execute(context.Background(), thread.ToolCall{
		ID: "c1", Name: "delete_file_or_folder",
		Arguments: map[string]any{"path": "pkg"},
	})
	if res.IsError {
		t.Fatalf("execute: %s", res.Content)
	}
	if _, exists := fs.files["/ws/pkg/a.go"]; exists {
		t.Error("directory contents not deleted")
	}

	// A directory has no content snapshot; registering a pending change
	// would offer an undo that restores nothing.
	if len(rec.snapshots) != 0 {
		t.Errorf("snapshots = %+v, want none for a directory target", rec.snapshots)
	}
	if len(rec.changes) != 0 {
		t.Errorf("changes = %+v, want none for a directory target", rec.changes)
	}
}

func TestExecuteReadToolRecordsNothing(t *testing.T) {
	engine, rec, fs := newTestEngine(t)
	fs.files["/ws/a.go"] = "hello"

	res := engine.Execute(context.Background(), thread.ToolCall{
		ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "a.go"},
	})
	if res.IsError || res.Content != "hello" {
		t.Fatalf("result = %+v", res)
	}
	if len(rec.snapshots) != 0 || len(rec.changes) != 0 {
		t.Errorf("read tool recorded state: %+v %+v", rec.snapshots, rec.changes)
	}
}

func TestExecuteFailedToolLeavesNoPendingChange(t *testing.T) {
	engine, rec, fs := newTestEngine(t)
	fs.files["/ws/a.go"] = "x\nx"

	res := engine.Execute(context.Background(), thread.ToolCall{
		ID: "c1", Name: "edit_file",
		Arguments: map[string]any{"path": "a.go", "old_text": "x", "new_text": "y"},
	})
	if !res.IsError {
		t.Fatal("ambiguous edit should be an error result")
	}
	// The snapshot is taken before the attempt; the pending change is not.
	if len(rec.snapshots) != 1 {
		t.Errorf("snapshots = %d, want 1", len(rec.snapshots))
	}
	if len(rec.changes) != 0 {
		t.Errorf("changes = %d, want 0", len(rec.changes))
	}
}

func TestExecuteErrorResults(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	tests := []struct {
		name string
		call thread.ToolCall
		want string
	}{
		{
			name: "unknown tool",
			call: thread.ToolCall{ID: "c1", Name: "summon_demon", Arguments: map[string]any{}},
			want: "unknown tool",
		},
		{
			name: "invalid arguments",
			call: thread.ToolCall{ID: "c2", Name: "read_file", Arguments: map[string]any{}},
			want: "invalid arguments",
		},
		{
			name: "escaping path",
			call: thread.ToolCall{ID: "c3", Name: "read_file", Arguments: map[string]any{"path": "../x"}},
			want: "invalid arguments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := engine.Execute(context.Background(), tt.call)
			if !res.IsError {
				t.Fatalf("expected error result, got %q", res.Content)
			}
			if !strings.Contains(res.Content, tt.want) {
				t.Errorf("content = %q, want containing %q", res.Content, tt.want)
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name:     "slow",
		Category: CategoryRead,
		Validate: func(map[string]any) error { return nil },
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	engine := NewEngine(r, &fakeRecorder{}, newMemFS(), 20*time.Millisecond, 0, quietLogger())

	res := engine.Execute(context.Background(), thread.ToolCall{ID: "c1", Name: "slow", Arguments: map[string]any{}})
	if !res.IsError {
		t.Fatal("expected timeout error result")
	}
	if !strings.Contains(res.Content, "timed out") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestExecuteAbortPropagates(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name:     "block",
		Category: CategoryRead,
		Validate: func(map[string]any) error { return nil },
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	engine := NewEngine(r, &fakeRecorder{}, newMemFS(), time.Second, 0, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := engine.Execute(ctx, thread.ToolCall{ID: "c1", Name: "block", Arguments: map[string]any{}})
	if !res.IsError || !strings.Contains(res.Content, "context canceled") {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name:     "wide",
		Category: CategoryRead,
		Truncate: TruncateHead,
		Validate: func(map[string]any) error { return nil },
		Handler: func(context.Context, map[string]any) (string, error) {
			return strings.Repeat("a", 500), nil
		},
	})
	engine := NewEngine(r, &fakeRecorder{}, newMemFS(), time.Second, 100, quietLogger())

	res := engine.Execute(context.Background(), thread.ToolCall{ID: "c1", Name: "wide", Arguments: map[string]any{}})
	if res.IsError {
		t.Fatal(res.Content)
	}
	if !strings.Contains(res.Content, "400 characters omitted") {
		t.Errorf("content = %q", res.Content)
	}
	if !strings.HasPrefix(res.Content, strings.Repeat("a", 100)) {
		t.Error("head not preserved")
	}
}
