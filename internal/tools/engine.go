package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loom-editor/loom/internal/thread"
)

// ChangeRecorder is the slice of the thread store the engine records
// file mutations into: pre-mutation snapshots for checkpoint restore,
// and pending changes for per-file accept/undo.
type ChangeRecorder interface {
	AddSnapshotToCurrentCheckpoint(path string, content *string)
	AddPendingChange(change thread.PendingChange)
}

// Result is the outcome of one tool execution, already truncated to
// the result budget.
type Result struct {
	Content string
	IsError bool
}

// Engine executes validated tool calls: argument validation, snapshot
// before mutation, a hard wall-clock timeout, change recording, and
// result truncation. Approval policy lives in the orchestrator, not
// here; by the time Execute runs the call is already approved.
type Engine struct {
	registry *Registry
	changes  ChangeRecorder
	fs       FileSystem
	timeout  time.Duration
	maxChars int
	logger   *slog.Logger
}

// NewEngine creates an execution engine. timeout <= 0 disables the
// per-tool deadline; maxChars <= 0 disables truncation.
func NewEngine(registry *Registry, changes ChangeRecorder, fs FileSystem, timeout time.Duration, maxChars int, logger *slog.Logger) *Engine {
	if fs == nil {
		fs = OSFileSystem{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		changes:  changes,
		fs:       fs,
		timeout:  timeout,
		maxChars: maxChars,
		logger:   logger,
	}
}

// Registry returns the engine's tool registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Execute runs one tool call to completion. Failures are returned as
// error results for the model to read, never as Go errors; the agent
// loop continues regardless of individual tool outcomes.
func (e *Engine) Execute(ctx context.Context, call thread.ToolCall) Result {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return errorResult("unknown tool: %s", call.Name)
	}

	if err := tool.Validate(call.Arguments); err != nil {
		e.logger.Debug("tool arguments rejected", "tool", call.Name, "error", err)
		return errorResult("invalid arguments for %s: %v", call.Name, err)
	}

	// Snapshot the target before any mutation so checkpoint restore and
	// undo can recover the pre-call state even if the handler fails
	// halfway.
	var target string
	var before *string
	tracked := false
	if tool.Category.SideEffecting() && tool.Target != nil {
		var err error
		target, err = tool.Target(call.Arguments)
		if err != nil {
			return errorResult("resolve target for %s: %v", call.Name, err)
		}
		before, tracked, err = e.snapshotTarget(target)
		if err != nil {
			return errorResult("snapshot %s: %v", target, err)
		}
	}

	output, err := e.runWithTimeout(ctx, tool, call)
	if err != nil {
		e.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return Result{Content: err.Error(), IsError: true}
	}

	if tracked {
		e.recordChange(call, target, before)
	}

	return Result{Content: TruncateOutput(output, tool.Truncate, e.maxChars)}
}

// snapshotTarget records the pre-mutation content of a file path in the
// current checkpoint. Directories get no snapshot and no pending
// change: restoring directory trees is out of scope, and a nil-content
// snapshot would mean "file did not exist", so undo for a deleted
// directory would falsely report success while restoring nothing. The
// second return reports whether the target is tracked.
func (e *Engine) snapshotTarget(target string) (*string, bool, error) {
	isDir, exists, err := e.fs.Stat(target)
	if err != nil {
		return nil, false, err
	}
	if exists && isDir {
		e.logger.Warn("skipping snapshot of directory target", "path", target)
		return nil, false, nil
	}
	content, err := e.fs.Read(target)
	if err != nil {
		return nil, false, err
	}
	e.changes.AddSnapshotToCurrentCheckpoint(target, content)
	return content, true, nil
}

// runWithTimeout runs the handler under the hard per-tool deadline.
// The handler goroutine is abandoned on timeout; the context it holds
// is cancelled so a well-behaved handler unwinds on its own.
func (e *Engine) runWithTimeout(ctx context.Context, tool *Tool, call thread.ToolCall) (string, error) {
	if e.timeout <= 0 {
		return tool.Handler(ctx, call.Arguments)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := tool.Handler(runCtx, call.Arguments)
		done <- outcome{output, err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s timed out after %s", tool.Name, e.timeout)
	}
}

// recordChange files a pending change for a completed mutation,
// carrying the pre-call snapshot and the line delta.
func (e *Engine) recordChange(call thread.ToolCall, target string, before *string) {
	after, err := e.fs.Read(target)
	if err != nil {
		e.logger.Warn("read mutated file for change record", "path", target, "error", err)
		return
	}

	added, removed := lineDelta(before, after)
	e.changes.AddPendingChange(thread.PendingChange{
		ID:         uuid.NewString(),
		FilePath:   target,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Status:     thread.ChangePending,
		Snapshot:   thread.FileSnapshot{Path: target, Content: before},
		LinesAdded: added, LinesRemoved: removed,
		Timestamp: time.Now(),
	})
}

// lineDelta approximates the edit size by line-set difference.
func lineDelta(before, after *string) (added, removed int) {
	beforeLines := countLines(before)
	afterLines := countLines(after)

	seen := make(map[string]int)
	for _, line := range beforeLines {
		seen[line]++
	}
	for _, line := range afterLines {
		if seen[line] > 0 {
			seen[line]--
		} else {
			added++
		}
	}
	for _, n := range seen {
		removed += n
	}
	return added, removed
}

func countLines(content *string) []string {
	if content == nil {
		return nil
	}
	return strings.Split(*content, "\n")
}

func errorResult(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}
