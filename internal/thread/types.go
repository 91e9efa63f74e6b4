// Package thread owns the conversation data model: threads, the tagged
// message union, tool calls, pending file changes, and message-level
// checkpoints. The Store in this package is the single source of truth
// for all of it.
package thread

import (
	"time"
)

// Message roles.
const (
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleToolResult  = "tool_result"
	RoleCheckpoint  = "checkpoint"
	RoleInterrupted = "interrupted_tool"
)

// Message is the tagged union of everything that can appear in a
// thread's transcript, discriminated by Role.
type Message interface {
	Role() string
	MessageID() string
}

// ContextItem is a piece of editor context attached to a thread or a
// user message (an open file, a selection, a terminal excerpt).
type ContextItem struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// UserMessage is a message typed by the user.
type UserMessage struct {
	ID           string        `json:"id"`
	Content      string        `json:"content"`
	ContextItems []ContextItem `json:"context_items,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

func (m *UserMessage) Role() string      { return RoleUser }
func (m *UserMessage) MessageID() string { return m.ID }

// Part is one ordered segment of an assistant message: either a run of
// text or a reference to a tool call.
type Part interface {
	PartType() string
}

// TextPart is a run of assistant text. Open is true while the part is
// still receiving stream deltas; a tool-call part closes it.
type TextPart struct {
	Text string `json:"text"`
	Open bool   `json:"open,omitempty"`
}

func (TextPart) PartType() string { return "text" }

// ToolCallPart references a tool call by ID. The call itself lives in
// the owning AssistantMessage's ToolCalls index; parts hold only the
// reference so there is exactly one copy of each call to update.
type ToolCallPart struct {
	CallID string `json:"call_id"`
}

func (ToolCallPart) PartType() string { return "tool_call" }

// AssistantMessage is a (possibly still streaming) model response:
// interleaved text and tool-call parts in arrival order, plus an index
// of the tool calls by ID.
type AssistantMessage struct {
	ID          string               `json:"id"`
	Content     string               `json:"content"`
	IsStreaming bool                 `json:"is_streaming"`
	Parts       []Part               `json:"parts"`
	ToolCalls   map[string]*ToolCall `json:"tool_calls"`
	Timestamp   time.Time            `json:"timestamp"`
}

func (m *AssistantMessage) Role() string      { return RoleAssistant }
func (m *AssistantMessage) MessageID() string { return m.ID }

// OrderedToolCalls returns the message's tool calls in part order.
func (m *AssistantMessage) OrderedToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, p := range m.Parts {
		if tp, ok := p.(ToolCallPart); ok {
			if call, ok := m.ToolCalls[tp.CallID]; ok {
				calls = append(calls, call)
			}
		}
	}
	return calls
}

// ToolResultMessage carries the outcome of one tool call back into the
// transcript.
type ToolResultMessage struct {
	ID         string    `json:"id"`
	ToolCallID string    `json:"tool_call_id"`
	Name       string    `json:"name"`
	Content    string    `json:"content"`
	Type       string    `json:"type"` // "text" or "error"
	Timestamp  time.Time `json:"timestamp"`
}

func (m *ToolResultMessage) Role() string      { return RoleToolResult }
func (m *ToolResultMessage) MessageID() string { return m.ID }

// Checkpoint kinds.
const (
	CheckpointUserMessage = "user_message"
	CheckpointToolEdit    = "tool_edit"
)

// CheckpointMessage is a transcript marker for a rollback point. It is
// never sent to the model.
type CheckpointMessage struct {
	ID            string                  `json:"id"`
	Kind          string                  `json:"kind"`
	CheckpointID  string                  `json:"checkpoint_id"`
	FileSnapshots map[string]FileSnapshot `json:"file_snapshots,omitempty"`
	Timestamp     time.Time               `json:"timestamp"`
}

func (m *CheckpointMessage) Role() string      { return RoleCheckpoint }
func (m *CheckpointMessage) MessageID() string { return m.ID }

// InterruptedToolMessage is a transcript marker for calls that were
// still in flight when the user aborted. Never sent to the model.
type InterruptedToolMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *InterruptedToolMessage) Role() string      { return RoleInterrupted }
func (m *InterruptedToolMessage) MessageID() string { return m.ID }

// ToolCallStatus is the tool call state machine:
// pending → (awaiting | running) → (success | error | rejected).
type ToolCallStatus string

const (
	StatusPending  ToolCallStatus = "pending"
	StatusAwaiting ToolCallStatus = "awaiting"
	StatusRunning  ToolCallStatus = "running"
	StatusSuccess  ToolCallStatus = "success"
	StatusError    ToolCallStatus = "error"
	StatusRejected ToolCallStatus = "rejected"
)

// Terminal reports whether the status is an end state.
func (s ToolCallStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusRejected
}

// ToolCall is a structured request from the model to invoke a named
// capability with arguments.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Status    ToolCallStatus `json:"status"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// clone returns a copy with a fresh arguments map.
func (c *ToolCall) clone() *ToolCall {
	cp := *c
	if c.Arguments != nil {
		cp.Arguments = make(map[string]any, len(c.Arguments))
		for k, v := range c.Arguments {
			cp.Arguments[k] = v
		}
	}
	return &cp
}

// ToolCallUpdate is a partial update applied to a tool call. Nil fields
// are left unchanged.
type ToolCallUpdate struct {
	Name      *string
	Arguments map[string]any
	Status    *ToolCallStatus
	Result    *string
	Error     *string
}

// FileSnapshot records a file's content at a point in time. A nil
// Content means the file did not exist; restoring a nil snapshot
// deletes the file.
type FileSnapshot struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
}

// Pending change statuses.
const (
	ChangePending  = "pending"
	ChangeAccepted = "accepted"
	ChangeRejected = "rejected"
)

// PendingChange is a not-yet-accepted filesystem mutation performed by
// a tool, recoverable via undo. At most one exists per file path; a
// second write to the same path merges line-delta counters but keeps
// the first snapshot, so undo always restores pre-conversation state.
type PendingChange struct {
	ID           string       `json:"id"`
	FilePath     string       `json:"file_path"`
	ToolCallID   string       `json:"tool_call_id"`
	ToolName     string       `json:"tool_name"`
	Status       string       `json:"status"`
	Snapshot     FileSnapshot `json:"snapshot"`
	LinesAdded   int          `json:"lines_added"`
	LinesRemoved int          `json:"lines_removed"`
	Timestamp    time.Time    `json:"timestamp"`
}

// MessageCheckpoint is a saved map of file path → pre-mutation content,
// scoped to one user turn. Created before any tool runs for the turn;
// only the oldest state of each file within the turn is kept.
type MessageCheckpoint struct {
	ID            string                  `json:"id"`
	MessageID     string                  `json:"message_id"`
	Timestamp     time.Time               `json:"timestamp"`
	FileSnapshots map[string]FileSnapshot `json:"file_snapshots"`
	Description   string                  `json:"description"`
}

// State is a thread's stream phase, surfaced to the UI.
type State string

const (
	StateIdle        State = "idle"
	StateStreaming   State = "streaming"
	StateToolPending State = "tool_pending"
	StateToolRunning State = "tool_running"
)

// Thread is one conversation's ordered message history plus transient
// streaming state. The thread is the unit of persistence and rollback.
type Thread struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	LastModified time.Time     `json:"last_modified"`
	Messages     []Message     `json:"-"`
	ContextItems []ContextItem `json:"context_items,omitempty"`
	State        State         `json:"state"`
}

// FileError is a per-file failure collected during best-effort
// rollback operations.
type FileError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// RestoreResult reports the outcome of restoreToCheckpoint.
type RestoreResult struct {
	Success       bool        `json:"success"`
	RestoredFiles []string    `json:"restored_files"`
	Errors        []FileError `json:"errors,omitempty"`
}
