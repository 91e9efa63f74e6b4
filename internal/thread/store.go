package thread

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FS is the filesystem surface rollback needs. Restore and undo write
// a snapshot's content back, or delete the file when the snapshot
// records that it did not exist.
type FS interface {
	WriteFile(path string, content string) error
	Remove(path string) error
}

// OSFS is the default os-backed FS.
type OSFS struct{}

// WriteFile writes content, creating parent directories as needed.
func (OSFS) WriteFile(path string, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// Remove deletes a file. A missing file is not an error.
func (OSFS) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Store owns all thread, message, pending-change, and checkpoint state.
// It is the single source of truth: mutations happen only through its
// methods, reads return copies. There are no global instances; the
// orchestrator and engine receive a *Store at construction.
//
// Pending changes and checkpoints are transient and scoped to the
// current thread of the live process. The thread collection and the
// auto-approve policy persist when a DB is attached; stream state does
// not, so rollback capability does not survive a restart.
type Store struct {
	mu     sync.RWMutex
	fs     FS
	logger *slog.Logger
	db     *DB

	threads map[string]*Thread
	order   []string
	current string

	pending     []PendingChange
	checkpoints []MessageCheckpoint

	autoApprove map[string]bool
}

// NewStore creates a store. fs defaults to OSFS. db may be nil for a
// purely in-memory store (tests, ephemeral sessions); when non-nil,
// previously persisted threads and the approval policy are loaded.
func NewStore(fs FS, logger *slog.Logger, db *DB) *Store {
	if fs == nil {
		fs = OSFS{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		fs:          fs,
		logger:      logger.With("component", "store"),
		db:          db,
		threads:     make(map[string]*Thread),
		autoApprove: make(map[string]bool),
	}

	if db != nil {
		threads, err := db.LoadThreads()
		if err != nil {
			s.logger.Error("load threads", "error", err)
		}
		for _, t := range threads {
			s.threads[t.ID] = t
			s.order = append(s.order, t.ID)
		}
		approvals, err := db.LoadApprovals()
		if err != nil {
			s.logger.Error("load approvals", "error", err)
		}
		for k, v := range approvals {
			s.autoApprove[k] = v
		}
	}

	return s
}

func newID() string { return uuid.NewString() }

// CreateThread creates a new thread and makes it current. Switching
// threads drops transient pending-change and checkpoint state.
func (s *Store) CreateThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	t := &Thread{
		ID:           newID(),
		CreatedAt:    now,
		LastModified: now,
		State:        StateIdle,
	}
	s.threads[t.ID] = t
	s.order = append(s.order, t.ID)
	s.current = t.ID
	s.pending = nil
	s.checkpoints = nil

	s.persistLocked(t)
	s.logger.Debug("thread created", "thread_id", t.ID)
	return t.ID
}

// SetCurrentThread switches the current thread. Transient rollback
// state belongs to the live turn and is discarded.
func (s *Store) SetCurrentThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return fmt.Errorf("unknown thread %s", id)
	}
	s.current = id
	s.pending = nil
	s.checkpoints = nil
	return nil
}

// CurrentThreadID returns the current thread's ID, or "".
func (s *Store) CurrentThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// CurrentThread returns a copy of the current thread.
func (s *Store) CurrentThread() (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[s.current]
	if !ok {
		return Thread{}, false
	}
	return copyThread(t), true
}

// Thread returns a copy of the identified thread.
func (s *Store) Thread(id string) (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, false
	}
	return copyThread(t), true
}

// Threads returns copies of all threads, oldest first.
func (s *Store) Threads() []Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Thread, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.threads[id]; ok {
			out = append(out, copyThread(t))
		}
	}
	return out
}

// Messages returns a copy of the current thread's message list.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[s.current]
	if !ok {
		return nil
	}
	out := make([]Message, len(t.Messages))
	copy(out, t.Messages)
	return out
}

// copyThread shallow-copies the thread with a fresh message slice.
// Messages themselves are copy-on-write, so sharing the elements is
// safe for readers.
func copyThread(t *Thread) Thread {
	cp := *t
	cp.Messages = make([]Message, len(t.Messages))
	copy(cp.Messages, t.Messages)
	cp.ContextItems = append([]ContextItem(nil), t.ContextItems...)
	return cp
}

// SetThreadState updates the current thread's stream phase.
func (s *Store) SetThreadState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[s.current]; ok {
		t.State = state
	}
}

// ThreadState returns the current thread's stream phase.
func (s *Store) ThreadState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.threads[s.current]; ok {
		return t.State
	}
	return StateIdle
}

// AddUserMessage appends a user message to the current thread,
// creating a thread first if none exists.
func (s *Store) AddUserMessage(content string, items []ContextItem) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.currentLocked()
	msg := &UserMessage{
		ID:           newID(),
		Content:      content,
		ContextItems: append([]ContextItem(nil), items...),
		Timestamp:    time.Now(),
	}
	t.Messages = append(t.Messages, msg)
	t.LastModified = msg.Timestamp
	s.persistLocked(t)
	return msg.ID
}

// AddAssistantMessage appends an empty streaming placeholder and
// returns its ID.
func (s *Store) AddAssistantMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.currentLocked()
	msg := &AssistantMessage{
		ID:          newID(),
		IsStreaming: true,
		ToolCalls:   make(map[string]*ToolCall),
		Timestamp:   time.Now(),
	}
	t.Messages = append(t.Messages, msg)
	t.LastModified = msg.Timestamp
	return msg.ID
}

// currentLocked returns the current thread, creating one if needed.
func (s *Store) currentLocked() *Thread {
	if t, ok := s.threads[s.current]; ok {
		return t
	}
	now := time.Now()
	t := &Thread{
		ID:           newID(),
		CreatedAt:    now,
		LastModified: now,
		State:        StateIdle,
	}
	s.threads[t.ID] = t
	s.order = append(s.order, t.ID)
	s.current = t.ID
	return t
}

// AppendToAssistant appends a text delta to a streaming assistant
// message. The delta merges into the trailing text part if one is
// open, otherwise a new text part opens; tool-call parts between text
// runs keep their original interleaved order.
func (s *Store) AppendToAssistant(msgID, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateAssistantLocked(msgID, func(m *AssistantMessage) {
		m.Content += delta
		if n := len(m.Parts); n > 0 {
			if tp, ok := m.Parts[n-1].(TextPart); ok && tp.Open {
				m.Parts[n-1] = TextPart{Text: tp.Text + delta, Open: true}
				return
			}
		}
		m.Parts = append(m.Parts, TextPart{Text: delta, Open: true})
	})
}

// AddToolCallPart records a tool call on a streaming assistant
// message. Idempotent: a duplicate call ID is a no-op. The call starts
// in status pending and any open text part is closed.
func (s *Store) AddToolCallPart(msgID, callID, name string, args map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateAssistantLocked(msgID, func(m *AssistantMessage) {
		if _, exists := m.ToolCalls[callID]; exists {
			return
		}
		if n := len(m.Parts); n > 0 {
			if tp, ok := m.Parts[n-1].(TextPart); ok && tp.Open {
				m.Parts[n-1] = TextPart{Text: tp.Text, Open: false}
			}
		}
		m.Parts = append(m.Parts, ToolCallPart{CallID: callID})
		m.ToolCalls[callID] = &ToolCall{
			ID:        callID,
			Name:      name,
			Arguments: args,
			Status:    StatusPending,
		}
	})
}

// UpdateToolCall applies a partial update to a tool call. The parts
// view and the tool-call index reference the same call object, so the
// update is a single state transition; the UI can never observe the
// two views diverging.
func (s *Store) UpdateToolCall(msgID, callID string, upd ToolCallUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing bool
	err := s.mutateAssistantLocked(msgID, func(m *AssistantMessage) {
		call, ok := m.ToolCalls[callID]
		if !ok {
			missing = true
			return
		}
		cp := call.clone()
		if upd.Name != nil {
			cp.Name = *upd.Name
		}
		if upd.Arguments != nil {
			cp.Arguments = upd.Arguments
		}
		if upd.Status != nil {
			cp.Status = *upd.Status
		}
		if upd.Result != nil {
			cp.Result = *upd.Result
		}
		if upd.Error != nil {
			cp.Error = *upd.Error
		}
		m.ToolCalls[callID] = cp
	})
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("unknown tool call %s in message %s", callID, msgID)
	}
	return nil
}

// ToolCallByID finds a tool call in the current thread.
func (s *Store) ToolCallByID(callID string) (msgID string, call ToolCall, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, found := s.threads[s.current]
	if !found {
		return "", ToolCall{}, false
	}
	for _, msg := range t.Messages {
		am, isAssistant := msg.(*AssistantMessage)
		if !isAssistant {
			continue
		}
		if c, exists := am.ToolCalls[callID]; exists {
			return am.ID, *c.clone(), true
		}
	}
	return "", ToolCall{}, false
}

// FinalizeAssistant marks a streaming assistant message complete and
// persists the thread.
func (s *Store) FinalizeAssistant(msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.mutateAssistantLocked(msgID, func(m *AssistantMessage) {
		m.IsStreaming = false
		if n := len(m.Parts); n > 0 {
			if tp, ok := m.Parts[n-1].(TextPart); ok && tp.Open {
				m.Parts[n-1] = TextPart{Text: tp.Text, Open: false}
			}
		}
	})
	if err != nil {
		return err
	}
	if t, ok := s.threads[s.current]; ok {
		t.LastModified = time.Now()
		s.persistLocked(t)
	}
	return nil
}

// ResetAssistant discards everything a streaming assistant message has
// accumulated: content, text parts, and assembled tool calls. Used when
// a stream fails partway and the attempt is replayed into the same
// message, so the replay does not duplicate the failed attempt's
// output.
func (s *Store) ResetAssistant(msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateAssistantLocked(msgID, func(m *AssistantMessage) {
		m.Content = ""
		m.Parts = nil
		m.ToolCalls = make(map[string]*ToolCall)
		m.IsStreaming = true
	})
}

// mutateAssistantLocked applies fn to a copy of the assistant message
// and swaps the copy in. Copy-on-write keeps previously returned
// message snapshots stable.
func (s *Store) mutateAssistantLocked(msgID string, fn func(*AssistantMessage)) error {
	t, ok := s.threads[s.current]
	if !ok {
		return fmt.Errorf("no current thread")
	}
	for i, msg := range t.Messages {
		am, isAssistant := msg.(*AssistantMessage)
		if !isAssistant || am.ID != msgID {
			continue
		}
		cp := *am
		cp.Parts = append([]Part(nil), am.Parts...)
		cp.ToolCalls = make(map[string]*ToolCall, len(am.ToolCalls))
		for k, v := range am.ToolCalls {
			cp.ToolCalls[k] = v
		}
		fn(&cp)
		msgs := append([]Message(nil), t.Messages...)
		msgs[i] = &cp
		t.Messages = msgs
		return nil
	}
	return fmt.Errorf("assistant message %s not found", msgID)
}

// AddToolResult appends a tool result message and returns its ID.
func (s *Store) AddToolResult(toolCallID, name, content, typ string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.currentLocked()
	msg := &ToolResultMessage{
		ID:         newID(),
		ToolCallID: toolCallID,
		Name:       name,
		Content:    content,
		Type:       typ,
		Timestamp:  time.Now(),
	}
	t.Messages = append(t.Messages, msg)
	t.LastModified = msg.Timestamp
	s.persistLocked(t)
	return msg.ID
}

// AddInterruptedToolMarker appends a marker noting that in-flight tool
// calls were aborted. Decorative; never sent to the model.
func (s *Store) AddInterruptedToolMarker() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.currentLocked()
	msg := &InterruptedToolMessage{ID: newID(), Timestamp: time.Now()}
	t.Messages = append(t.Messages, msg)
	return msg.ID
}

// CreateMessageCheckpoint opens a rollback point tied to a message,
// seeding it with copies of the current pending changes' snapshots.
// One is created per user turn, before any tool runs.
func (s *Store) CreateMessageCheckpoint(messageID, description string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make(map[string]FileSnapshot, len(s.pending))
	for _, pc := range s.pending {
		snaps[pc.FilePath] = copySnapshot(pc.Snapshot)
	}

	cp := MessageCheckpoint{
		ID:            newID(),
		MessageID:     messageID,
		Timestamp:     time.Now(),
		FileSnapshots: snaps,
		Description:   description,
	}
	s.checkpoints = append(s.checkpoints, cp)

	t := s.currentLocked()
	t.Messages = append(t.Messages, &CheckpointMessage{
		ID:           newID(),
		Kind:         CheckpointUserMessage,
		CheckpointID: cp.ID,
		Timestamp:    cp.Timestamp,
	})

	s.logger.Debug("checkpoint created", "checkpoint_id", cp.ID, "message_id", messageID)
	return cp.ID
}

// AddSnapshotToCurrentCheckpoint records a file's pre-mutation content
// in the latest checkpoint. First write wins: if the path is already
// present, the call is a no-op, so the checkpoint keeps the oldest
// state of each file within the turn.
func (s *Store) AddSnapshotToCurrentCheckpoint(path string, content *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.checkpoints) == 0 {
		s.logger.Warn("snapshot with no open checkpoint", "path", path)
		return
	}
	cp := &s.checkpoints[len(s.checkpoints)-1]
	if _, exists := cp.FileSnapshots[path]; exists {
		return
	}
	cp.FileSnapshots[path] = copySnapshot(FileSnapshot{Path: path, Content: content})
}

func copySnapshot(snap FileSnapshot) FileSnapshot {
	if snap.Content == nil {
		return FileSnapshot{Path: snap.Path}
	}
	c := *snap.Content
	return FileSnapshot{Path: snap.Path, Content: &c}
}

// AddPendingChange registers a filesystem mutation for later accept or
// undo. Merged by file path: a second change to the same path keeps
// the first snapshot and accumulates the line deltas.
func (s *Store) AddPendingChange(change PendingChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.pending {
		if s.pending[i].FilePath != change.FilePath {
			continue
		}
		s.pending[i].ToolCallID = change.ToolCallID
		s.pending[i].ToolName = change.ToolName
		s.pending[i].LinesAdded += change.LinesAdded
		s.pending[i].LinesRemoved += change.LinesRemoved
		s.pending[i].Status = ChangePending
		return
	}

	if change.ID == "" {
		change.ID = newID()
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}
	if change.Status == "" {
		change.Status = ChangePending
	}
	change.Snapshot = copySnapshot(change.Snapshot)
	s.pending = append(s.pending, change)
}

// PendingChanges returns a copy of the pending change list.
func (s *Store) PendingChanges() []PendingChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PendingChange, len(s.pending))
	for i, pc := range s.pending {
		pc.Snapshot = copySnapshot(pc.Snapshot)
		out[i] = pc
	}
	return out
}

// Checkpoints returns a copy of the checkpoint list, oldest first.
func (s *Store) Checkpoints() []MessageCheckpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MessageCheckpoint, len(s.checkpoints))
	for i, cp := range s.checkpoints {
		snaps := make(map[string]FileSnapshot, len(cp.FileSnapshots))
		for k, v := range cp.FileSnapshots {
			snaps[k] = copySnapshot(v)
		}
		cp.FileSnapshots = snaps
		out[i] = cp
	}
	return out
}

// RestoreToCheckpoint rolls the filesystem and the transcript back to
// the state before the checkpoint's message. The restore set is the
// union of snapshots from the checkpoint onward plus current pending
// changes, earliest snapshot winning per file. File writes are best
// effort: per-file failures are collected and the rest of the restore
// proceeds. The message list is truncated at the checkpoint's message
// and the checkpoint list at the checkpoint itself. The second return
// is false when no checkpoint has the given id.
func (s *Store) RestoreToCheckpoint(id string) (RestoreResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, cp := range s.checkpoints {
		if cp.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return RestoreResult{}, false
	}

	// Earliest snapshot wins: checkpoints are in creation order, so a
	// path's first appearance from idx onward is its oldest state in
	// the restored range. Pending changes fill in files touched before
	// the range whose undo state is still live.
	restore := make(map[string]FileSnapshot)
	var order []string
	for _, cp := range s.checkpoints[idx:] {
		for path, snap := range cp.FileSnapshots {
			if _, seen := restore[path]; !seen {
				restore[path] = snap
				order = append(order, path)
			}
		}
	}
	for _, pc := range s.pending {
		if _, seen := restore[pc.FilePath]; !seen {
			restore[pc.FilePath] = pc.Snapshot
			order = append(order, pc.FilePath)
		}
	}

	result := RestoreResult{}
	for _, path := range order {
		snap := restore[path]
		var err error
		if snap.Content == nil {
			err = s.fs.Remove(path)
		} else {
			err = s.fs.WriteFile(path, *snap.Content)
		}
		if err != nil {
			result.Errors = append(result.Errors, FileError{Path: path, Err: err.Error()})
			continue
		}
		result.RestoredFiles = append(result.RestoredFiles, path)
	}
	result.Success = len(result.Errors) == 0

	// Truncate transcript at the checkpoint's message.
	cp := s.checkpoints[idx]
	if t, ok := s.threads[s.current]; ok {
		for i, msg := range t.Messages {
			if msg.MessageID() == cp.MessageID {
				t.Messages = append([]Message(nil), t.Messages[:i]...)
				break
			}
		}
		t.LastModified = time.Now()
		s.persistLocked(t)
	}

	s.checkpoints = append([]MessageCheckpoint(nil), s.checkpoints[:idx]...)
	s.pending = nil

	s.logger.Info("restored to checkpoint",
		"checkpoint_id", id,
		"restored_files", len(result.RestoredFiles),
		"errors", len(result.Errors),
	)
	return result, true
}

// AcceptChange drops the pending change for a path without touching
// the filesystem; the change is already on disk and accepting just
// stops offering undo. Returns false if no change exists for the path.
func (s *Store) AcceptChange(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pending {
		if s.pending[i].FilePath == path {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// AcceptAllChanges drops all pending-change bookkeeping and returns
// how many changes were accepted.
func (s *Store) AcceptAllChanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	s.pending = nil
	return n
}

// UndoChange writes the pending change's snapshot back (or deletes the
// file for a nil-content snapshot) and removes it from the list.
func (s *Store) UndoChange(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.pending {
		if s.pending[i].FilePath != path {
			continue
		}
		if err := s.undoWriteLocked(s.pending[i]); err != nil {
			return err
		}
		s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
		return nil
	}
	return fmt.Errorf("no pending change for %s", path)
}

// UndoAllChanges undoes every pending change, best effort. Per-file
// failures are collected; failed changes stay pending.
func (s *Store) UndoAllChanges() []FileError {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []FileError
	var remaining []PendingChange
	for _, pc := range s.pending {
		if err := s.undoWriteLocked(pc); err != nil {
			errs = append(errs, FileError{Path: pc.FilePath, Err: err.Error()})
			remaining = append(remaining, pc)
		}
	}
	s.pending = remaining
	return errs
}

func (s *Store) undoWriteLocked(pc PendingChange) error {
	if pc.Snapshot.Content == nil {
		return s.fs.Remove(pc.FilePath)
	}
	return s.fs.WriteFile(pc.FilePath, *pc.Snapshot.Content)
}

// SetAutoApprove updates the persisted auto-approve policy for an
// approval category (edits, terminal, dangerous).
func (s *Store) SetAutoApprove(category string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoApprove[category] = enabled
	if s.db != nil {
		if err := s.db.SaveApproval(category, enabled); err != nil {
			s.logger.Error("persist approval", "category", category, "error", err)
		}
	}
}

// AutoApproved reports whether an approval category is auto-approved.
func (s *Store) AutoApproved(category string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoApprove[category]
}

// persistLocked writes the thread through to the database, if any.
func (s *Store) persistLocked(t *Thread) {
	if s.db == nil {
		return
	}
	if err := s.db.SaveThread(t); err != nil {
		s.logger.Error("persist thread", "thread_id", t.ID, "error", err)
	}
}
