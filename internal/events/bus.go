// Package events provides a publish/subscribe event bus feeding the
// editor UI. Events flow from components (agent loop, tool engine,
// thread store) to subscribers (the WebSocket handler). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceTools identifies events from tool execution.
	SourceTools = "tools"
	// SourceThread identifies events from the thread store
	// (checkpoints, pending changes).
	SourceThread = "thread"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChanged signals a thread stream-phase transition.
	// Data: thread_id, state.
	KindStateChanged = "state_changed"
	// KindTextDelta carries a streamed assistant text fragment.
	// Data: thread_id, message_id, text.
	KindTextDelta = "text_delta"
	// KindToolCallUpdate signals a tool call status transition.
	// Data: thread_id, call_id, tool, status.
	KindToolCallUpdate = "tool_call_update"
	// KindApprovalRequired signals a side-effecting call is waiting
	// for the user. Data: thread_id, call_id, tool, category.
	KindApprovalRequired = "approval_required"
	// KindTurnComplete signals the agent loop returned to idle.
	// Data: thread_id, iterations.
	KindTurnComplete = "turn_complete"
	// KindCheckpointCreated signals a new message checkpoint.
	// Data: thread_id, checkpoint_id, message_id.
	KindCheckpointCreated = "checkpoint_created"
	// KindChangesUpdated signals the pending-change set was modified.
	// Data: thread_id, pending.
	KindChangesUpdated = "changes_updated"
	// KindError signals a turn ended with a failure surfaced to the
	// user. Data: thread_id, error.
	KindError = "error"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
