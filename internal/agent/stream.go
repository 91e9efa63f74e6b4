package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/loom-editor/loom/internal/events"
	"github.com/loom-editor/loom/internal/llm"
	"github.com/loom-editor/loom/internal/thread"
	"github.com/loom-editor/loom/internal/tools"
)

// assembler folds a stream of model events into the in-progress
// assistant message: text deltas append, tool-call events build up the
// call's name and arguments incrementally. Unknown tool names are
// dropped at the start event and never reach the store.
type assembler struct {
	store    *thread.Store
	registry *tools.Registry
	bus      *events.Bus
	logger   *slog.Logger
	threadID string
	msgID    string

	buffers map[string]*strings.Builder
	skipped map[string]bool
	order   []string
	resp    *llm.ChatResponse
}

func newAssembler(store *thread.Store, registry *tools.Registry, bus *events.Bus, logger *slog.Logger, threadID, msgID string) *assembler {
	return &assembler{
		store:    store,
		registry: registry,
		bus:      bus,
		logger:   logger,
		threadID: threadID,
		msgID:    msgID,
		buffers:  make(map[string]*strings.Builder),
		skipped:  make(map[string]bool),
	}
}

// consume drains the event channel until a terminal event or context
// cancellation. A KindError terminal event is returned as the error.
func (a *assembler) consume(ctx context.Context, ch <-chan llm.StreamEvent) error {
	for {
		select {
		case <-ctx.Done():
			// Drain in the background so the provider goroutine can
			// close the body and exit.
			go func() {
				for range ch {
				}
			}()
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if done, err := a.handle(ev); done {
				return err
			}
		}
	}
}

func (a *assembler) handle(ev llm.StreamEvent) (done bool, err error) {
	switch ev.Kind {
	case llm.KindText:
		if ev.Text == "" {
			return false, nil
		}
		if err := a.store.AppendToAssistant(a.msgID, ev.Text); err != nil {
			a.logger.Warn("append text delta", "error", err)
			return false, nil
		}
		a.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindTextDelta,
			Data:   map[string]any{"thread_id": a.threadID, "message_id": a.msgID, "text": ev.Text},
		})

	case llm.KindToolCallStart:
		if !a.registry.Has(ev.ToolName) {
			a.logger.Debug("dropping unknown tool reference", "tool", ev.ToolName, "call_id", ev.ToolCallID)
			a.skipped[ev.ToolCallID] = true
			return false, nil
		}
		a.order = append(a.order, ev.ToolCallID)
		a.buffers[ev.ToolCallID] = &strings.Builder{}
		if err := a.store.AddToolCallPart(a.msgID, ev.ToolCallID, ev.ToolName, map[string]any{}); err != nil {
			a.logger.Warn("add tool call part", "error", err)
		}

	case llm.KindToolCallDelta:
		if a.skipped[ev.ToolCallID] {
			return false, nil
		}
		buf, ok := a.buffers[ev.ToolCallID]
		if !ok {
			return false, nil
		}
		buf.WriteString(ev.ArgsDelta)
		// Best-effort partial parse keeps the UI's argument view live
		// while the JSON is still incomplete.
		if args, ok := completePartialJSON(buf.String()); ok {
			a.updateArgs(ev.ToolCallID, args)
		}

	case llm.KindToolCallEnd:
		if a.skipped[ev.ToolCallID] {
			return false, nil
		}
		raw := ev.ArgsJSON
		if raw == "" {
			if buf, ok := a.buffers[ev.ToolCallID]; ok {
				raw = buf.String()
			}
		}
		a.updateArgs(ev.ToolCallID, parseFinalArgs(raw))

	case llm.KindDone:
		a.resp = ev.Response
		return true, nil

	case llm.KindError:
		return true, ev.Err
	}
	return false, nil
}

func (a *assembler) updateArgs(callID string, args map[string]any) {
	if err := a.store.UpdateToolCall(a.msgID, callID, thread.ToolCallUpdate{Arguments: args}); err != nil {
		a.logger.Warn("update tool call arguments", "call_id", callID, "error", err)
	}
}

// parseFinalArgs is the hard parse at stream end. Arguments that still
// fail to parse are preserved under _raw so validation rejects them
// with a message the model can read.
func parseFinalArgs(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// completePartialJSON attempts to close an in-flight JSON object by
// appending the closing quotes, brackets, and braces its prefix is
// missing, then parsing the result. Returns false when the prefix
// cannot be completed into a valid object yet.
func completePartialJSON(prefix string) (map[string]any, bool) {
	s := strings.TrimSpace(prefix)
	if s == "" || s[0] != '{' {
		return nil, false
	}

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return nil, false
			}
			stack = stack[:len(stack)-1]
		}
	}

	if escaped {
		s = s[:len(s)-1]
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return nil, false
	}
	return args, true
}
