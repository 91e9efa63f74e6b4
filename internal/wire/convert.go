// Package wire maps a thread's internal message list to the
// provider-neutral sequence a tool-augmented chat completion request
// requires, preserving tool-call/tool-result adjacency.
package wire

import (
	"fmt"

	"github.com/loom-editor/loom/internal/llm"
	"github.com/loom-editor/loom/internal/thread"
)

// BuildMessages produces the minimal valid wire sequence for the given
// transcript.
//
// Checkpoint and interrupted-tool markers are filtered out. For each
// assistant message only the tool calls with a matching result
// elsewhere in the thread are included; an assistant message with no
// matched calls but non-empty content becomes a plain assistant turn,
// and one with only unmatched calls and empty content is dropped
// entirely. Each tool-call-bearing assistant entry is immediately
// followed by one tool-result entry per matched call, in declaration
// order. Orphaned tool results (no prior matching call) are dropped.
func BuildMessages(msgs []thread.Message) []llm.Message {
	// Index results by call ID. A call's first result wins.
	results := make(map[string]*thread.ToolResultMessage)
	for _, m := range msgs {
		if tr, ok := m.(*thread.ToolResultMessage); ok {
			if _, seen := results[tr.ToolCallID]; !seen {
				results[tr.ToolCallID] = tr
			}
		}
	}

	var out []llm.Message
	for _, m := range msgs {
		switch msg := m.(type) {
		case *thread.UserMessage:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: userContent(msg)})

		case *thread.AssistantMessage:
			out = append(out, assistantEntries(msg, results)...)

		case *thread.ToolResultMessage:
			// Emitted adjacent to its assistant message, not in place.

		case *thread.CheckpointMessage, *thread.InterruptedToolMessage:
			// Transcript decoration; never sent to the model.
		}
	}
	return out
}

// userContent renders a user message with its attached context items.
func userContent(msg *thread.UserMessage) string {
	content := msg.Content
	for _, item := range msg.ContextItems {
		if item.Content == "" {
			continue
		}
		content += fmt.Sprintf("\n\n[%s: %s]\n%s", item.Type, item.Path, item.Content)
	}
	return content
}

// assistantEntries converts one assistant message plus the results
// matching its calls into adjacent wire entries.
func assistantEntries(msg *thread.AssistantMessage, results map[string]*thread.ToolResultMessage) []llm.Message {
	var matched []llm.ToolCall
	var matchedResults []*thread.ToolResultMessage
	for _, call := range msg.OrderedToolCalls() {
		tr, ok := results[call.ID]
		if !ok {
			continue
		}
		matched = append(matched, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
		matchedResults = append(matchedResults, tr)
	}

	if len(matched) == 0 {
		if msg.Content == "" {
			// Unmatched calls with no text would violate the
			// call/result adjacency rule; drop the message.
			return nil
		}
		return []llm.Message{{Role: llm.RoleAssistant, Content: msg.Content}}
	}

	out := make([]llm.Message, 0, 1+len(matched))
	out = append(out, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   msg.Content,
		ToolCalls: matched,
	})
	for _, tr := range matchedResults {
		out = append(out, llm.Message{
			Role:       llm.RoleTool,
			Content:    tr.Content,
			ToolCallID: tr.ToolCallID,
			ToolName:   tr.Name,
		})
	}
	return out
}

// Validate checks the tool-call reference invariant on a wire
// sequence: every tool-role entry must reference a call declared by a
// preceding assistant entry. A violation is a programming error in the
// conversion, not a runtime condition to retry.
func Validate(msgs []llm.Message) error {
	declared := make(map[string]bool)
	for i, m := range msgs {
		switch m.Role {
		case llm.RoleAssistant:
			for _, call := range m.ToolCalls {
				declared[call.ID] = true
			}
		case llm.RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("wire message %d: tool result without call id", i)
			}
			if !declared[m.ToolCallID] {
				return fmt.Errorf("wire message %d: tool result references undeclared call %s", i, m.ToolCallID)
			}
		}
	}
	return nil
}
