package api

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/loom-editor/loom/internal/thread"
)

// RenderTranscriptHTML renders the transcript as a self-contained HTML
// fragment: assistant markdown through goldmark, everything else
// escaped. Checkpoint and interrupted markers render as dividers.
func RenderTranscriptHTML(msgs []thread.Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		switch msg := m.(type) {
		case *thread.UserMessage:
			fmt.Fprintf(&b, "<div class=\"msg user\"><pre>%s</pre></div>\n", html.EscapeString(msg.Content))

		case *thread.AssistantMessage:
			rendered, err := markdownToHTML(msg.Content)
			if err != nil {
				return "", err
			}
			b.WriteString("<div class=\"msg assistant\">")
			b.WriteString(rendered)
			for _, call := range msg.OrderedToolCalls() {
				fmt.Fprintf(&b, "<div class=\"tool-call %s\">%s</div>",
					html.EscapeString(string(call.Status)),
					html.EscapeString(call.Name))
			}
			b.WriteString("</div>\n")

		case *thread.ToolResultMessage:
			fmt.Fprintf(&b, "<details class=\"tool-result\"><summary>%s</summary><pre>%s</pre></details>\n",
				html.EscapeString(msg.Name),
				html.EscapeString(msg.Content))

		case *thread.CheckpointMessage:
			fmt.Fprintf(&b, "<hr class=\"checkpoint\" data-kind=%q>\n", msg.Kind)

		case *thread.InterruptedToolMessage:
			b.WriteString("<hr class=\"interrupted\">\n")
		}
	}
	return b.String(), nil
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
