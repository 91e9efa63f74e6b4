package prompts

import (
	"strings"
	"testing"
)

func TestBaseSystemPrompt(t *testing.T) {
	p := BaseSystemPrompt()
	if p == "" {
		t.Fatal("empty system prompt")
	}
	for _, want := range []string{"edit_file", "workspace", "approval"} {
		if !strings.Contains(p, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestObserveDiagnostics(t *testing.T) {
	got := ObserveDiagnostics("error: foo.go:3 undefined: bar")
	if !strings.HasPrefix(got, "The last edits introduced diagnostics:\n") {
		t.Errorf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "undefined: bar") {
		t.Errorf("report not included: %q", got)
	}
}
