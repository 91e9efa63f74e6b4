package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newSearchWorkspace(t *testing.T, files map[string]string) *Workspace {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return NewWorkspace(root, nil, nil)
}

func TestGlobSearch(t *testing.T) {
	w := newSearchWorkspace(t, map[string]string{
		"main.go":             "package main",
		"internal/a/a.go":     "package a",
		"internal/a/a_test.go": "package a",
		"docs/readme.md":      "# readme",
		".git/config":         "[core]",
	})
	r := NewRegistry()
	RegisterSearchTools(r, w)

	out, err := callTool(t, r, "glob_search", map[string]any{"pattern": "**/*.go"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"main.go", "internal/a/a.go", "internal/a/a_test.go"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %q", want, out)
		}
	}
	if strings.Contains(out, "readme.md") || strings.Contains(out, ".git") {
		t.Errorf("unexpected match in %q", out)
	}

	out, err = callTool(t, r, "glob_search", map[string]any{"pattern": "**/*.rs"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "No files matched." {
		t.Errorf("empty result = %q", out)
	}

	if _, err := callTool(t, r, "glob_search", map[string]any{"pattern": "[bad"}); err == nil {
		t.Error("invalid pattern should fail validation")
	}
}

func TestGlobSearchResultCap(t *testing.T) {
	files := make(map[string]string, maxGlobResults+10)
	for i := range maxGlobResults + 10 {
		files[fmt.Sprintf("gen/f%04d.go", i)] = "package gen"
	}
	w := newSearchWorkspace(t, files)
	r := NewRegistry()
	RegisterSearchTools(r, w)

	out, err := callTool(t, r, "glob_search", map[string]any{"pattern": "**/*.go"})
	if err != nil {
		t.Fatalf("capped search should stop cleanly, got %v", err)
	}
	if !strings.Contains(out, fmt.Sprintf("(truncated at %d results)", maxGlobResults)) {
		t.Errorf("missing truncation marker in %q", out[len(out)-80:])
	}
	lines := strings.Count(out, "\n")
	if lines != maxGlobResults {
		t.Errorf("got %d result lines, want %d", lines, maxGlobResults)
	}
}

func TestGrepSearch(t *testing.T) {
	w := newSearchWorkspace(t, map[string]string{
		"a.go":      "package a\nfunc Hello() {}\n",
		"b.go":      "package b\nfunc hello() {}\n",
		"notes.txt": "Hello notes\n",
	})
	r := NewRegistry()
	RegisterSearchTools(r, w)

	out, err := callTool(t, r, "grep_search", map[string]any{"pattern": `func H\w+`})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "a.go:2:func Hello() {}") {
		t.Errorf("missing match in %q", out)
	}
	if strings.Contains(out, "b.go") {
		t.Errorf("case mismatch leaked: %q", out)
	}

	out, err = callTool(t, r, "grep_search", map[string]any{"pattern": "Hello", "glob": "*.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "notes.txt:1:Hello notes") || strings.Contains(out, "a.go") {
		t.Errorf("glob-restricted result = %q", out)
	}

	out, err = callTool(t, r, "grep_search", map[string]any{"pattern": "nomatchanywhere"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "No matches found." {
		t.Errorf("empty result = %q", out)
	}

	if _, err := callTool(t, r, "grep_search", map[string]any{"pattern": "("}); err == nil {
		t.Error("invalid regexp should fail validation")
	}
}

func TestGrepSkipsBinary(t *testing.T) {
	w := newSearchWorkspace(t, map[string]string{
		"bin.dat": "match\x00here",
		"ok.txt":  "match here",
	})
	r := NewRegistry()
	RegisterSearchTools(r, w)

	out, err := callTool(t, r, "grep_search", map[string]any{"pattern": "match"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "bin.dat") {
		t.Errorf("binary file searched: %q", out)
	}
	if !strings.Contains(out, "ok.txt") {
		t.Errorf("text file missed: %q", out)
	}
}
