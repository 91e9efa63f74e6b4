// Package tools defines the tools available to the agent and the
// execution engine that runs them: argument validation, workspace
// sandboxing, snapshot-before-mutate, timeouts, and tool-aware result
// truncation.
package tools

import (
	"context"
	"sort"

	"github.com/loom-editor/loom/internal/llm"
)

// Category is a tool's approval bucket. Read tools never prompt;
// the side-effecting categories prompt unless auto-approved.
type Category string

const (
	CategoryRead      Category = "read"
	CategoryEdits     Category = "edits"
	CategoryTerminal  Category = "terminal"
	CategoryDangerous Category = "dangerous"
)

// SideEffecting reports whether the category mutates external state
// and is therefore subject to approval policy and serial scheduling.
func (c Category) SideEffecting() bool {
	return c != CategoryRead
}

// TruncateMode selects the truncation strategy for a tool's output.
type TruncateMode int

const (
	// TruncateHead keeps the beginning of the output (file content,
	// listings, where the front matters most).
	TruncateHead TruncateMode = iota
	// TruncateHeadTail keeps the beginning and the end (command
	// output, where the tail usually carries the error).
	TruncateHeadTail
)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Category    Category
	// Parameters is the JSON Schema advertised to the model.
	Parameters map[string]any
	// Handler executes the call. Arguments arrive pre-validated by
	// Validate.
	Handler func(ctx context.Context, args map[string]any) (string, error)
	// Validate parses and checks the arguments. Required.
	Validate func(args map[string]any) error
	// Target resolves the workspace-absolute file path the call will
	// mutate, for snapshot-before-mutate. Nil for tools without a
	// single file target (read tools, run_command).
	Target func(args map[string]any) (string, error)
	// Truncate selects the output truncation strategy.
	Truncate TruncateMode
}

// Registry holds the available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty registry. Builtins are registered by
// the constructors in this package (workspace file tools, search
// tools, shell, LSP).
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. A duplicate name replaces the previous entry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool name is known. The orchestrator uses this
// to drop hallucinated tool references before they reach the UI.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the provider-neutral tool declarations for a chat
// request, sorted by name for a stable prompt.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return specs
}

// Category returns a tool's approval category, defaulting to the most
// restrictive for unknown names.
func (r *Registry) Category(name string) Category {
	if t, ok := r.tools[name]; ok {
		return t.Category
	}
	return CategoryDangerous
}
