package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Per-tool parameter structs. Arguments arrive from the model as loose
// key→value maps; each tool decodes them into its own struct and
// rejects missing or mistyped fields before anything executes.

// ReadFileParams are the arguments for read_file.
type ReadFileParams struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ListDirectoryParams are the arguments for list_directory.
type ListDirectoryParams struct {
	Path string `json:"path"`
}

// GlobSearchParams are the arguments for glob_search.
type GlobSearchParams struct {
	Pattern string `json:"pattern"`
}

// GrepSearchParams are the arguments for grep_search.
type GrepSearchParams struct {
	Pattern string `json:"pattern"`
	Glob    string `json:"glob,omitempty"`
}

// WriteFileParams are the arguments for write_file.
type WriteFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// EditFileParams are the arguments for edit_file.
type EditFileParams struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

// CreateDirectoryParams are the arguments for create_directory.
type CreateDirectoryParams struct {
	Path string `json:"path"`
}

// DeleteParams are the arguments for delete_file_or_folder.
type DeleteParams struct {
	Path string `json:"path"`
}

// RunCommandParams are the arguments for run_command.
type RunCommandParams struct {
	Command    string `json:"command"`
	Cwd        string `json:"cwd,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// LSPPathParams are the arguments for path-only LSP queries
// (lsp_diagnostics, lsp_symbols).
type LSPPathParams struct {
	Path string `json:"path"`
}

// LSPPositionParams are the arguments for position-based LSP queries
// (lsp_definition, lsp_references, lsp_hover).
type LSPPositionParams struct {
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

// decodeParams converts a loose argument map into a typed parameter
// struct. Unknown keys are rejected so a schema drift between the
// advertised parameters and the struct shows up as a tool error the
// model can correct.
func decodeParams[T any](args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("encode arguments: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("invalid arguments: %w", err)
	}
	return out, nil
}

// requireString checks that a decoded string field is present.
func requireString(field, value string) error {
	if value == "" {
		return fmt.Errorf("missing required argument %q", field)
	}
	return nil
}
