package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}

// FileSystem is the filesystem surface tools execute against.
// Read returns (nil, nil) when the file does not exist; absence is a
// value here, not an error, because snapshots encode "did not exist"
// as nil content.
type FileSystem interface {
	Read(path string) (*string, error)
	Write(path string, content string) error
	Delete(path string) error
	MkdirAll(path string) error
	ReadDir(path string) ([]DirEntry, error)
	Stat(path string) (isDir bool, exists bool, err error)
}

// OSFileSystem is the default os-backed FileSystem.
type OSFileSystem struct{}

func (OSFileSystem) Read(path string) (*string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func (OSFileSystem) Write(path string, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (OSFileSystem) Delete(path string) error {
	return os.RemoveAll(path)
}

func (OSFileSystem) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (OSFileSystem) ReadDir(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, len(entries))
	for i, e := range entries {
		out[i] = DirEntry{Name: e.Name(), IsDir: e.IsDir()}
	}
	return out, nil
}

func (OSFileSystem) Stat(path string) (bool, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, err
	}
	return info.IsDir(), true, nil
}

// Workspace sandboxes file tools inside a root directory. Paths from
// the model resolve relative to the root and must not escape it;
// sensitive files may be read but never written or deleted.
type Workspace struct {
	root      string
	sensitive []string
	fs        FileSystem
}

// NewWorkspace creates a workspace rooted at root. fs defaults to the
// os-backed implementation.
func NewWorkspace(root string, sensitiveFiles []string, fs FileSystem) *Workspace {
	if fs == nil {
		fs = OSFileSystem{}
	}
	return &Workspace{
		root:      filepath.Clean(root),
		sensitive: sensitiveFiles,
		fs:        fs,
	}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// FS returns the underlying filesystem.
func (w *Workspace) FS() FileSystem { return w.fs }

// ResolvePath converts a model-supplied path to an absolute path
// inside the workspace. Returns an error if the path would escape.
func (w *Workspace) ResolvePath(path string) (string, error) {
	if w.root == "" {
		return "", fmt.Errorf("workspace not configured")
	}
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(w.root, path))
	}
	if abs != w.root && !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}

// resolveWritable resolves a path and rejects sensitive files.
func (w *Workspace) resolveWritable(path string) (string, error) {
	abs, err := w.ResolvePath(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", err
	}
	for _, s := range w.sensitive {
		if rel == filepath.Clean(s) {
			return "", fmt.Errorf("%s is a protected file and cannot be modified", rel)
		}
	}
	return abs, nil
}

// RegisterFileTools adds the workspace file tools to the registry.
func RegisterFileTools(r *Registry, w *Workspace) {
	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read the contents of a file in the workspace. Supports optional line offset and limit for large files.",
		Category:    CategoryRead,
		Truncate:    TruncateHead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":   map[string]any{"type": "string", "description": "Workspace-relative file path"},
				"offset": map[string]any{"type": "integer", "description": "1-indexed first line to read"},
				"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines to read"},
			},
			"required": []string{"path"},
		},
		Validate: func(args map[string]any) error {
			p, err := decodeParams[ReadFileParams](args)
			if err != nil {
				return err
			}
			if err := requireString("path", p.Path); err != nil {
				return err
			}
			_, err = w.ResolvePath(p.Path)
			return err
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[ReadFileParams](args)
			if err != nil {
				return "", err
			}
			return w.readFile(p)
		},
	})

	r.Register(&Tool{
		Name:        "list_directory",
		Description: "List the entries of a directory in the workspace. Directories are suffixed with '/'.",
		Category:    CategoryRead,
		Truncate:    TruncateHead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Workspace-relative directory path ('.' for the root)"},
			},
			"required": []string{"path"},
		},
		Validate: func(args map[string]any) error {
			p, err := decodeParams[ListDirectoryParams](args)
			if err != nil {
				return err
			}
			if err := requireString("path", p.Path); err != nil {
				return err
			}
			_, err = w.ResolvePath(p.Path)
			return err
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[ListDirectoryParams](args)
			if err != nil {
				return "", err
			}
			abs, err := w.ResolvePath(p.Path)
			if err != nil {
				return "", err
			}
			entries, err := w.fs.ReadDir(abs)
			if err != nil {
				return "", fmt.Errorf("read directory: %w", err)
			}
			var b strings.Builder
			for _, e := range entries {
				b.WriteString(e.Name)
				if e.IsDir {
					b.WriteString("/")
				}
				b.WriteString("\n")
			}
			if b.Len() == 0 {
				return "(empty directory)", nil
			}
			return b.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating it (and parent directories) if needed, or replacing it entirely.",
		Category:    CategoryEdits,
		Truncate:    TruncateHead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Workspace-relative file path"},
				"content": map[string]any{"type": "string", "description": "Full new file content"},
			},
			"required": []string{"path", "content"},
		},
		Validate: func(args map[string]any) error {
			p, err := decodeParams[WriteFileParams](args)
			if err != nil {
				return err
			}
			if err := requireString("path", p.Path); err != nil {
				return err
			}
			_, err = w.resolveWritable(p.Path)
			return err
		},
		Target: func(args map[string]any) (string, error) {
			p, err := decodeParams[WriteFileParams](args)
			if err != nil {
				return "", err
			}
			return w.resolveWritable(p.Path)
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[WriteFileParams](args)
			if err != nil {
				return "", err
			}
			abs, err := w.resolveWritable(p.Path)
			if err != nil {
				return "", err
			}
			if err := w.fs.Write(abs, p.Content); err != nil {
				return "", fmt.Errorf("write file: %w", err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(p.Content), p.Path), nil
		},
	})

	r.Register(&Tool{
		Name:        "edit_file",
		Description: "Replace one unique occurrence of old_text with new_text in a file. old_text must match exactly once.",
		Category:    CategoryEdits,
		Truncate:    TruncateHead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":     map[string]any{"type": "string", "description": "Workspace-relative file path"},
				"old_text": map[string]any{"type": "string", "description": "Exact text to replace; must be unique in the file"},
				"new_text": map[string]any{"type": "string", "description": "Replacement text"},
			},
			"required": []string{"path", "old_text", "new_text"},
		},
		Validate: func(args map[string]any) error {
			p, err := decodeParams[EditFileParams](args)
			if err != nil {
				return err
			}
			if err := requireString("path", p.Path); err != nil {
				return err
			}
			if err := requireString("old_text", p.OldText); err != nil {
				return err
			}
			_, err = w.resolveWritable(p.Path)
			return err
		},
		Target: func(args map[string]any) (string, error) {
			p, err := decodeParams[EditFileParams](args)
			if err != nil {
				return "", err
			}
			return w.resolveWritable(p.Path)
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[EditFileParams](args)
			if err != nil {
				return "", err
			}
			return w.editFile(p)
		},
	})

	r.Register(&Tool{
		Name:        "create_directory",
		Description: "Create a directory (and any missing parents) in the workspace.",
		Category:    CategoryEdits,
		Truncate:    TruncateHead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Workspace-relative directory path"},
			},
			"required": []string{"path"},
		},
		Validate: func(args map[string]any) error {
			p, err := decodeParams[CreateDirectoryParams](args)
			if err != nil {
				return err
			}
			if err := requireString("path", p.Path); err != nil {
				return err
			}
			_, err = w.resolveWritable(p.Path)
			return err
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[CreateDirectoryParams](args)
			if err != nil {
				return "", err
			}
			abs, err := w.resolveWritable(p.Path)
			if err != nil {
				return "", err
			}
			if err := w.fs.MkdirAll(abs); err != nil {
				return "", fmt.Errorf("create directory: %w", err)
			}
			return fmt.Sprintf("Created directory %s", p.Path), nil
		},
	})

	r.Register(&Tool{
		Name:        "delete_file_or_folder",
		Description: "Delete a file or an entire folder from the workspace. Irreversible for folders.",
		Category:    CategoryDangerous,
		Truncate:    TruncateHead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Workspace-relative path to delete"},
			},
			"required": []string{"path"},
		},
		Validate: func(args map[string]any) error {
			p, err := decodeParams[DeleteParams](args)
			if err != nil {
				return err
			}
			if err := requireString("path", p.Path); err != nil {
				return err
			}
			_, err = w.resolveWritable(p.Path)
			return err
		},
		Target: func(args map[string]any) (string, error) {
			p, err := decodeParams[DeleteParams](args)
			if err != nil {
				return "", err
			}
			return w.resolveWritable(p.Path)
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[DeleteParams](args)
			if err != nil {
				return "", err
			}
			abs, err := w.resolveWritable(p.Path)
			if err != nil {
				return "", err
			}
			_, exists, err := w.fs.Stat(abs)
			if err != nil {
				return "", err
			}
			if !exists {
				return "", fmt.Errorf("path not found: %s", p.Path)
			}
			if err := w.fs.Delete(abs); err != nil {
				return "", fmt.Errorf("delete: %w", err)
			}
			return fmt.Sprintf("Deleted %s", p.Path), nil
		},
	})
}

// readFile reads a file with optional line windowing.
func (w *Workspace) readFile(p ReadFileParams) (string, error) {
	abs, err := w.ResolvePath(p.Path)
	if err != nil {
		return "", err
	}
	content, err := w.fs.Read(abs)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if content == nil {
		return "", fmt.Errorf("file not found: %s", p.Path)
	}

	text := *content
	if p.Offset > 0 || p.Limit > 0 {
		lines := strings.Split(text, "\n")
		start := 0
		if p.Offset > 0 {
			start = p.Offset - 1
		}
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", p.Offset, len(lines))
		}
		end := len(lines)
		if p.Limit > 0 && start+p.Limit < end {
			end = start + p.Limit
		}
		text = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			text = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), text)
		}
	}
	return text, nil
}

// editFile performs a unique-occurrence text replacement.
func (w *Workspace) editFile(p EditFileParams) (string, error) {
	abs, err := w.resolveWritable(p.Path)
	if err != nil {
		return "", err
	}
	content, err := w.fs.Read(abs)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if content == nil {
		return "", fmt.Errorf("file not found: %s", p.Path)
	}

	text := *content
	count := strings.Count(text, p.OldText)
	if count == 0 {
		if len(p.OldText) > 100 {
			return "", fmt.Errorf("old text not found in file (first 100 chars: %q...)", p.OldText[:100])
		}
		return "", fmt.Errorf("old text not found in file: %q", p.OldText)
	}
	if count > 1 {
		return "", fmt.Errorf("old text appears %d times in file; must be unique for safe editing", count)
	}

	updated := strings.Replace(text, p.OldText, p.NewText, 1)
	if err := w.fs.Write(abs, updated); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("Edited %s", p.Path), nil
}
