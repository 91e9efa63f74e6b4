package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	maxGlobResults = 500
	maxGrepMatches = 200
)

// dirs never worth descending into during search.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"vendor":       true,
	"__pycache__":  true,
}

// RegisterSearchTools adds glob_search and grep_search to the registry.
func RegisterSearchTools(r *Registry, w *Workspace) {
	r.Register(&Tool{
		Name:        "glob_search",
		Description: "Find files matching a glob pattern (supports ** for recursive matching). Results are workspace-relative paths.",
		Category:    CategoryRead,
		Truncate:    TruncateHead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Glob pattern, e.g. '**/*.go' or 'src/*.ts'"},
			},
			"required": []string{"pattern"},
		},
		Validate: func(args map[string]any) error {
			p, err := decodeParams[GlobSearchParams](args)
			if err != nil {
				return err
			}
			if err := requireString("pattern", p.Pattern); err != nil {
				return err
			}
			if !doublestar.ValidatePattern(p.Pattern) {
				return fmt.Errorf("invalid glob pattern: %s", p.Pattern)
			}
			return nil
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[GlobSearchParams](args)
			if err != nil {
				return "", err
			}
			return globSearch(w, p.Pattern)
		},
	})

	r.Register(&Tool{
		Name:        "grep_search",
		Description: "Search file contents for a regular expression. Optionally restrict the files searched with a glob pattern. Results are path:line:text.",
		Category:    CategoryRead,
		Truncate:    TruncateHead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Go regular expression"},
				"glob":    map[string]any{"type": "string", "description": "Optional glob restricting which files are searched"},
			},
			"required": []string{"pattern"},
		},
		Validate: func(args map[string]any) error {
			p, err := decodeParams[GrepSearchParams](args)
			if err != nil {
				return err
			}
			if err := requireString("pattern", p.Pattern); err != nil {
				return err
			}
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return fmt.Errorf("invalid regular expression: %w", err)
			}
			if p.Glob != "" && !doublestar.ValidatePattern(p.Glob) {
				return fmt.Errorf("invalid glob pattern: %s", p.Glob)
			}
			return nil
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[GrepSearchParams](args)
			if err != nil {
				return "", err
			}
			return grepSearch(ctx, w, p)
		},
	})
}

func globSearch(w *Workspace, pattern string) (string, error) {
	var matches []string
	fsys := os.DirFS(w.Root())
	err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		matches = append(matches, path)
		if len(matches) >= maxGlobResults {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && err != fs.SkipAll {
		return "", fmt.Errorf("glob search: %w", err)
	}
	if len(matches) == 0 {
		return "No files matched.", nil
	}
	sort.Strings(matches)
	out := strings.Join(matches, "\n")
	if len(matches) >= maxGlobResults {
		out += fmt.Sprintf("\n(truncated at %d results)", maxGlobResults)
	}
	return out, nil
}

func grepSearch(ctx context.Context, w *Workspace, p GrepSearchParams) (string, error) {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	matched := 0
	root := w.Root()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if p.Glob != "" {
			ok, err := doublestar.Match(p.Glob, filepath.ToSlash(rel))
			if err != nil || !ok {
				return nil
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if isBinary(data) {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d:%s\n", rel, i+1, line)
				matched++
				if matched >= maxGrepMatches {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return "", fmt.Errorf("grep search: %w", err)
	}
	if matched == 0 {
		return "No matches found.", nil
	}
	out := strings.TrimRight(b.String(), "\n")
	if matched >= maxGrepMatches {
		out += fmt.Sprintf("\n(truncated at %d matches)", maxGrepMatches)
	}
	return out, nil
}

// isBinary uses a NUL-byte heuristic on the first kilobyte.
func isBinary(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for _, c := range data[:n] {
		if c == 0 {
			return true
		}
	}
	return false
}
