package tools

import (
	"context"
	"fmt"
	"strings"
)

// Position is a zero-based line/character location in a file.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range spans from Start to End, end-exclusive.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Diagnostic severities, highest first.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityHint    = "hint"
)

// Diagnostic is one issue reported by the language server.
type Diagnostic struct {
	Path     string `json:"path"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Range    Range  `json:"range"`
}

// Location is a definition or reference site.
type Location struct {
	Path  string `json:"path"`
	Range Range  `json:"range"`
}

// Symbol is one document symbol.
type Symbol struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Range Range  `json:"range"`
}

// LanguageProvider is the language-intelligence surface the LSP tools
// query. Implementations talk to the editor's language servers; a nil
// provider disables the tools.
type LanguageProvider interface {
	Diagnostics(ctx context.Context, path string) ([]Diagnostic, error)
	Definition(ctx context.Context, path string, pos Position) ([]Location, error)
	References(ctx context.Context, path string, pos Position) ([]Location, error)
	Hover(ctx context.Context, path string, pos Position) (string, error)
	Symbols(ctx context.Context, path string) ([]Symbol, error)
}

// RegisterLSPTools adds the language-intelligence read tools. No-op
// when provider is nil.
func RegisterLSPTools(r *Registry, w *Workspace, provider LanguageProvider) {
	if provider == nil {
		return
	}

	pathSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Workspace-relative file path"},
		},
		"required": []string{"path"},
	}
	positionSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Workspace-relative file path"},
			"line":      map[string]any{"type": "integer", "description": "Zero-based line"},
			"character": map[string]any{"type": "integer", "description": "Zero-based character"},
		},
		"required": []string{"path", "line", "character"},
	}

	validatePath := func(args map[string]any) error {
		p, err := decodeParams[LSPPathParams](args)
		if err != nil {
			return err
		}
		if err := requireString("path", p.Path); err != nil {
			return err
		}
		_, err = w.ResolvePath(p.Path)
		return err
	}
	validatePosition := func(args map[string]any) error {
		p, err := decodeParams[LSPPositionParams](args)
		if err != nil {
			return err
		}
		if err := requireString("path", p.Path); err != nil {
			return err
		}
		_, err = w.ResolvePath(p.Path)
		return err
	}

	r.Register(&Tool{
		Name:        "lsp_diagnostics",
		Description: "List language-server diagnostics (errors, warnings) for a file.",
		Category:    CategoryRead,
		Truncate:    TruncateHead,
		Parameters:  pathSchema,
		Validate:    validatePath,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[LSPPathParams](args)
			if err != nil {
				return "", err
			}
			diags, err := provider.Diagnostics(ctx, p.Path)
			if err != nil {
				return "", fmt.Errorf("diagnostics: %w", err)
			}
			return FormatDiagnostics(diags, 0), nil
		},
	})

	r.Register(&Tool{
		Name:        "lsp_definition",
		Description: "Find where the symbol at a position is defined.",
		Category:    CategoryRead,
		Truncate:    TruncateHead,
		Parameters:  positionSchema,
		Validate:    validatePosition,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[LSPPositionParams](args)
			if err != nil {
				return "", err
			}
			locs, err := provider.Definition(ctx, p.Path, Position{Line: p.Line, Character: p.Character})
			if err != nil {
				return "", fmt.Errorf("definition: %w", err)
			}
			return formatLocations(locs), nil
		},
	})

	r.Register(&Tool{
		Name:        "lsp_references",
		Description: "Find all references to the symbol at a position.",
		Category:    CategoryRead,
		Truncate:    TruncateHead,
		Parameters:  positionSchema,
		Validate:    validatePosition,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[LSPPositionParams](args)
			if err != nil {
				return "", err
			}
			locs, err := provider.References(ctx, p.Path, Position{Line: p.Line, Character: p.Character})
			if err != nil {
				return "", fmt.Errorf("references: %w", err)
			}
			return formatLocations(locs), nil
		},
	})

	r.Register(&Tool{
		Name:        "lsp_hover",
		Description: "Show hover documentation for the symbol at a position.",
		Category:    CategoryRead,
		Truncate:    TruncateHead,
		Parameters:  positionSchema,
		Validate:    validatePosition,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[LSPPositionParams](args)
			if err != nil {
				return "", err
			}
			text, err := provider.Hover(ctx, p.Path, Position{Line: p.Line, Character: p.Character})
			if err != nil {
				return "", fmt.Errorf("hover: %w", err)
			}
			if text == "" {
				return "No hover information.", nil
			}
			return text, nil
		},
	})

	r.Register(&Tool{
		Name:        "lsp_symbols",
		Description: "List the symbols (functions, types, variables) declared in a file.",
		Category:    CategoryRead,
		Truncate:    TruncateHead,
		Parameters:  pathSchema,
		Validate:    validatePath,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[LSPPathParams](args)
			if err != nil {
				return "", err
			}
			syms, err := provider.Symbols(ctx, p.Path)
			if err != nil {
				return "", fmt.Errorf("symbols: %w", err)
			}
			if len(syms) == 0 {
				return "No symbols.", nil
			}
			var b strings.Builder
			for _, s := range syms {
				fmt.Fprintf(&b, "%s %s (line %d)\n", s.Kind, s.Name, s.Range.Start.Line+1)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})
}

// FormatDiagnostics renders diagnostics one per line, errors first.
// maxIssues > 0 caps the output and appends a remainder note; the
// observe phase uses this to keep its synthetic message bounded.
func FormatDiagnostics(diags []Diagnostic, maxIssues int) string {
	if len(diags) == 0 {
		return "No diagnostics."
	}

	ordered := make([]Diagnostic, 0, len(diags))
	for _, sev := range []string{SeverityError, SeverityWarning, SeverityInfo, SeverityHint} {
		for _, d := range diags {
			if d.Severity == sev {
				ordered = append(ordered, d)
			}
		}
	}

	shown := ordered
	remainder := 0
	if maxIssues > 0 && len(ordered) > maxIssues {
		shown = ordered[:maxIssues]
		remainder = len(ordered) - maxIssues
	}

	var b strings.Builder
	for _, d := range shown {
		fmt.Fprintf(&b, "%s:%d:%d [%s] %s\n", d.Path, d.Range.Start.Line+1, d.Range.Start.Character+1, d.Severity, d.Message)
	}
	if remainder > 0 {
		fmt.Fprintf(&b, "(and %d more)\n", remainder)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatLocations(locs []Location) string {
	if len(locs) == 0 {
		return "No results."
	}
	var b strings.Builder
	for _, l := range locs {
		fmt.Fprintf(&b, "%s:%d:%d\n", l.Path, l.Range.Start.Line+1, l.Range.Start.Character+1)
	}
	return strings.TrimRight(b.String(), "\n")
}
