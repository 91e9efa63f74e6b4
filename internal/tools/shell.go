package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loom-editor/loom/internal/config"
)

// ExecResult is the outcome of one shell command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// CommandRunner executes shell commands. The exec-backed implementation
// is the default; tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, command, cwd string, timeout time.Duration) (ExecResult, error)
}

// ExecRunner runs commands via sh -c.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, command, cwd string, timeout time.Duration) (ExecResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("run command: %w", err)
	}
	return result, nil
}

// checkCommandPolicy applies the deny/allow lists from config. Matching
// is case-insensitive substring for denials and prefix for allowances.
func checkCommandPolicy(cfg config.ShellConfig, command string) error {
	lower := strings.ToLower(strings.TrimSpace(command))
	if lower == "" {
		return fmt.Errorf("empty command")
	}

	for _, pattern := range cfg.DeniedPatterns {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return fmt.Errorf("command blocked by policy (matches %q)", pattern)
		}
	}

	if len(cfg.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range cfg.AllowedPrefixes {
			if strings.HasPrefix(lower, strings.ToLower(prefix)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("command not in allowed prefixes")
		}
	}
	return nil
}

// RegisterShellTool adds run_command when shell execution is enabled.
func RegisterShellTool(r *Registry, w *Workspace, cfg config.ShellConfig, runner CommandRunner) {
	if !cfg.Enabled {
		return
	}
	if runner == nil {
		runner = ExecRunner{}
	}

	r.Register(&Tool{
		Name:        "run_command",
		Description: "Execute a shell command in the workspace. Output includes stdout, stderr, and the exit code.",
		Category:    CategoryTerminal,
		Truncate:    TruncateHeadTail,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":     map[string]any{"type": "string", "description": "Shell command to run"},
				"cwd":         map[string]any{"type": "string", "description": "Workspace-relative working directory (default: workspace root)"},
				"timeout_sec": map[string]any{"type": "integer", "description": "Optional timeout in seconds for this command"},
			},
			"required": []string{"command"},
		},
		Validate: func(args map[string]any) error {
			p, err := decodeParams[RunCommandParams](args)
			if err != nil {
				return err
			}
			if err := requireString("command", p.Command); err != nil {
				return err
			}
			if err := checkCommandPolicy(cfg, p.Command); err != nil {
				return err
			}
			if p.Cwd != "" {
				if _, err := w.ResolvePath(p.Cwd); err != nil {
					return err
				}
			}
			return nil
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := decodeParams[RunCommandParams](args)
			if err != nil {
				return "", err
			}
			cwd := w.Root()
			if p.Cwd != "" {
				cwd, err = w.ResolvePath(p.Cwd)
				if err != nil {
					return "", err
				}
			}
			var timeout time.Duration
			if p.TimeoutSec > 0 {
				timeout = time.Duration(p.TimeoutSec) * time.Second
			}

			result, err := runner.Run(ctx, p.Command, cwd, timeout)
			if err != nil {
				return "", err
			}
			return formatExecResult(result), nil
		},
	})
}

// formatExecResult renders a command's outcome for the model.
func formatExecResult(r ExecResult) string {
	var b strings.Builder
	if r.Stdout != "" {
		b.WriteString(r.Stdout)
	}
	if r.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(r.Stderr)
	}
	if r.TimedOut {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("(command timed out)")
	}
	if b.Len() == 0 {
		b.WriteString("(no output)")
	}
	fmt.Fprintf(&b, "\nexit code: %d", r.ExitCode)
	return b.String()
}
