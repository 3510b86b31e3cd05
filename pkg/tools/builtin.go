package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
)

// maxReadBytes caps read_file output fed back into the model context.
const maxReadBytes = 256 * 1024

// Options configures built-in tool registration.
type Options struct {
	// WorkspaceRoot confines file tools. Empty disables them.
	WorkspaceRoot string
	// Fetcher enables the web_fetch tool when non-nil.
	Fetcher TextFetcher
}

// RegisterBuiltins registers the baseline tool set.
func RegisterBuiltins(registry *Registry, opts Options) error {
	builtins := []Tool{
		calculateTool(),
		currentTimeTool(),
	}

	if opts.WorkspaceRoot != "" {
		builtins = append(builtins, readFileTool(opts.WorkspaceRoot), writeFileTool(opts.WorkspaceRoot))
	}
	if opts.Fetcher != nil {
		builtins = append(builtins, WebFetchTool(opts.Fetcher))
	}

	for _, t := range builtins {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", t.Name(), err)
		}
	}
	return nil
}

func calculateTool() Tool {
	schema := ObjectSchema(map[string]interface{}{
		"expression": StringProp("Arithmetic expression to evaluate, e.g. \"(2 + 2) * 10.5\""),
	}, "expression")

	return NewFunc(
		"calculate",
		"Evaluate an arithmetic expression and return the numeric result.",
		schema,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			expr, _ := args["expression"].(string)
			if strings.TrimSpace(expr) == "" {
				return "", fmt.Errorf("expression is required")
			}

			env, err := cel.NewEnv()
			if err != nil {
				return "", fmt.Errorf("failed to create evaluator: %w", err)
			}

			ast, iss := env.Compile(expr)
			if iss != nil && iss.Err() != nil {
				return "", fmt.Errorf("invalid expression: %w", iss.Err())
			}

			prg, err := env.Program(ast)
			if err != nil {
				return "", fmt.Errorf("failed to build program: %w", err)
			}

			out, _, err := prg.Eval(cel.NoVars())
			if err != nil {
				return "", fmt.Errorf("evaluation failed: %w", err)
			}

			return fmt.Sprintf("%v", out.Value()), nil
		},
	)
}

func currentTimeTool() Tool {
	schema := ObjectSchema(map[string]interface{}{
		"format": StringProp("Optional Go time layout; defaults to RFC3339."),
	})

	return NewFunc(
		"current_time",
		"Return the current date and time.",
		schema,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			layout := time.RFC3339
			if f, ok := args["format"].(string); ok && f != "" {
				layout = f
			}
			return time.Now().Format(layout), nil
		},
	)
}

func readFileTool(root string) Tool {
	schema := ObjectSchema(map[string]interface{}{
		"path": StringProp("File path relative to the workspace root."),
	}, "path")

	return NewFunc(
		"read_file",
		"Read a text file from the workspace.",
		schema,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			target, err := resolveInWorkspace(root, args["path"])
			if err != nil {
				return "", err
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}

			if len(data) > maxReadBytes {
				return truncateAtRune(string(data), maxReadBytes) + "\n... [truncated]", nil
			}
			return string(data), nil
		},
	)
}

func writeFileTool(root string) Tool {
	schema := ObjectSchema(map[string]interface{}{
		"path":    StringProp("File path relative to the workspace root."),
		"content": StringProp("Full content to write."),
	}, "path", "content")

	return NewFunc(
		"write_file",
		"Write a text file inside the workspace, creating parent directories.",
		schema,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			target, err := resolveInWorkspace(root, args["path"])
			if err != nil {
				return "", err
			}

			content, _ := args["content"].(string)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(target, []byte(content), 0644); err != nil {
				return "", fmt.Errorf("failed to write file: %w", err)
			}

			return fmt.Sprintf("Wrote %d bytes to %s", len(content), args["path"]), nil
		},
	)
}

// truncateAtRune cuts s to at most n bytes without splitting a rune.
func truncateAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// resolveInWorkspace joins a relative path onto the workspace root and
// rejects anything escaping it.
func resolveInWorkspace(root string, pathValue interface{}) (string, error) {
	rel, _ := pathValue.(string)
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	target := filepath.Clean(filepath.Join(absRoot, rel))
	if target != absRoot && !strings.HasPrefix(target, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return target, nil
}
