package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/picobot-run/picobot/internal/format"
	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
	"github.com/picobot-run/picobot/internal/toolregistry"
)

// Resolver resolves a tool-supplied path against a jail root, rejecting
// any path that escapes it. Grounded on internal/tools/files/resolver.go's
// Resolve (kept verbatim; that file has no teacher-specific concerns to
// strip, so it is reused directly rather than restated here).
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the resolver's root.
func (r Resolver) Resolve(path string) (string, error) {
	return resolvePath(r.Root, path)
}

type readFileInput struct {
	Path string `json:"path"`
}

type readFileTool struct {
	toolregistry.NoPolicyHook
}

// NewReadFileTool returns the "read_file" built-in tool.
func NewReadFileTool() toolregistry.Tool { return readFileTool{} }

func (readFileTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "read_file",
		Description: "Read the contents of a file within the working directory.",
		Schema: jsonSchema(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`),
	}
}

func (readFileTool) RequiredPermissions(ctx context.Context, tc models.ToolContext, input json.RawMessage) ([]permission.Permission, error) {
	var in readFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return []permission.Permission{permission.FileRead{Path: in.Path}}, nil
}

func (readFileTool) Execute(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.ToolResult, error) {
	var in readFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	root := tc.WorkingDir
	if tc.JailRoot != nil {
		root = *tc.JailRoot
	}
	abs, err := resolvePath(root, in.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return errorResult(fmt.Sprintf("read %s: %v", in.Path, err)), nil
	}
	text := format.TruncateBytes(string(data), maxResponseBytes(tc))
	text = format.TruncateChars(text, maxResponseChars(tc))
	return textResult(text), nil
}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeFileTool struct {
	toolregistry.NoPolicyHook
}

// NewWriteFileTool returns the "write_file" built-in tool.
func NewWriteFileTool() toolregistry.Tool { return writeFileTool{} }

func (writeFileTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "write_file",
		Description: "Write content to a file within the working directory, creating or overwriting it.",
		Schema: jsonSchema(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["path", "content"]
		}`),
	}
}

func (writeFileTool) RequiredPermissions(ctx context.Context, tc models.ToolContext, input json.RawMessage) ([]permission.Permission, error) {
	var in writeFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return []permission.Permission{permission.FileWrite{Path: in.Path}}, nil
}

func (writeFileTool) Execute(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.ToolResult, error) {
	var in writeFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	root := tc.WorkingDir
	if tc.JailRoot != nil {
		root = *tc.JailRoot
	}
	abs, err := resolvePath(root, in.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := os.WriteFile(abs, []byte(in.Content), 0o644); err != nil {
		return errorResult(fmt.Sprintf("write %s: %v", in.Path, err)), nil
	}
	return textResult(fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)), nil
}
