package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/picobot-run/picobot/internal/format"
	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
	"github.com/picobot-run/picobot/internal/toolregistry"
)

type execInput struct {
	Command string `json:"command"`
}

type execTool struct{}

// NewExecTool returns the "exec" built-in tool. Runs synchronously to
// completion under the kernel's own soft/hard timeout rather than a
// separate process-timeout parameter.
func NewExecTool() toolregistry.Tool { return execTool{} }

func (execTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "exec",
		Description: "Execute a shell command and return its combined stdout/stderr.",
		Schema: jsonSchema(`{
			"type": "object",
			"properties": {"command": {"type": "string"}},
			"required": ["command"]
		}`),
	}
}

func (execTool) RequiredPermissions(ctx context.Context, tc models.ToolContext, input json.RawMessage) ([]permission.Permission, error) {
	var in execInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	fields := strings.Fields(in.Command)
	var cmd []string
	if len(fields) > 0 {
		cmd = []string{fields[0]}
	}
	return []permission.Permission{permission.ShellExec{AllowedCommands: cmd}}, nil
}

// PreExecutionPolicy classifies a handful of obviously destructive commands
// as requiring explicit approval even when the caller already holds a
// ShellExec grant, grounded on spec.md §4.3's "shell-risk classifier"
// example and internal/tools/security's command-risk heuristics.
func (execTool) PreExecutionPolicy(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.PolicyDecision, error) {
	var in execInput
	if err := json.Unmarshal(input, &in); err != nil {
		return models.PolicyDecision{Decision: models.PolicyDeny, Reason: "invalid input"}, nil
	}
	lower := strings.ToLower(in.Command)
	for _, danger := range dangerousCommandSubstrings {
		if strings.Contains(lower, danger) {
			return models.PolicyDecision{
				Decision:  models.PolicyRequireApproval,
				Reason:    "command matches a destructive pattern: " + danger,
				PolicyKey: "exec.destructive",
			}, nil
		}
	}
	return models.PolicyDecision{Decision: models.PolicyAllow}, nil
}

var dangerousCommandSubstrings = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	":(){ :|:& };:",
	"shutdown",
	"reboot",
}

func (execTool) Execute(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.ToolResult, error) {
	var in execInput
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(err.Error()), nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", in.Command)
	cmd.Dir = tc.WorkingDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	out := format.TruncateBytes(buf.String(), maxResponseBytes(tc))
	out = format.TruncateChars(out, maxResponseChars(tc))

	if runErr != nil {
		content, _ := json.Marshal(map[string]string{"output": out, "error": runErr.Error()})
		return models.ToolResult{Content: content, IsError: true}, nil
	}
	return textResult(out), nil
}
