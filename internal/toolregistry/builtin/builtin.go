// Package builtin implements the handful of built-in tools every PicoBot
// deployment registers: file read/write, shell exec, memory read/write,
// notify, schedule, browser, and read_media. Each tool's
// RequiredPermissions/Execute pair is narrowed onto this repo's
// toolregistry.Tool interface and permission model.
package builtin

import (
	"encoding/json"

	"github.com/picobot-run/picobot/internal/models"
)

// jsonSchema is a tiny helper building an inline JSON Schema object
// literal, since every built-in tool here declares its own schema by hand
// rather than via invopop/jsonschema struct reflection (that reflection
// path is reserved for more complex tool params — see
// internal/toolregistry/builtin/browser.go).
func jsonSchema(raw string) json.RawMessage {
	return json.RawMessage(raw)
}

// errorResult builds a ToolResult carrying a plain-text error message.
func errorResult(msg string) models.ToolResult {
	content, _ := json.Marshal(map[string]string{"error": msg})
	return models.ToolResult{Content: content, IsError: true}
}

// textResult builds a successful ToolResult carrying plain text content.
func textResult(text string) models.ToolResult {
	content, _ := json.Marshal(map[string]string{"text": text})
	return models.ToolResult{Content: content}
}

func maxResponseBytes(tc models.ToolContext) int {
	if tc.MaxResponseBytes != nil {
		return *tc.MaxResponseBytes
	}
	return 0
}

func maxResponseChars(tc models.ToolContext) int {
	if tc.MaxResponseChars != nil {
		return *tc.MaxResponseChars
	}
	return 0
}
