package kernel

import (
	"fmt"

	"github.com/picobot-run/picobot/internal/permission"
)

// PermissionDeniedError is recoverable: the prompt flow in
// InvokeToolWithPrompt may resolve it into a successful retry.
type PermissionDeniedError struct {
	Required []permission.Permission
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: requires %v", permission.SortedStrings(e.Required))
}

// InvalidInputError is fatal per-call: schema validation or
// required-permission computation failed.
type InvalidInputError struct{ Detail string }

func (e *InvalidInputError) Error() string { return "invalid input: " + e.Detail }

// TimeoutError is fatal per-call: the tool did not complete within its
// effective (possibly extended) hard timeout.
type TimeoutError struct{ Tool string }

func (e *TimeoutError) Error() string { return "tool " + e.Tool + " timed out" }

// ExecutionFailedError wraps a tool or downstream I/O failure.
type ExecutionFailedError struct{ Detail string }

func (e *ExecutionFailedError) Error() string { return "execution failed: " + e.Detail }
