package functions

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for unknown or soft-deleted functions.
	ErrNotFound = errors.New("function not found")

	// ErrDuplicateName is returned when (appID, name) already exists.
	ErrDuplicateName = errors.New("function name already in use")
)

// ValidationError marks malformed caller input. Never retried.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CompileError is a deterministic function of the submitted source.
// Diagnostics are returned to the caller verbatim; the compiler never
// retries automatically.
type CompileError struct {
	Reason      string   `json:"reason"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

func (e *CompileError) Error() string {
	if len(e.Diagnostics) == 0 {
		return "compile failed: " + e.Reason
	}
	return fmt.Sprintf("compile failed: %s: %s", e.Reason, strings.Join(e.Diagnostics, "; "))
}
