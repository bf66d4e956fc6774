// Package executor provides the uniform execution capability the fabric uses
// to run code fragments: every language reduces to Execute(code) -> Result.
// Subprocess engines are isolated per call; the primary engine keeps a
// REPL-like shared namespace and hands out fresh instances for speculation.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/spokedpy/backend/internal/lang"
)

// Result is the outcome of one execution. A failed run of user code is a
// normal Result with Success=false, not a Go error; errors are reserved for
// the executor itself being unusable.
type Result struct {
	Success   bool                   `json:"success"`
	Output    string                 `json:"output"`
	Error     string                 `json:"error,omitempty"`
	Elapsed   time.Duration          `json:"elapsed"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// Executor runs code fragments for one language.
type Executor interface {
	Execute(ctx context.Context, code string) (*Result, error)
	Language() *lang.Language
}

// Factory hands out executor instances. Shared returns the long-lived
// instance that keeps REPL state between runs; Fresh returns an instance
// with a clean namespace for speculative execution. Subprocess engines are
// isolated per call anyway, so both return the same implementation.
type Factory interface {
	Shared() Executor
	Fresh() Executor
}

// ErrUnavailable is returned when no toolchain exists for the language.
var ErrUnavailable = errors.New("executor unavailable: no toolchain for language")

// maxCapturedValue bounds the rendering of non-serializable captured
// variables.
const maxCapturedValue = 200

// BoundString truncates a captured variable rendering to the capture bound.
func BoundString(s string) string {
	if len(s) <= maxCapturedValue {
		return s
	}
	return s[:maxCapturedValue] + "..."
}
