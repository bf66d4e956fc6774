package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spokedpy/backend/internal/lang"
)

// toolchain describes how one language is invoked from the host.
type toolchain struct {
	binary  string   // looked up on PATH
	evalArg string   // flag that takes inline code, empty means file-based
	runArgs []string // extra args before the code/file argument
	timeout time.Duration
}

// toolchains maps language names to their host invocation. Compiled
// languages run through their single-shot runners (go run, etc.); anything
// without an eval flag is written to a temp file first.
var toolchains = map[string]toolchain{
	"python":     {binary: "python3", evalArg: "-c", timeout: 30 * time.Second},
	"javascript": {binary: "node", evalArg: "-e", timeout: 30 * time.Second},
	"typescript": {binary: "ts-node", evalArg: "-e", timeout: 45 * time.Second},
	"go":         {binary: "go", runArgs: []string{"run"}, timeout: 60 * time.Second},
	"rust":       {binary: "rust-script", timeout: 90 * time.Second},
	"java":       {binary: "java", timeout: 60 * time.Second},
	"csharp":     {binary: "dotnet-script", timeout: 60 * time.Second},
	"cpp":        {binary: "cling", timeout: 60 * time.Second},
	"c":          {binary: "tcc", runArgs: []string{"-run"}, timeout: 60 * time.Second},
	"ruby":       {binary: "ruby", evalArg: "-e", timeout: 30 * time.Second},
	"php":        {binary: "php", evalArg: "-r", timeout: 30 * time.Second},
	"swift":      {binary: "swift", timeout: 60 * time.Second},
	"kotlin":     {binary: "kotlinc", runArgs: []string{"-script"}, timeout: 90 * time.Second},
	"lua":        {binary: "lua", evalArg: "-e", timeout: 30 * time.Second},
	"bash":       {binary: "bash", evalArg: "-c", timeout: 30 * time.Second},
}

// SubprocessExecutor runs each fragment in a fresh subprocess. Isolation
// comes from the process boundary, so Shared and Fresh collapse to the same
// instance.
type SubprocessExecutor struct {
	language *lang.Language
	tool     toolchain
	workDir  string
}

// NewSubprocessExecutor builds an executor for the language, or
// ErrUnavailable when the toolchain binary is not on PATH.
func NewSubprocessExecutor(l *lang.Language, workDir string) (*SubprocessExecutor, error) {
	tool, ok := toolchains[l.Name]
	if !ok {
		return nil, ErrUnavailable
	}
	if _, err := exec.LookPath(tool.binary); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, tool.binary)
	}
	return &SubprocessExecutor{language: l, tool: tool, workDir: workDir}, nil
}

func (e *SubprocessExecutor) Language() *lang.Language { return e.language }

// Shared and Fresh both return the receiver; every call is process-isolated.
func (e *SubprocessExecutor) Shared() Executor { return e }
func (e *SubprocessExecutor) Fresh() Executor  { return e }

// Execute runs the fragment and captures stdout/stderr. A non-zero exit is
// reported as a failed Result, never as an error.
func (e *SubprocessExecutor) Execute(ctx context.Context, code string) (*Result, error) {
	timeout := e.tool.timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, e.tool.runArgs...)
	var cleanup func()
	if e.tool.evalArg != "" {
		args = append(args, e.tool.evalArg, code)
	} else {
		path, rm, err := e.writeTemp(code)
		if err != nil {
			return nil, err
		}
		cleanup = rm
		args = append(args, path)
	}
	if cleanup != nil {
		defer cleanup()
	}

	cmd := exec.CommandContext(runCtx, e.tool.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Success: err == nil,
		Output:  stdout.String(),
		Elapsed: elapsed,
	}
	if err != nil {
		res.Error = stderr.String()
		if res.Error == "" {
			res.Error = err.Error()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			res.Error = fmt.Sprintf("execution timed out after %s", timeout)
		}
		slog.Debug("subprocess execution failed",
			"language", e.language.Name, "elapsed", elapsed, "error", res.Error)
	}
	return res, nil
}

func (e *SubprocessExecutor) writeTemp(code string) (string, func(), error) {
	dir := e.workDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "fragment-*."+e.language.Extension)
	if err != nil {
		return "", nil, fmt.Errorf("write fragment: %w", err)
	}
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("write fragment: %w", err)
	}
	f.Close()
	name := f.Name()
	return name, func() { os.Remove(filepath.Clean(name)) }, nil
}
