package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/spokedpy/backend/internal/lang"
)

// varsMarker separates program output from the captured-variable report the
// capture epilogue prints as its last line.
const varsMarker = "<<SPK_VARS>>"

// captureEpilogue serializes every JSON-representable top-level variable;
// anything else is rendered as a bounded string on the python side.
const captureEpilogue = `
import json as _spk_json
_spk_out = {}
for _spk_k, _spk_v in list(globals().items()):
    if _spk_k.startswith('_'):
        continue
    if callable(_spk_v) or type(_spk_v).__name__ == 'module':
        continue
    try:
        _spk_json.dumps(_spk_v)
        _spk_out[_spk_k] = _spk_v
    except (TypeError, ValueError):
        _spk_out[_spk_k] = str(_spk_v)[:200]
print('` + varsMarker + `' + _spk_json.dumps(_spk_out))
`

// REPLExecutor gives the primary engine a shared namespace: every successful
// fragment is replayed ahead of the next one, so later fragments see earlier
// definitions, REPL-style. Each instance owns its namespace; Fresh hands out
// an empty one for speculation.
type REPLExecutor struct {
	mu       sync.Mutex
	language *lang.Language
	sub      *SubprocessExecutor
	history  []string // successful fragments, replayed in order
}

// NewREPLExecutor builds the primary-engine executor, verifying the
// interpreter exists on PATH.
func NewREPLExecutor(l *lang.Language, workDir string) (*REPLExecutor, error) {
	sub, err := NewSubprocessExecutor(l, workDir)
	if err != nil {
		return nil, err
	}
	return &REPLExecutor{language: l, sub: sub}, nil
}

func (e *REPLExecutor) Language() *lang.Language { return e.language }

// Execute replays the accumulated namespace, runs the new fragment, and
// parses the captured-variable report off the output. Only successful
// fragments join the namespace.
func (e *REPLExecutor) Execute(ctx context.Context, code string) (*Result, error) {
	e.mu.Lock()
	program := strings.Join(append(append([]string{}, e.history...), code), "\n")
	e.mu.Unlock()

	res, err := e.sub.Execute(ctx, program+"\n"+captureEpilogue)
	if err != nil {
		return nil, err
	}

	res.Output, res.Variables = splitVariableReport(res.Output)

	if res.Success {
		e.mu.Lock()
		e.history = append(e.history, code)
		e.mu.Unlock()
	}
	return res, nil
}

// Reset drops the shared namespace.
func (e *REPLExecutor) Reset() {
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
}

// splitVariableReport strips the capture marker line from the output and
// decodes the variable map, if present.
func splitVariableReport(output string) (string, map[string]interface{}) {
	idx := strings.LastIndex(output, varsMarker)
	if idx < 0 {
		return output, nil
	}
	payload := strings.TrimSpace(output[idx+len(varsMarker):])
	rest := strings.TrimRight(output[:idx], "\n")

	var vars map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &vars); err != nil {
		return rest, nil
	}
	for k, v := range vars {
		if s, ok := v.(string); ok {
			vars[k] = BoundString(s)
		}
	}
	if len(vars) == 0 {
		vars = nil
	}
	return rest, vars
}

// REPLFactory owns the long-lived shared-namespace instance and mints fresh
// ones for speculative runs.
type REPLFactory struct {
	language *lang.Language
	workDir  string

	once   sync.Once
	shared *REPLExecutor
}

// NewREPLFactory verifies the interpreter is available before handing out
// the factory.
func NewREPLFactory(l *lang.Language, workDir string) (*REPLFactory, error) {
	tool, ok := toolchains[l.Name]
	if !ok {
		return nil, ErrUnavailable
	}
	if _, err := exec.LookPath(tool.binary); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, tool.binary)
	}
	return &REPLFactory{language: l, workDir: workDir}, nil
}

// Shared returns the singleton production instance.
func (f *REPLFactory) Shared() Executor {
	f.once.Do(func() {
		f.shared, _ = NewREPLExecutor(f.language, f.workDir)
	})
	return f.shared
}

// Fresh returns a clean-namespace instance for speculation.
func (f *REPLFactory) Fresh() Executor {
	e, _ := NewREPLExecutor(f.language, f.workDir)
	return e
}
