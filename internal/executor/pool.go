package executor

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/spokedpy/backend/internal/lang"
)

// Pool holds one Factory per language with a detected toolchain. Languages
// whose toolchain is missing stay out of the pool and surface as
// ErrUnavailable at execution time.
type Pool struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewPool probes every enumerated language's toolchain and registers the
// ones that are present. A host with only python still yields a working
// fabric; the other rows simply report executor-unavailable.
func NewPool(workDir string) *Pool {
	p := &Pool{factories: make(map[string]Factory)}
	for i := range lang.Languages {
		l := &lang.Languages[i]
		var (
			f   Factory
			err error
		)
		if l.InProcess {
			f, err = NewREPLFactory(l, workDir)
		} else {
			f, err = NewSubprocessExecutor(l, workDir)
		}
		if err != nil {
			slog.Debug("toolchain not detected", "language", l.Name)
			continue
		}
		p.factories[l.Name] = f
	}
	slog.Info("executor pool ready", "available", len(p.factories), "languages", len(lang.Languages))
	return p
}

// Register installs or replaces the factory for a language. Used by tests
// and by hosts that bring their own runners.
func (p *Pool) Register(language string, f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[language] = f
}

// For returns the factory for a language, or ErrUnavailable.
func (p *Pool) For(language string) (Factory, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.factories[language]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, language)
	}
	return f, nil
}

// Health reports toolchain availability per enumerated language.
func (p *Pool) Health() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(lang.Languages))
	for i := range lang.Languages {
		_, ok := p.factories[lang.Languages[i].Name]
		out[lang.Languages[i].Name] = ok
	}
	return out
}
