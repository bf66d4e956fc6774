package checkpoint

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce coalesces mutator-triggered writes into a one-second
// window; only the newest snapshot at fire time hits the disk.
const DefaultDebounce = time.Second

// Writer schedules debounced checkpoint writes. The collect function is
// called at fire time so the freshest state wins; callers never serialize
// under their own locks.
type Writer struct {
	mu       sync.Mutex
	path     string
	debounce time.Duration
	collect  func() *Document
	timer    *time.Timer
	failed   bool // last write failed; retried on next schedule
}

// NewWriter builds a writer for path. collect must be safe to call from the
// timer goroutine.
func NewWriter(path string, debounce time.Duration, collect func() *Document) *Writer {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Writer{path: path, debounce: debounce, collect: collect}
}

// Schedule arms (or re-arms) the debounce window. Multiple calls inside the
// window collapse into one write.
func (w *Writer) Schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Writer) fire() {
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()
	w.WriteNow()
}

// WriteNow collects and writes synchronously. Used at shutdown and by the
// checkpoint-force operation.
func (w *Writer) WriteNow() error {
	doc := w.collect()
	err := Write(w.path, doc)

	w.mu.Lock()
	w.failed = err != nil
	w.mu.Unlock()

	if err != nil {
		slog.Error("checkpoint write failed", "path", w.path, "error", err)
		return err
	}
	slog.Debug("checkpoint written", "path", w.path,
		"snippets", len(doc.PromotedSnippets), "tokens", len(doc.MarshalTokens), "locks", len(doc.LockedSlots))
	return nil
}

// Stop cancels any pending write without flushing.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Path returns the checkpoint file location.
func (w *Writer) Path() string { return w.path }
