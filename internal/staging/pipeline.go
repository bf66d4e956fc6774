// Package staging implements the four-phase admission controller: queue a
// snippet with a reserved matrix position, speculate it in isolation, apply
// a verdict, then atomically promote it into the ledger and registry. Every
// step lands in an append-only JSON-lines audit trail.
package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spokedpy/backend/internal/executor"
	"github.com/spokedpy/backend/internal/lang"
	"github.com/spokedpy/backend/internal/ledger"
	"github.com/spokedpy/backend/internal/registry"
)

var (
	ErrSnippetNotFound = errors.New("staging: snippet not found")
	ErrInvalidPhase    = errors.New("staging: operation not valid in this phase")
	ErrEngineUnknown   = errors.New("staging: engine unknown")
	ErrEngineFull      = errors.New("staging: engine full")
	ErrEmptyCode       = errors.New("staging: code is empty")
)

// historyLimit caps the in-memory archive of terminal snippets.
const historyLimit = 1000

// Pipeline is the admission controller. It orchestrates the ledger and the
// registry; neither ever calls back into it.
type Pipeline struct {
	mu sync.Mutex

	led  *ledger.Ledger
	reg  *registry.Registry
	pool *executor.Pool

	snippetsDir string
	audit       *auditLog

	snippets     map[string]*Snippet
	history      []*Snippet
	reservations map[string]map[int]bool // engine -> held positions

	// OnEvent, when set, receives every audit event after it is written.
	// The fabric wires this to the event bus and metrics.
	OnEvent func(AuditEvent)
}

// New builds a pipeline writing promoted files under snippetsDir and audit
// lines to auditPath.
func New(led *ledger.Ledger, reg *registry.Registry, pool *executor.Pool, snippetsDir, auditPath string) *Pipeline {
	return &Pipeline{
		led:          led,
		reg:          reg,
		pool:         pool,
		snippetsDir:  snippetsDir,
		audit:        newAuditLog(auditPath),
		snippets:     make(map[string]*Snippet),
		reservations: make(map[string]map[int]bool),
	}
}

// emit writes the audit line and notifies the observer. Called without the
// pipeline lock held.
func (p *Pipeline) emit(kind EventKind, stagingID string, data map[string]interface{}) {
	evt := newEvent(kind, stagingID, data)
	if err := p.audit.append(evt); err != nil {
		slog.Error("audit append failed", "event", kind, "error", err)
	}
	if p.OnEvent != nil {
		p.OnEvent(evt)
	}
}

// newStagingID mints the stg-<12 hex> identifier.
func newStagingID() string {
	return "stg-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// resolveEngine turns a letter or a language string into an engine row.
func (p *Pipeline) resolveEngine(letter, language string) (*lang.Language, error) {
	if letter != "" {
		if l, ok := lang.ByLetter(letter[0]); ok {
			return l, nil
		}
		return nil, fmt.Errorf("%w: letter %q", ErrEngineUnknown, letter)
	}
	if l, ok := lang.ByName(language); ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: language %q", ErrEngineUnknown, language)
}

// ---------------------------------------------------------------------------
// Queue
// ---------------------------------------------------------------------------

// QueueSnippet admits a snippet and reserves the first position on its
// engine row that is neither bound in the registry nor held by another
// staged snippet.
func (p *Pipeline) QueueSnippet(letter, language, code, label string) (*Snippet, error) {
	if strings.TrimSpace(code) == "" {
		return nil, ErrEmptyCode
	}
	engine, err := p.resolveEngine(letter, language)
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256([]byte(code))
	snip := &Snippet{
		StagingID: newStagingID(),
		Label:     label,
		Language:  engine.Name,
		Letter:    string(engine.Letter),
		Code:      code,
		CodeHash:  hex.EncodeToString(hash[:]),
		Phase:     PhaseQueued,
		CreatedAt: time.Now().UTC(),
	}

	p.mu.Lock()
	res, err := p.reserveLocked(engine)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	snip.Reservation = res
	p.snippets[snip.StagingID] = snip
	out := snip.clone()
	p.mu.Unlock()

	p.emit(EventQueued, snip.StagingID, map[string]interface{}{
		"language": snip.Language, "label": label, "code_hash": snip.CodeHash,
	})
	p.emit(EventSlotReserved, snip.StagingID, map[string]interface{}{
		"engine": res.Engine, "position": res.Position, "address": res.Address,
	})
	return out, nil
}

// reserveLocked finds and holds the first free position. Caller holds mu.
func (p *Pipeline) reserveLocked(engine *lang.Language) (*Reservation, error) {
	held := p.reservations[engine.Name]
	if held == nil {
		held = make(map[int]bool)
		p.reservations[engine.Name] = held
	}
	for pos := 1; pos <= engine.Capacity; pos++ {
		if held[pos] {
			continue
		}
		slot := p.reg.GetSlotByAddress(engine.Letter, pos)
		if slot == nil || slot.Bound() {
			continue
		}
		held[pos] = true
		return &Reservation{
			Engine:   engine.Name,
			Position: pos,
			Address:  fmt.Sprintf("%c%d", engine.Letter, pos),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEngineFull, engine.Name)
}

// releaseLocked returns a reservation to the pool. Caller holds mu.
func (p *Pipeline) releaseLocked(snip *Snippet) {
	if snip.Reservation == nil {
		return
	}
	if held := p.reservations[snip.Reservation.Engine]; held != nil {
		delete(held, snip.Reservation.Position)
	}
}

// ReservePositions holds a contiguous range of positions on an engine row so
// queued snippets cannot claim them. Used by the mesh relay for its lanes.
func (p *Pipeline) ReservePositions(engineName string, from, to int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.reservations[engineName]
	if held == nil {
		held = make(map[int]bool)
		p.reservations[engineName] = held
	}
	for pos := from; pos <= to; pos++ {
		held[pos] = true
	}
}

// ReservedPositions returns the held positions for one engine, for
// inspection.
func (p *Pipeline) ReservedPositions(engineName string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for pos := range p.reservations[engineName] {
		out = append(out, pos)
	}
	return out
}

// ---------------------------------------------------------------------------
// Speculate
// ---------------------------------------------------------------------------

// Speculate executes the snippet in an isolated context and records the
// outcome. User-code failure is a normal outcome here; only a missing
// toolchain is an error.
func (p *Pipeline) Speculate(ctx context.Context, stagingID string) (*Snippet, error) {
	p.mu.Lock()
	snip, ok := p.snippets[stagingID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrSnippetNotFound
	}
	if snip.Phase != PhaseQueued && snip.Phase != PhaseFailed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: speculate requires queued or failed, got %s", ErrInvalidPhase, snip.Phase)
	}
	factory, err := p.pool.For(snip.Language)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	snip.Phase = PhaseSpeculating
	code := snip.Code
	p.mu.Unlock()

	p.emit(EventSpecExecStarted, stagingID, map[string]interface{}{"language": snip.Language})

	// Fresh instance: clean namespace for the in-process engine, the same
	// process-isolated executor for everything else.
	res, execErr := factory.Fresh().Execute(ctx, code)

	p.mu.Lock()
	if execErr != nil {
		snip.Phase = PhaseFailed
		snip.SpecSuccess = false
		snip.SpecError = execErr.Error()
	} else {
		snip.SpecOutput = res.Output
		snip.SpecError = res.Error
		snip.SpecElapsed = res.Elapsed
		snip.SpecSuccess = res.Success
		snip.SpecVariables = projectVariables(res.Variables)
		if res.Success {
			snip.Phase = PhasePassed
		} else {
			snip.Phase = PhaseFailed
		}
	}
	out := snip.clone()
	p.mu.Unlock()

	if out.Phase == PhasePassed {
		p.emit(EventSpecExecCompleted, stagingID, map[string]interface{}{
			"elapsed_ms": out.SpecElapsed.Seconds() * 1000, "output_len": len(out.SpecOutput),
		})
	} else {
		p.emit(EventSpecExecFailed, stagingID, map[string]interface{}{"error": out.SpecError})
	}
	return out, nil
}

// projectVariables keeps only JSON-serializable captured values; everything
// else is rendered as a bounded string.
func projectVariables(vars map[string]interface{}) map[string]interface{} {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		if _, err := json.Marshal(v); err != nil {
			out[k] = executor.BoundString(fmt.Sprint(v))
			continue
		}
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Verdict
// ---------------------------------------------------------------------------

// Verdict applies an admission decision. auto maps passed to
// ready-to-promote and failed to rejected; approve and reject force the
// outcome; hold only logs.
func (p *Pipeline) Verdict(stagingID string, action VerdictAction, reason string) (*Snippet, error) {
	p.mu.Lock()
	snip, ok := p.snippets[stagingID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrSnippetNotFound
	}

	var events []EventKind
	switch action {
	case VerdictAuto:
		switch snip.Phase {
		case PhasePassed:
			events = append(events, EventVerdictPass)
		case PhaseFailed:
			p.rejectLocked(snip, reasonOr(reason, "speculation failed"))
			events = append(events, EventVerdictFail, EventRejection, EventSlotReleased)
		default:
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: auto verdict requires passed or failed, got %s", ErrInvalidPhase, snip.Phase)
		}
	case VerdictApprove:
		if snip.Phase != PhasePassed && snip.Phase != PhaseFailed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: approve requires a speculated snippet, got %s", ErrInvalidPhase, snip.Phase)
		}
		snip.Phase = PhasePassed
		events = append(events, EventVerdictPass)
	case VerdictReject:
		if snip.Phase.Terminal() || snip.Phase == PhasePromoting || snip.Phase == PhaseSpeculating {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: reject requires a stable phase, got %s", ErrInvalidPhase, snip.Phase)
		}
		p.rejectLocked(snip, reasonOr(reason, "rejected by verdict"))
		events = append(events, EventRejection, EventSlotReleased)
	case VerdictHold:
		events = append(events, EventVerdictHold)
	default:
		p.mu.Unlock()
		return nil, fmt.Errorf("staging: unknown verdict action %q", action)
	}
	out := snip.clone()
	p.mu.Unlock()

	for _, kind := range events {
		p.emit(kind, stagingID, map[string]interface{}{"action": string(action), "reason": reason})
	}
	return out, nil
}

// rejectLocked transitions to rejected, releases the reservation, and
// archives. Caller holds mu.
func (p *Pipeline) rejectLocked(snip *Snippet, reason string) {
	snip.Phase = PhaseRejected
	snip.RejectReason = reason
	snip.RejectedAt = time.Now().UTC()
	p.releaseLocked(snip)
	p.archiveLocked(snip)
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// ---------------------------------------------------------------------------
// Promote
// ---------------------------------------------------------------------------

// Promote atomically installs a passed snippet: file on disk, ledger node,
// registry slot, speculative result recorded on both. A failing step marks
// the snippet failed and keeps everything already done for forensics.
func (p *Pipeline) Promote(stagingID string) (*Snippet, error) {
	p.mu.Lock()
	snip, ok := p.snippets[stagingID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrSnippetNotFound
	}
	if snip.Phase != PhasePassed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: promote requires passed, got %s", ErrInvalidPhase, snip.Phase)
	}
	snip.Phase = PhasePromoting
	work := snip.clone()
	p.mu.Unlock()

	p.emit(EventPromotionStarted, stagingID, map[string]interface{}{"address": work.Reservation.Address})

	fail := func(step string, err error) (*Snippet, error) {
		p.emit(EventError, stagingID, map[string]interface{}{"step": step, "error": err.Error()})
		p.mu.Lock()
		snip.Phase = PhaseFailed
		snip.LastError = fmt.Sprintf("%s: %v", step, err)
		out := snip.clone()
		p.mu.Unlock()
		return out, fmt.Errorf("staging: promotion %s: %w", step, err)
	}

	// 1. snippet file with metadata header
	path, err := p.writeSnippetFile(work)
	if err != nil {
		return fail("file_write", err)
	}
	p.emit(EventFileWritten, stagingID, map[string]interface{}{"path": path})

	// 2. synthetic import session and ledger node
	nodeID := "snippet-" + work.StagingID
	session := p.led.BeginImport(path, work.Language, "", string(ledger.StrategyIgnore))
	displayName := work.Label
	if displayName == "" {
		displayName = work.StagingID
	}
	err = p.led.RecordNodeImported(nodeID, "snippet", displayName, work.StagingID, work.Code, work.Language, path, session, map[string]interface{}{
		"staging_id": work.StagingID,
		"code_hash":  work.CodeHash,
		"address":    work.Reservation.Address,
	})
	if err != nil {
		return fail("ledger_node", err)
	}
	p.emit(EventLedgerNodeCreated, stagingID, map[string]interface{}{"node_id": nodeID, "session": session})

	// 3. speculative result becomes the node's first execute entry
	if err := p.led.RecordNodeExecuted(nodeID, work.SpecSuccess, work.SpecOutput, work.SpecError, work.SpecElapsed, work.SpecVariables, 1); err != nil {
		return fail("ledger_execution", err)
	}

	// 4. commit into the reserved cell
	perms := &registry.Permissions{Get: true, Push: true}
	slot, err := p.reg.CommitNode(nodeID, work.Reservation.Engine, work.Reservation.Position, perms)
	if err != nil {
		return fail("registry_commit", err)
	}
	p.emit(EventSlotCommitted, stagingID, map[string]interface{}{"slot_id": slot.ID, "address": slot.Address()})

	// 5. speculative numbers onto the slot
	if !p.reg.RecordExecution(slot.ID, work.SpecSuccess, work.SpecOutput, work.SpecError, work.SpecElapsed) {
		return fail("slot_execution", errors.New("record execution refused"))
	}

	// 6. finalize
	p.mu.Lock()
	snip.SavedFilePath = path
	snip.LedgerNodeID = nodeID
	snip.RegistrySlotID = slot.ID
	snip.PromotedAt = time.Now().UTC()
	snip.Phase = PhasePromoted
	p.releaseLocked(snip)
	p.archiveLocked(snip)
	out := snip.clone()
	p.mu.Unlock()

	p.emit(EventSlotReleased, stagingID, map[string]interface{}{"address": work.Reservation.Address})
	p.emit(EventPromotionDone, stagingID, map[string]interface{}{
		"node_id": nodeID, "slot_id": slot.ID, "path": path,
	})
	slog.Info("snippet promoted", "staging_id", stagingID, "node", nodeID, "slot", slot.ID)
	return out, nil
}

// writeSnippetFile persists the code under
// <snippetsDir>/<language>/<address>_<stagingID>_<UTC timestamp>.<ext>,
// prefixed with a comment header in the language's own syntax.
func (p *Pipeline) writeSnippetFile(snip *Snippet) (string, error) {
	l, ok := lang.ByName(snip.Language)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrEngineUnknown, snip.Language)
	}
	dir := filepath.Join(p.snippetsDir, snip.Language)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("%s_%s_%s.%s", snip.Reservation.Address, snip.StagingID, stamp, l.Extension)
	path := filepath.Join(dir, name)

	var b strings.Builder
	for _, line := range []string{
		"promoted snippet " + snip.StagingID,
		"language: " + snip.Language,
		"engine: " + snip.Reservation.Engine,
		"address: " + snip.Reservation.Address,
		"label: " + snip.Label,
		"code_hash: " + snip.CodeHash,
		"created_at: " + snip.CreatedAt.Format(time.RFC3339),
		"promoted_at: " + time.Now().UTC().Format(time.RFC3339),
		fmt.Sprintf("spec_elapsed_ms: %.3f", snip.SpecElapsed.Seconds()*1000),
		fmt.Sprintf("spec_success: %t", snip.SpecSuccess),
	} {
		b.WriteString(l.CommentLine(line))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(snip.Code)
	if !strings.HasSuffix(snip.Code, "\n") {
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ---------------------------------------------------------------------------
// Rollback
// ---------------------------------------------------------------------------

// Rollback clears a promoted snippet's slot and retires it. The file on
// disk is retained.
func (p *Pipeline) Rollback(stagingID, reason string) (*Snippet, error) {
	p.mu.Lock()
	snip, ok := p.snippets[stagingID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrSnippetNotFound
	}
	if snip.Phase != PhasePromoted {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: rollback requires promoted, got %s", ErrInvalidPhase, snip.Phase)
	}
	slotID := snip.RegistrySlotID
	p.mu.Unlock()

	if slotID != "" {
		p.reg.ForceClearSlot(slotID)
	}

	p.mu.Lock()
	snip.Phase = PhaseRolledBack
	snip.RejectReason = reasonOr(reason, "rolled back")
	out := snip.clone()
	p.mu.Unlock()

	p.emit(EventRollback, stagingID, map[string]interface{}{"slot_id": slotID, "reason": reason})
	return out, nil
}

// ---------------------------------------------------------------------------
// Full pipeline
// ---------------------------------------------------------------------------

// RunFullPipeline is queue, speculate, auto verdict, and promote when
// passed, in one call.
func (p *Pipeline) RunFullPipeline(ctx context.Context, letter, language, code, label string, autoPromote bool) (*Snippet, error) {
	snip, err := p.QueueSnippet(letter, language, code, label)
	if err != nil {
		return nil, err
	}
	if snip, err = p.Speculate(ctx, snip.StagingID); err != nil {
		return snip, err
	}
	if snip, err = p.Verdict(snip.StagingID, VerdictAuto, ""); err != nil {
		return snip, err
	}
	if snip.Phase == PhasePassed && autoPromote {
		return p.Promote(snip.StagingID)
	}
	return snip, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// archiveLocked moves a terminal snippet into the bounded history.
// Caller holds mu.
func (p *Pipeline) archiveLocked(snip *Snippet) {
	p.history = append(p.history, snip)
	if len(p.history) > historyLimit {
		p.history = p.history[len(p.history)-historyLimit:]
	}
}

// GetSnippet returns a copy, or nil.
func (p *Pipeline) GetSnippet(stagingID string) *Snippet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.snippets[stagingID]; ok {
		return s.clone()
	}
	return nil
}

// GetActive lists snippets not yet in a terminal phase.
func (p *Pipeline) GetActive() []*Snippet {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Snippet
	for _, s := range p.snippets {
		if !s.Phase.Terminal() {
			out = append(out, s.clone())
		}
	}
	return out
}

// GetPromoted lists snippets currently in the promoted phase (rolled-back
// ones are excluded). This is the checkpoint's view of committed work.
func (p *Pipeline) GetPromoted() []*Snippet {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Snippet
	for _, s := range p.history {
		if s.Phase == PhasePromoted {
			out = append(out, s.clone())
		}
	}
	return out
}

// GetHistory returns the most recent terminal snippets, newest last.
func (p *Pipeline) GetHistory(limit int) []*Snippet {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := 0
	if limit > 0 && len(p.history) > limit {
		start = len(p.history) - limit
	}
	out := make([]*Snippet, 0, len(p.history)-start)
	for _, s := range p.history[start:] {
		out = append(out, s.clone())
	}
	return out
}

// GetAuditTrail pages the audit log newest-first, optionally scoped to one
// staging id.
func (p *Pipeline) GetAuditTrail(stagingID string, limit int) ([]AuditEvent, error) {
	return p.audit.read(stagingID, limit)
}

// Summary is the pipeline dashboard view.
type Summary struct {
	Phases       map[Phase]int  `json:"phases"`
	ActiveCount  int            `json:"active"`
	HistoryCount int            `json:"history"`
	Reservations map[string]int `json:"reservations"`
}

// GetSummary counts snippets per phase and reservations per engine.
func (p *Pipeline) GetSummary() *Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	sum := &Summary{
		Phases:       make(map[Phase]int),
		Reservations: make(map[string]int),
		HistoryCount: len(p.history),
	}
	for _, s := range p.snippets {
		sum.Phases[s.Phase]++
		if !s.Phase.Terminal() {
			sum.ActiveCount++
		}
	}
	for engine, held := range p.reservations {
		if len(held) > 0 {
			sum.Reservations[engine] = len(held)
		}
	}
	return sum
}
