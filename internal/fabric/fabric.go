// Package fabric is the coordinator: it owns the ledger, the execution
// matrix, the staging pipeline, the marshal token table, the locked-slot
// table, and the checkpoint writer, and it is the only component that calls
// across them. Constructed once at startup; teardown is the final
// checkpoint write.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spokedpy/backend/internal/checkpoint"
	"github.com/spokedpy/backend/internal/config"
	"github.com/spokedpy/backend/internal/events"
	"github.com/spokedpy/backend/internal/executor"
	"github.com/spokedpy/backend/internal/ledger"
	"github.com/spokedpy/backend/internal/marshal"
	"github.com/spokedpy/backend/internal/metrics"
	"github.com/spokedpy/backend/internal/registry"
	"github.com/spokedpy/backend/internal/staging"
)

var (
	ErrNotFound         = errors.New("fabric: not found")
	ErrPermissionDenied = errors.New("fabric: permission denied")
	ErrSlotLocked       = errors.New("fabric: slot locked")
	ErrConflict         = errors.New("fabric: conflict")
)

// DefaultTokenTTL applies when a submission does not name one.
const DefaultTokenTTL = time.Hour

// Fabric wires the core components together.
type Fabric struct {
	cfg *config.Config

	Ledger   *ledger.Ledger
	Registry *registry.Registry
	Pipeline *staging.Pipeline
	Tokens   *marshal.Registry
	Bus      *events.Bus

	pool  *executor.Pool
	locks *lockTable
	met   *metrics.Metrics
	ckpt  *checkpoint.Writer
}

// New constructs the coordinator and all process-wide state. met may be nil
// (tests run without a Prometheus registry).
func New(cfg *config.Config, pool *executor.Pool, met *metrics.Metrics) *Fabric {
	led := ledger.New()
	reg := registry.New(led, cfg.Matrix.BufferCap)
	pipe := staging.New(led, reg, pool, cfg.Paths.SnippetsDir, cfg.Paths.AuditLog)

	f := &Fabric{
		cfg:      cfg,
		Ledger:   led,
		Registry: reg,
		Pipeline: pipe,
		Tokens:   marshal.New(),
		Bus:      events.NewBus(),
		pool:     pool,
		locks:    newLockTable(),
		met:      met,
	}
	f.ckpt = checkpoint.NewWriter(cfg.Paths.CheckpointFile, cfg.Checkpoint.Debounce(), f.collectCheckpoint)

	pipe.OnEvent = func(evt staging.AuditEvent) {
		f.Bus.Publish(&events.Event{
			Type:    "staging." + string(evt.Event),
			Source:  "pipeline",
			Subject: evt.StagingID,
			Data:    evt.Data,
		})
		if f.met != nil {
			f.met.PipelineEvents.WithLabelValues(string(evt.Event)).Inc()
		}
	}
	return f
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// SubmitSnippet runs the full staging pipeline and mints the external token
// for the submission. The token is the only handle the caller gets; slot
// addresses stay behind the resolve path.
func (f *Fabric) SubmitSnippet(ctx context.Context, letter, language, code, label, origin, submitter, agentID string, ttl time.Duration) (*staging.Snippet, *marshal.Token, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	snip, err := f.Pipeline.RunFullPipeline(ctx, letter, language, code, label, true)
	if err != nil && snip == nil {
		return nil, nil, err
	}
	token := f.Tokens.Mint(snip.StagingID, ttl, origin, submitter, agentID)
	f.afterMutation()

	if f.met != nil {
		status := "failed"
		switch snip.Phase {
		case staging.PhasePromoted:
			status = "promoted"
		case staging.PhaseRejected:
			status = "rejected"
		}
		f.met.Promotions.WithLabelValues(snip.Language, status).Inc()
	}
	return snip, token, err
}

// ResolveToken is the external status lookup.
func (f *Fabric) ResolveToken(value string) *marshal.Resolution {
	return f.Tokens.Resolve(value)
}

// ---------------------------------------------------------------------------
// Slot operations
// ---------------------------------------------------------------------------

// LockSlot exempts a bound slot from eviction.
func (f *Fabric) LockSlot(address, by, reason string) error {
	slot := f.Registry.GetSlotByAddressString(address)
	if slot == nil || !slot.Bound() {
		return fmt.Errorf("%w: slot %s", ErrNotFound, address)
	}
	if !f.locks.lock(address, by, reason) {
		return fmt.Errorf("%w: %s already locked", ErrConflict, address)
	}
	f.afterMutation()
	return nil
}

// UnlockSlot releases a lock.
func (f *Fabric) UnlockSlot(address string) error {
	if !f.locks.unlock(address) {
		return fmt.Errorf("%w: no lock on %s", ErrNotFound, address)
	}
	f.afterMutation()
	return nil
}

// IsLocked reports lock state for an address.
func (f *Fabric) IsLocked(address string) bool { return f.locks.isLocked(address) }

// Locks returns the locked-slot table.
func (f *Fabric) Locks() map[string]LockRecord { return f.locks.all() }

// EvictSlot clears a bound slot unless it is locked.
func (f *Fabric) EvictSlot(address string) error {
	slot := f.Registry.GetSlotByAddressString(address)
	if slot == nil || !slot.Bound() {
		return fmt.Errorf("%w: slot %s", ErrNotFound, address)
	}
	if f.locks.isLocked(address) {
		return fmt.Errorf("%w: %s", ErrSlotLocked, address)
	}
	if !f.Registry.ForceClearSlot(slot.ID) {
		return fmt.Errorf("%w: slot %s", ErrNotFound, address)
	}
	f.afterMutation()
	return nil
}

// ExecuteSlot triggers an out-of-band execution of a slot's node. Requires
// the POST capability. The executor reads the ledger's current source, so a
// dirty slot hot-swaps here.
func (f *Fabric) ExecuteSlot(ctx context.Context, slotID string) (*executor.Result, error) {
	slot := f.Registry.GetSlot(slotID)
	if slot == nil || !slot.Bound() {
		return nil, fmt.Errorf("%w: slot %s", ErrNotFound, slotID)
	}
	if !slot.Perms.Post {
		return nil, fmt.Errorf("%w: POST on %s", ErrPermissionDenied, slot.Address())
	}
	res, err := f.runNode(ctx, slot.NodeID)
	if err != nil {
		return nil, err
	}
	f.Registry.RecordExecution(slotID, res.Success, res.Output, res.Error, res.Elapsed)
	f.updateGauges()
	return res, nil
}

// ---------------------------------------------------------------------------
// Ledger-driven execution
// ---------------------------------------------------------------------------

// runNode executes a node's current ledger source on the shared executor
// and records the execute entry.
func (f *Fabric) runNode(ctx context.Context, nodeID string) (*executor.Result, error) {
	snap, ok := f.Ledger.NodeSnapshot(nodeID)
	if !ok || !f.Ledger.IsActive(nodeID) {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	factory, err := f.pool.For(snap.Language)
	if err != nil {
		return nil, err
	}
	res, err := factory.Shared().Execute(ctx, snap.Source)
	if err != nil {
		return nil, err
	}
	if err := f.Ledger.RecordNodeExecuted(nodeID, res.Success, res.Output, res.Error, res.Elapsed, res.Variables, snap.Version); err != nil {
		return nil, err
	}
	if f.met != nil {
		status := "success"
		if !res.Success {
			status = "failure"
		}
		f.met.Executions.WithLabelValues(snap.Language, status).Inc()
		f.met.ExecutionDuration.WithLabelValues(snap.Language).Observe(res.Elapsed.Seconds())
	}
	return res, nil
}

// RunNode executes one node and, when the node is bound, records the result
// on its slot too.
func (f *Fabric) RunNode(ctx context.Context, nodeID string) (*executor.Result, error) {
	res, err := f.runNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if slot := f.Registry.GetSlotByNode(nodeID); slot != nil {
		f.Registry.RecordExecution(slot.ID, res.Success, res.Output, res.Error, res.Elapsed)
	}
	f.updateGauges()
	return res, nil
}

// BatchResult summarizes a run-all pass.
type BatchResult struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
}

// RunAll executes every active node in creation order and records the batch
// entry.
func (f *Fabric) RunAll(ctx context.Context) *BatchResult {
	start := time.Now()
	nodes := f.Ledger.NodesForExport()
	out := &BatchResult{Total: len(nodes)}
	var ids []string
	for _, n := range nodes {
		res, err := f.RunNode(ctx, n.NodeID)
		if err != nil {
			out.Skipped++
			slog.Warn("run-all node skipped", "node", n.NodeID, "error", err)
			continue
		}
		ids = append(ids, n.NodeID)
		if res.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	out.Elapsed = time.Since(start)
	f.Ledger.RecordExecutionBatch(ids, out.Failed == 0, out.Elapsed)
	return out
}

// ---------------------------------------------------------------------------
// Checkpoint
// ---------------------------------------------------------------------------

// afterMutation schedules a debounced checkpoint and refreshes the gauges.
// Every durable mutator funnels through here.
func (f *Fabric) afterMutation() {
	f.ckpt.Schedule()
	f.updateGauges()
}

func (f *Fabric) updateGauges() {
	if f.met == nil {
		return
	}
	sum := f.Registry.Summary()
	f.met.CommittedSlots.Set(float64(sum.TotalCommitted))
	f.met.DirtySlots.Set(float64(f.Registry.RefreshAllFromLedger()))
	f.met.LiveTokens.Set(float64(len(f.Tokens.Live())))
}

// CheckpointNow writes synchronously. Used at shutdown and by the force
// operation.
func (f *Fabric) CheckpointNow() error {
	err := f.ckpt.WriteNow()
	if f.met != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		f.met.CheckpointWrites.WithLabelValues(status).Inc()
	}
	return err
}

// InspectCheckpoint reads the document currently on disk.
func (f *Fabric) InspectCheckpoint() (*checkpoint.Document, error) {
	return checkpoint.Load(f.cfg.Paths.CheckpointFile)
}

// collectCheckpoint assembles the durable boundary: locks, live tokens, and
// currently promoted snippets with full provenance.
func (f *Fabric) collectCheckpoint() *checkpoint.Document {
	doc := checkpoint.NewDocument()

	for addr, rec := range f.locks.all() {
		doc.LockedSlots[addr] = checkpoint.LockRecord{
			LockedAt: float64(rec.LockedAt.UnixNano()) / 1e9,
			LockedBy: rec.LockedBy,
			Reason:   rec.Reason,
		}
	}

	now := time.Now()
	for _, t := range f.Tokens.Live() {
		remaining := t.TTL - now.Sub(t.CreatedAt)
		if remaining < 0 {
			remaining = 0
		}
		doc.MarshalTokens[t.Value] = checkpoint.TokenRecord{
			StagingID:    t.StagingID,
			CreatedAt:    float64(t.CreatedAt.UnixNano()) / 1e9,
			TTL:          t.TTL.Seconds(),
			RemainingTTL: remaining.Seconds(),
			Origin:       t.Origin,
			Submitter:    t.Submitter,
			AgentID:      t.AgentID,
		}
	}

	for _, snip := range f.Pipeline.GetPromoted() {
		ps := checkpoint.PromotedSnippet{
			StagingID:      snip.StagingID,
			Language:       snip.Language,
			EngineLetter:   snip.Letter,
			Code:           snip.Code,
			Label:          snip.Label,
			CodeHash:       snip.CodeHash,
			CreatedAt:      float64(snip.CreatedAt.UnixNano()) / 1e9,
			PromotedAt:     float64(snip.PromotedAt.UnixNano()) / 1e9,
			SpecOutput:     snip.SpecOutput,
			SpecError:      snip.SpecError,
			SpecTime:       snip.SpecElapsed.Seconds(),
			SpecSuccess:    snip.SpecSuccess,
			SavedFilePath:  snip.SavedFilePath,
			LedgerNodeID:   snip.LedgerNodeID,
			RegistrySlotID: snip.RegistrySlotID,
		}
		if snip.Reservation != nil {
			ps.Address = snip.Reservation.Address
			ps.Position = snip.Reservation.Position
			ps.EngineName = snip.Reservation.Engine
			ps.Locked = f.locks.isLocked(snip.Reservation.Address)
		}
		if tok := f.Tokens.FindByStagingID(snip.StagingID); tok != nil {
			ps.Token = tok.Value
			ps.TTL = tok.TTL.Seconds()
			ps.Origin = tok.Origin
			ps.Submitter = tok.Submitter
			ps.AgentID = tok.AgentID
		}
		doc.PromotedSnippets = append(doc.PromotedSnippets, ps)
	}
	return doc
}

// Restore replays the checkpoint once at startup: re-promote every
// persisted snippet through the full pipeline, re-apply its token or mint a
// fresh one for locked snippets, then re-apply locks. Best-effort: a
// failing snippet is logged and skipped.
func (f *Fabric) Restore(ctx context.Context) (int, error) {
	doc, err := checkpoint.Load(f.cfg.Paths.CheckpointFile)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, nil
	}

	restored := 0
	consumedTokens := make(map[string]bool)
	consumedLocks := make(map[string]bool)
	for _, ps := range doc.PromotedSnippets {
		snip, err := f.Pipeline.RunFullPipeline(ctx, ps.EngineLetter, ps.Language, ps.Code, ps.Label, true)
		if err != nil || snip.Phase != staging.PhasePromoted {
			slog.Warn("restore: snippet skipped", "staging_id", ps.StagingID, "error", err)
			continue
		}
		restored++

		newAddress := ""
		if snip.Reservation != nil {
			newAddress = snip.Reservation.Address
		}

		rec, live := doc.MarshalTokens[ps.Token]
		switch {
		case ps.Token != "" && live && rec.RemainingTTL > 0:
			f.Tokens.Restore(ps.Token, snip.StagingID,
				time.Duration(rec.RemainingTTL*float64(time.Second)),
				rec.Origin, rec.Submitter, rec.AgentID)
			consumedTokens[ps.Token] = true
		case ps.Locked:
			// the lock outlived the token; a locked snippet always has a
			// valid handle after restore
			ttl := time.Duration(ps.TTL * float64(time.Second))
			if ttl <= 0 {
				ttl = DefaultTokenTTL
			}
			f.Tokens.Mint(snip.StagingID, ttl, ps.Origin, ps.Submitter, ps.AgentID)
			consumedTokens[ps.Token] = true
		}

		if ps.Locked && newAddress != "" {
			if old, ok := doc.LockedSlots[ps.Address]; ok {
				f.locks.restore(newAddress, LockRecord{
					LockedAt: time.Unix(0, int64(old.LockedAt*1e9)).UTC(),
					LockedBy: old.LockedBy,
					Reason:   old.Reason,
				})
				consumedLocks[ps.Address] = true
			} else {
				f.locks.lock(newAddress, "restore", "persisted lock")
			}
		}
	}

	// Standalone tokens and stale locks survive even without a matching
	// snippet.
	for value, rec := range doc.MarshalTokens {
		if consumedTokens[value] || rec.RemainingTTL <= 0 {
			continue
		}
		f.Tokens.Restore(value, rec.StagingID,
			time.Duration(rec.RemainingTTL*float64(time.Second)),
			rec.Origin, rec.Submitter, rec.AgentID)
	}
	for addr, rec := range doc.LockedSlots {
		if consumedLocks[addr] || f.locks.isLocked(addr) {
			continue
		}
		f.locks.restore(addr, LockRecord{
			LockedAt: time.Unix(0, int64(rec.LockedAt*1e9)).UTC(),
			LockedBy: rec.LockedBy,
			Reason:   rec.Reason,
		})
	}

	slog.Info("checkpoint restored", "snippets", restored,
		"tokens", f.Tokens.Count(), "locks", len(f.locks.all()))
	f.afterMutation()
	return restored, nil
}

// Shutdown flushes the final checkpoint.
func (f *Fabric) Shutdown() {
	f.ckpt.Stop()
	if err := f.CheckpointNow(); err != nil {
		slog.Error("final checkpoint failed", "error", err)
	}
}

// Pool exposes the executor pool for health views.
func (f *Fabric) Pool() *executor.Pool { return f.pool }
