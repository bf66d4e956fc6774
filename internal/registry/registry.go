// Package registry maintains the execution matrix: one fixed row of
// pre-allocated slots per language, permission-governed, with hot-swap
// bookkeeping against the ledger. The registry reads ledger snapshots but
// never writes back into the ledger.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spokedpy/backend/internal/lang"
	"github.com/spokedpy/backend/internal/ledger"
)

var (
	ErrSlotNotFound  = errors.New("registry: slot not found")
	ErrEngineUnknown = errors.New("registry: engine unknown")
	ErrEngineFull    = errors.New("registry: engine full")
	ErrSlotOccupied  = errors.New("registry: slot already occupied")
	ErrNodeInactive  = errors.New("registry: node not active in ledger")
	ErrNodeBound     = errors.New("registry: node already bound to a slot")
)

// DefaultBufferCap bounds each slot's input and output ring buffers.
const DefaultBufferCap = 256

// Registry is the matrix. All mutable slot state lives behind one RWMutex;
// the ledger has its own lock and is only ever read here (acquisition order:
// registry first, ledger second).
type Registry struct {
	mu     sync.RWMutex
	ledger *ledger.Ledger

	rows      map[string]*EngineRow
	byLetter  map[byte]*EngineRow
	slots     map[string]*Slot
	bufferCap int
}

// New pre-allocates every row and slot. Slot ids are assigned row-major
// starting at nra01 and are stable for the registry's lifetime.
func New(led *ledger.Ledger, bufferCap int) *Registry {
	if bufferCap <= 0 {
		bufferCap = DefaultBufferCap
	}
	r := &Registry{
		ledger:    led,
		rows:      make(map[string]*EngineRow),
		byLetter:  make(map[byte]*EngineRow),
		slots:     make(map[string]*Slot),
		bufferCap: bufferCap,
	}
	n := 0
	for i := range lang.Languages {
		l := &lang.Languages[i]
		row := &EngineRow{
			Name:     l.Name,
			Letter:   l.Letter,
			Language: l.Name,
			Max:      l.Capacity,
			Slots:    make([]*Slot, l.Capacity),
		}
		for pos := 1; pos <= l.Capacity; pos++ {
			n++
			s := &Slot{
				ID:       fmt.Sprintf("nra%02d", n),
				Letter:   l.Letter,
				Engine:   l.Name,
				Position: pos,
				Perms:    DefaultPermissions(),
			}
			row.Slots[pos-1] = s
			r.slots[s.ID] = s
		}
		r.rows[l.Name] = row
		r.byLetter[l.Letter] = row
	}
	slog.Info("execution matrix allocated", "engines", len(r.rows), "slots", n)
	return r
}

// ---------------------------------------------------------------------------
// Commit / refresh
// ---------------------------------------------------------------------------

// CommitNode binds an active ledger node into the matrix. With no engine the
// node's current language decides the row; with no position the first empty
// cell wins.
func (r *Registry) CommitNode(nodeID, engineName string, position int, perms *Permissions) (*Slot, error) {
	snap, ok := r.ledger.NodeSnapshot(nodeID)
	if !ok || !r.ledger.IsActive(nodeID) {
		return nil, ErrNodeInactive
	}
	if engineName == "" {
		engineName = snap.Language
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[engineName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineUnknown, engineName)
	}
	for _, s := range r.slots {
		if s.NodeID == nodeID {
			return nil, fmt.Errorf("%w: %s at %s", ErrNodeBound, nodeID, s.Address())
		}
	}

	var slot *Slot
	if position > 0 {
		if position > row.Max {
			return nil, fmt.Errorf("%w: %s has %d positions", ErrEngineUnknown, engineName, row.Max)
		}
		slot = row.Slots[position-1]
		if slot.Bound() {
			return nil, fmt.Errorf("%w: %s", ErrSlotOccupied, slot.Address())
		}
	} else {
		for _, s := range row.Slots {
			if !s.Bound() {
				slot = s
				break
			}
		}
		if slot == nil {
			return nil, fmt.Errorf("%w: %s", ErrEngineFull, engineName)
		}
	}

	slot.NodeID = nodeID
	slot.Code = snap.Source
	slot.CommittedVersion = snap.Version
	slot.ExecutedVersion = 0
	slot.ExecCount = 0
	slot.LastOutput = ""
	slot.LastError = ""
	slot.LastElapsed = 0
	slot.LastExecutedAt = time.Time{}
	if perms != nil {
		slot.Perms = *perms
	} else {
		slot.Perms = DefaultPermissions()
	}

	slog.Info("node committed", "node", nodeID, "slot", slot.ID, "address", slot.Address(), "version", slot.CommittedVersion)
	return slot.snapshot(), nil
}

// CommitAllFromLedger auto-commits every active node that is not yet bound,
// ordered by display name for deterministic placement.
func (r *Registry) CommitAllFromLedger() []*Slot {
	snaps := r.ledger.ActiveSnapshots()

	bound := make(map[string]bool)
	r.mu.RLock()
	for _, s := range r.slots {
		if s.Bound() {
			bound[s.NodeID] = true
		}
	}
	r.mu.RUnlock()

	type pending struct{ id, name string }
	var todo []pending
	for id, snap := range snaps {
		if !bound[id] {
			todo = append(todo, pending{id, snap.DisplayName})
		}
	}
	sort.Slice(todo, func(i, j int) bool {
		if todo[i].name != todo[j].name {
			return todo[i].name < todo[j].name
		}
		return todo[i].id < todo[j].id
	})

	var out []*Slot
	for _, p := range todo {
		slot, err := r.CommitNode(p.id, "", 0, nil)
		if err != nil {
			slog.Warn("auto-commit skipped", "node", p.id, "error", err)
			continue
		}
		out = append(out, slot)
	}
	return out
}

// RefreshAllFromLedger compares every bound slot against the ledger and
// returns how many are dirty. Bound code is never mutated here; hot-swap
// happens on the next execution.
func (r *Registry) RefreshAllFromLedger() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dirty := 0
	for _, s := range r.slots {
		if !s.Bound() {
			continue
		}
		if snap, ok := r.ledger.NodeSnapshot(s.NodeID); ok && s.CommittedVersion < snap.Version {
			dirty++
		}
	}
	return dirty
}

// DirtySlots returns bound slots whose committed version lags the ledger.
func (r *Registry) DirtySlots() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Slot
	for _, s := range r.slots {
		if !s.Bound() {
			continue
		}
		if snap, ok := r.ledger.NodeSnapshot(s.NodeID); ok && s.CommittedVersion < snap.Version {
			out = append(out, s.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

// GetSlot returns a copy of the slot, or nil.
func (r *Registry) GetSlot(slotID string) *Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.slots[slotID]; ok {
		return s.snapshot()
	}
	return nil
}

// GetSlotByAddress resolves the letter+position cell.
func (r *Registry) GetSlotByAddress(letter byte, position int) *Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.byLetter[letter]
	if !ok || position < 1 || position > row.Max {
		return nil
	}
	return row.Slots[position-1].snapshot()
}

// ParseAddress splits the canonical "a3" form.
func ParseAddress(addr string) (byte, int, bool) {
	if len(addr) < 2 {
		return 0, 0, false
	}
	pos, err := strconv.Atoi(addr[1:])
	if err != nil || pos < 1 {
		return 0, 0, false
	}
	return addr[0], pos, true
}

// GetSlotByAddressString resolves a canonical address string.
func (r *Registry) GetSlotByAddressString(addr string) *Slot {
	letter, pos, ok := ParseAddress(addr)
	if !ok {
		return nil
	}
	return r.GetSlotByAddress(letter, pos)
}

// GetSlotByNode finds the slot a node is bound to, or nil.
func (r *Registry) GetSlotByNode(nodeID string) *Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.slots {
		if s.NodeID == nodeID {
			return s.snapshot()
		}
	}
	return nil
}

// EngineRowView returns a dense copy of one row's slots.
func (r *Registry) EngineRowView(name string) ([]*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[name]
	if !ok {
		return nil, false
	}
	out := make([]*Slot, len(row.Slots))
	for i, s := range row.Slots {
		out[i] = s.snapshot()
	}
	return out, true
}

// EngineFor reports the row a letter maps to.
func (r *Registry) EngineFor(letter byte) (string, int, bool) {
	row, ok := r.byLetter[letter]
	if !ok {
		return "", 0, false
	}
	return row.Name, row.Max, true
}

// ---------------------------------------------------------------------------
// Summary
// ---------------------------------------------------------------------------

// EngineSummary is the per-row occupancy line of the matrix summary.
type EngineSummary struct {
	Name      string `json:"name"`
	Letter    string `json:"letter"`
	Capacity  int    `json:"capacity"`
	Committed int    `json:"committed"`
}

// SlotSummary is the per-bound-slot line of the matrix summary.
type SlotSummary struct {
	SlotID      string `json:"slot_id"`
	Address     string `json:"address"`
	NodeID      string `json:"node_id"`
	NodeName    string `json:"node_name,omitempty"`
	Version     int    `json:"version"`
	ExecCount   int    `json:"exec_count"`
	LastOutput  string `json:"last_output,omitempty"`
	Permissions string `json:"permissions"`
}

// MatrixSummary is the structured occupancy view of the whole matrix.
type MatrixSummary struct {
	TotalCapacity  int             `json:"total_capacity"`
	TotalCommitted int             `json:"total_committed"`
	Engines        []EngineSummary `json:"engines"`
	Slots          []SlotSummary   `json:"slots"`
}

// outputPreviewLen bounds the last-output preview in summaries.
const outputPreviewLen = 80

// Summary builds the matrix view.
func (r *Registry) Summary() *MatrixSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sum := &MatrixSummary{TotalCapacity: len(r.slots)}
	for i := range lang.Languages {
		row := r.rows[lang.Languages[i].Name]
		es := EngineSummary{Name: row.Name, Letter: string(row.Letter), Capacity: row.Max}
		for _, s := range row.Slots {
			if !s.Bound() {
				continue
			}
			es.Committed++
			preview := s.LastOutput
			if len(preview) > outputPreviewLen {
				preview = preview[:outputPreviewLen]
			}
			name := ""
			if snap, ok := r.ledger.NodeSnapshot(s.NodeID); ok {
				name = snap.DisplayName
			}
			sum.Slots = append(sum.Slots, SlotSummary{
				SlotID:      s.ID,
				Address:     s.Address(),
				NodeID:      s.NodeID,
				NodeName:    name,
				Version:     s.CommittedVersion,
				ExecCount:   s.ExecCount,
				LastOutput:  preview,
				Permissions: s.Perms.String(),
			})
		}
		sum.TotalCommitted += es.Committed
		sum.Engines = append(sum.Engines, es)
	}
	return sum
}

// ---------------------------------------------------------------------------
// Slot mutation
// ---------------------------------------------------------------------------

// ClearSlot unbinds the node and zeroes statistics and buffers. Permissions
// and the nra## id survive; a later commit reuses both. Requires DEL.
func (r *Registry) ClearSlot(slotID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotID]
	if !ok || !s.Bound() || !s.Perms.Del {
		return false
	}
	s.NodeID = ""
	s.Code = ""
	s.CommittedVersion = 0
	s.ExecutedVersion = 0
	s.ExecCount = 0
	s.LastOutput = ""
	s.LastError = ""
	s.LastElapsed = 0
	s.LastExecutedAt = time.Time{}
	s.inputs = nil
	s.outputs = nil
	s.subs = nil
	slog.Info("slot cleared", "slot", slotID)
	return true
}

// ForceClearSlot clears regardless of the DEL bit. Reserved for the
// coordinator's eviction and rollback paths, which carry their own
// authorization.
func (r *Registry) ForceClearSlot(slotID string) bool {
	r.mu.Lock()
	s, ok := r.slots[slotID]
	if !ok || !s.Bound() {
		r.mu.Unlock()
		return false
	}
	s.Perms.Del = true
	r.mu.Unlock()
	return r.ClearSlot(slotID)
}

// SetSlotPermissions replaces one slot's permission set.
func (r *Registry) SetSlotPermissions(slotID string, perms Permissions) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return false
	}
	s.Perms = perms
	return true
}

// SetEnginePermissions replaces the permission set on every slot of a row.
func (r *Registry) SetEnginePermissions(engineName string, perms Permissions) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[engineName]
	if !ok {
		return false
	}
	for _, s := range row.Slots {
		s.Perms = perms
	}
	return true
}

// PushToSlot appends to the slot's input buffer. Requires PUSH; overflow
// drops the oldest record.
func (r *Registry) PushToSlot(slotID string, data interface{}, source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotID]
	if !ok || !s.Perms.Push {
		return false
	}
	s.inputs = append(s.inputs, InputRecord{Data: data, Source: source, Timestamp: time.Now().UTC()})
	if len(s.inputs) > r.bufferCap {
		s.inputs = s.inputs[len(s.inputs)-r.bufferCap:]
	}
	return true
}

// DrainInputBuffer removes and returns all pending inputs.
func (r *Registry) DrainInputBuffer(slotID string) []InputRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotID]
	if !ok || len(s.inputs) == 0 {
		return nil
	}
	out := s.inputs
	s.inputs = nil
	return out
}

// ReadSlotOutput copies the last n output records without mutating the
// buffer. Requires GET.
func (r *Registry) ReadSlotOutput(slotID string, lastN int) ([]OutputRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.slots[slotID]
	if !ok || !s.Perms.Get {
		return nil, false
	}
	if lastN <= 0 || lastN > len(s.outputs) {
		lastN = len(s.outputs)
	}
	out := make([]OutputRecord, lastN)
	copy(out, s.outputs[len(s.outputs)-lastN:])
	return out, true
}

// RecordExecution updates statistics and pushes an output record. Execution
// is where hot-swap lands: the executor read the latest ledger source, so
// the committed version and cached code catch up here.
func (r *Registry) RecordExecution(slotID string, success bool, output, errMsg string, elapsed time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotID]
	if !ok || !s.Bound() {
		return false
	}
	if snap, ok := r.ledger.NodeSnapshot(s.NodeID); ok && snap.Version > s.CommittedVersion {
		s.CommittedVersion = snap.Version
		s.Code = snap.Source
	}
	s.ExecutedVersion = s.CommittedVersion
	s.ExecCount++
	s.LastElapsed = elapsed
	s.LastOutput = output
	s.LastError = errMsg
	s.LastExecutedAt = time.Now().UTC()
	s.outputs = append(s.outputs, OutputRecord{
		Output:    output,
		Error:     errMsg,
		Success:   success,
		Elapsed:   elapsed,
		Timestamp: s.LastExecutedAt,
	})
	if len(s.outputs) > r.bufferCap {
		s.outputs = s.outputs[len(s.outputs)-r.bufferCap:]
	}
	return true
}

// RollbackSlot rebinds the slot to a historical source from the ledger's
// version history. Slot-local only: no ledger entry is appended, so the next
// refresh will flag the slot dirty until an edit re-aligns it.
func (r *Registry) RollbackSlot(slotID string, targetVersion int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotID]
	if !ok || !s.Bound() {
		return false
	}
	snap, ok := r.ledger.NodeSnapshot(s.NodeID)
	if !ok {
		return false
	}
	var source string
	found := false
	if targetVersion == snap.Version {
		source, found = snap.Source, true
	} else {
		for _, cv := range snap.History {
			if cv.Version == targetVersion {
				source, found = cv.Source, true
				break
			}
		}
	}
	if !found {
		return false
	}
	s.Code = source
	s.CommittedVersion = targetVersion
	slog.Info("slot rolled back", "slot", slotID, "version", targetVersion)
	return true
}

// Subscribe records a flow from the publisher's output into the subscriber's
// input. Delivery happens on Tick.
func (r *Registry) Subscribe(subscriberID, publisherID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.slots[subscriberID]
	if !ok {
		return false
	}
	if _, ok := r.slots[publisherID]; !ok || subscriberID == publisherID {
		return false
	}
	for _, existing := range sub.subs {
		if existing.publisher == publisherID {
			return true
		}
	}
	pub := r.slots[publisherID]
	sub.subs = append(sub.subs, subscription{publisher: publisherID, delivered: pub.ExecCount})
	return true
}

// Tick drains new publisher output into subscriber input buffers. Respects
// the subscriber's PUSH bit like any other producer.
func (r *Registry) Tick() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	moved := 0
	for _, s := range r.slots {
		for i := range s.subs {
			pub, ok := r.slots[s.subs[i].publisher]
			if !ok {
				continue
			}
			fresh := pub.ExecCount - s.subs[i].delivered
			if fresh <= 0 || !s.Perms.Push {
				continue
			}
			if fresh > len(pub.outputs) {
				fresh = len(pub.outputs)
			}
			for _, rec := range pub.outputs[len(pub.outputs)-fresh:] {
				s.inputs = append(s.inputs, InputRecord{
					Data:      rec.Output,
					Source:    pub.ID,
					Timestamp: time.Now().UTC(),
				})
				moved++
			}
			if len(s.inputs) > r.bufferCap {
				s.inputs = s.inputs[len(s.inputs)-r.bufferCap:]
			}
			s.subs[i].delivered = pub.ExecCount
		}
	}
	return moved
}
