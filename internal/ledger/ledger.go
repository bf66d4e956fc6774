// Package ledger is the fabric's source of truth: an append-only, totally
// ordered event log plus a derived per-node snapshot projection. Every node
// mutation flows through here; the registry and pipeline only ever read.
package ledger

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// EntryKind enumerates the event types the log accepts.
type EntryKind string

const (
	KindSessionBegin EntryKind = "import_session_begin"
	KindNodeImported EntryKind = "node_imported"
	KindCodeEdit     EntryKind = "code_edit"
	KindConversion   EntryKind = "language_conversion"
	KindExecuted     EntryKind = "executed"
	KindDeleted      EntryKind = "deleted"
	KindConnected    EntryKind = "connected"
	KindBatch        EntryKind = "batch"
)

// DependencyStrategy controls how an import session treats the source file's
// dependencies.
type DependencyStrategy string

const (
	StrategyIgnore         DependencyStrategy = "ignore"
	StrategyPreserve       DependencyStrategy = "preserve"
	StrategyConsolidate    DependencyStrategy = "consolidate"
	StrategyRefactorExport DependencyStrategy = "refactor-export"
)

// ResolveDependencyStrategy maps a raw string onto the enum,
// case-insensitively. Anything unrecognized, including the empty string,
// resolves to preserve.
func ResolveDependencyStrategy(s string) DependencyStrategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(StrategyIgnore):
		return StrategyIgnore
	case string(StrategyConsolidate):
		return StrategyConsolidate
	case string(StrategyRefactorExport):
		return StrategyRefactorExport
	default:
		return StrategyPreserve
	}
}

// Entry is one immutable log record.
type Entry struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      EntryKind              `json:"kind"`
	NodeID    string                 `json:"node_id,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
}

// CodeVersion is one retained historical source of a node.
type CodeVersion struct {
	Version int    `json:"version"`
	Source  string `json:"source"`
}

// Snapshot is the derived current view of one node. Reads are O(1); a full
// rebuild from the log must produce the same projection.
type Snapshot struct {
	NodeID      string                 `json:"node_id"`
	DisplayName string                 `json:"display_name"`
	RawName     string                 `json:"raw_name"`
	NodeType    string                 `json:"node_type"`
	Language    string                 `json:"language"`
	Source      string                 `json:"source"`
	Version     int                    `json:"version"`
	Modified    bool                   `json:"modified"`
	Converted   bool                   `json:"converted"`
	ClassName   string                 `json:"class_name,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	History     []CodeVersion          `json:"history,omitempty"`
	SourceFile  string                 `json:"source_file,omitempty"`
	Session     int64                  `json:"import_session"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ExportNode is the bulk-runner view of a node, in creation order.
type ExportNode struct {
	NodeID   string `json:"node_id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Source   string `json:"source"`
}

// historyCap bounds the retained past versions per node.
const historyCap = 50

var (
	ErrNodeNotFound = errors.New("ledger: node not found")
	ErrNodeDeleted  = errors.New("ledger: node deleted")
	ErrNodeExists   = errors.New("ledger: node already imported")
)

// Ledger holds the log and its projection. A single RWMutex guards both so
// readers always observe a prefix-consistent view.
type Ledger struct {
	mu          sync.RWMutex
	entries     []Entry
	nextEntryID int64
	nextSession int64

	snapshots map[string]*Snapshot
	deleted   map[string]bool
	order     []string // node ids in creation order

	imports map[int64][]string // session -> import directives
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		snapshots: make(map[string]*Snapshot),
		deleted:   make(map[string]bool),
		imports:   make(map[int64][]string),
	}
}

// append allocates the next entry id and records the entry. Callers hold the
// write lock and must have validated everything first: once appended, an
// entry is visible and permanent.
func (l *Ledger) append(kind EntryKind, nodeID string, payload map[string]interface{}) Entry {
	l.nextEntryID++
	e := Entry{
		ID:        l.nextEntryID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		NodeID:    nodeID,
		Payload:   payload,
	}
	l.entries = append(l.entries, e)
	return e
}

// BeginImport allocates a fresh session number and logs the session start.
func (l *Ledger) BeginImport(sourceFile, sourceLanguage, fileContent, dependencyStrategy string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSession++
	session := l.nextSession
	payload := map[string]interface{}{
		"session":             session,
		"source_file":         sourceFile,
		"source_language":     sourceLanguage,
		"dependency_strategy": string(ResolveDependencyStrategy(dependencyStrategy)),
	}
	if fileContent != "" {
		payload["file_size"] = len(fileContent)
	}
	l.append(KindSessionBegin, "", payload)
	return session
}

// RecordNodeImported registers a new node at version 1.
func (l *Ledger) RecordNodeImported(nodeID, nodeType, displayName, rawName, source, sourceLanguage, sourceFile string, session int64, metadata map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, revived := l.snapshots[nodeID]
	if revived && !l.deleted[nodeID] {
		return ErrNodeExists
	}

	e := l.append(KindNodeImported, nodeID, map[string]interface{}{
		"node_type":    nodeType,
		"display_name": displayName,
		"source":       source,
		"language":     sourceLanguage,
		"session":      session,
	})
	snap := &Snapshot{
		NodeID:      nodeID,
		DisplayName: displayName,
		RawName:     rawName,
		NodeType:    nodeType,
		Language:    sourceLanguage,
		Source:      source,
		Version:     1,
		Metadata:    metadata,
		SourceFile:  sourceFile,
		Session:     session,
		CreatedAt:   e.Timestamp,
	}
	if metadata != nil {
		if cn, ok := metadata["class_name"].(string); ok {
			snap.ClassName = cn
		}
	}
	l.snapshots[nodeID] = snap
	delete(l.deleted, nodeID)
	// a revived tombstone already holds its place in creation order
	if !revived {
		l.order = append(l.order, nodeID)
	}
	return nil
}

// RecordFileImports logs a session's import directives.
func (l *Ledger) RecordFileImports(session int64, imports []string, sourceFile string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.append(KindConnected, "", map[string]interface{}{
		"session":     session,
		"imports":     append([]string{}, imports...),
		"source_file": sourceFile,
	})
	l.imports[session] = append(l.imports[session], imports...)
}

// FileImports returns the union of all recorded import directives,
// deduplicated by raw string and sorted ascending.
func (l *Ledger) FileImports() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, imports := range l.imports {
		for _, imp := range imports {
			if !seen[imp] {
				seen[imp] = true
				out = append(out, imp)
			}
		}
	}
	sort.Strings(out)
	return out
}

// mutableSnapshot fetches the live projection for a code-altering entry.
func (l *Ledger) mutableSnapshot(nodeID string) (*Snapshot, error) {
	snap, ok := l.snapshots[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	if l.deleted[nodeID] {
		return nil, ErrNodeDeleted
	}
	return snap, nil
}

// pushHistory retains the outgoing source before a code-altering entry.
func pushHistory(snap *Snapshot) {
	snap.History = append(snap.History, CodeVersion{Version: snap.Version, Source: snap.Source})
	if len(snap.History) > historyCap {
		snap.History = snap.History[len(snap.History)-historyCap:]
	}
}

// RecordCodeEdit appends an edit entry and advances the node's version.
func (l *Ledger) RecordCodeEdit(nodeID, newSource, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.mutableSnapshot(nodeID)
	if err != nil {
		return err
	}
	l.append(KindCodeEdit, nodeID, map[string]interface{}{
		"source": newSource,
		"reason": reason,
	})
	pushHistory(snap)
	snap.Source = newSource
	snap.Version++
	snap.Modified = true
	return nil
}

// RecordLanguageConversion is an edit that also switches the node's language.
func (l *Ledger) RecordLanguageConversion(nodeID, newLanguage, newSource string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.mutableSnapshot(nodeID)
	if err != nil {
		return err
	}
	l.append(KindConversion, nodeID, map[string]interface{}{
		"source":        newSource,
		"from_language": snap.Language,
		"to_language":   newLanguage,
	})
	pushHistory(snap)
	snap.Source = newSource
	snap.Language = newLanguage
	snap.Version++
	snap.Modified = true
	snap.Converted = true
	return nil
}

// RecordNodeExecuted logs one execution. Non-mutating to the version.
func (l *Ledger) RecordNodeExecuted(nodeID string, success bool, output, errMsg string, elapsed time.Duration, variables map[string]interface{}, codeVersion int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.mutableSnapshot(nodeID)
	if err != nil {
		return err
	}
	if codeVersion == 0 {
		codeVersion = snap.Version
	}
	payload := map[string]interface{}{
		"success":      success,
		"output":       output,
		"elapsed_ms":   float64(elapsed.Microseconds()) / 1000.0,
		"code_version": codeVersion,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if len(variables) > 0 {
		payload["variables"] = variables
	}
	l.append(KindExecuted, nodeID, payload)
	return nil
}

// RecordExecutionBatch logs a cross-node execution grouping.
func (l *Ledger) RecordExecutionBatch(nodeIDs []string, success bool, total time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.append(KindBatch, "", map[string]interface{}{
		"node_ids":   append([]string{}, nodeIDs...),
		"success":    success,
		"total_ms":   float64(total.Microseconds()) / 1000.0,
		"node_count": len(nodeIDs),
	})
}

// RecordNodeDeleted logically deletes a node. Its history stays queryable.
func (l *Ledger) RecordNodeDeleted(nodeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.snapshots[nodeID]; !ok {
		return ErrNodeNotFound
	}
	if l.deleted[nodeID] {
		return ErrNodeDeleted
	}
	l.append(KindDeleted, nodeID, nil)
	l.deleted[nodeID] = true
	return nil
}

// NodeSnapshot returns a copy of the node's projection, deleted or not.
func (l *Ledger) NodeSnapshot(nodeID string) (*Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap, ok := l.snapshots[nodeID]
	if !ok {
		return nil, false
	}
	return copySnapshot(snap), true
}

// IsActive reports whether the node exists and has not been deleted.
func (l *Ledger) IsActive(nodeID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.snapshots[nodeID]
	return ok && !l.deleted[nodeID]
}

// ActiveSnapshots returns copies of every undeleted node's projection.
func (l *Ledger) ActiveSnapshots() map[string]*Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]*Snapshot)
	for id, snap := range l.snapshots {
		if !l.deleted[id] {
			out[id] = copySnapshot(snap)
		}
	}
	return out
}

// NodeExecutions returns the executed entries for one node, in log order.
func (l *Ledger) NodeExecutions(nodeID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.Kind == KindExecuted && e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// NodesForExport lists active nodes in creation order for bulk runners.
func (l *Ledger) NodesForExport() []ExportNode {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []ExportNode
	for _, id := range l.order {
		if l.deleted[id] {
			continue
		}
		snap := l.snapshots[id]
		out = append(out, ExportNode{
			NodeID:   id,
			Name:     snap.DisplayName,
			Language: snap.Language,
			Source:   snap.Source,
		})
	}
	return out
}

// Entries returns a copy of the full log. Intended for inspection and tests.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func copySnapshot(s *Snapshot) *Snapshot {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.History = make([]CodeVersion, len(s.History))
	copy(cp.History, s.History)
	return &cp
}
