package staging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind enumerates the audit trail's event types.
type EventKind string

const (
	EventQueued            EventKind = "snippet_queued"
	EventSlotReserved      EventKind = "slot_reserved"
	EventSpecExecStarted   EventKind = "spec_exec_started"
	EventSpecExecCompleted EventKind = "spec_exec_completed"
	EventSpecExecFailed    EventKind = "spec_exec_failed"
	EventVerdictPass       EventKind = "verdict_pass"
	EventVerdictFail       EventKind = "verdict_fail"
	EventVerdictHold       EventKind = "verdict_manual_hold"
	EventPromotionStarted  EventKind = "promotion_started"
	EventFileWritten       EventKind = "file_written"
	EventLedgerNodeCreated EventKind = "ledger_node_created"
	EventSlotCommitted     EventKind = "registry_slot_committed"
	EventPromotionDone     EventKind = "promotion_completed"
	EventRejection         EventKind = "rejection"
	EventRollback          EventKind = "rollback"
	EventSlotReleased      EventKind = "slot_released"
	EventError             EventKind = "error"
)

// AuditEvent is one line of the append-only JSON-lines audit log.
type AuditEvent struct {
	Timestamp float64                `json:"timestamp"`
	ISOTime   string                 `json:"iso_time"`
	Event     EventKind              `json:"event"`
	StagingID string                 `json:"staging_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// auditLog appends events to a single JSON-lines file. Its own mutex keeps
// writes whole; the pipeline lock is never held across file I/O here.
type auditLog struct {
	mu   sync.Mutex
	path string
}

func newAuditLog(path string) *auditLog {
	return &auditLog{path: path}
}

// append writes one event. A write failure is returned but the pipeline
// treats it as best-effort: state transitions never hinge on audit I/O.
func (a *auditLog) append(evt AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("audit dir: %w", err)
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit open: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("audit encode: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("audit write: %w", err)
	}
	return nil
}

// read returns events newest-first, optionally filtered by staging id,
// capped at limit.
func (a *auditLog) read(stagingID string, limit int) ([]AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var evt AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			continue // tolerate partial trailing lines
		}
		if stagingID != "" && evt.StagingID != stagingID {
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// newest first
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// newEvent stamps the wall clock in both epoch and ISO forms.
func newEvent(kind EventKind, stagingID string, data map[string]interface{}) AuditEvent {
	now := time.Now().UTC()
	return AuditEvent{
		Timestamp: float64(now.UnixNano()) / 1e9,
		ISOTime:   now.Format(time.RFC3339Nano),
		Event:     kind,
		StagingID: stagingID,
		Data:      data,
	}
}
