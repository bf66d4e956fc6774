// Package checkpoint persists the fabric's durable boundary: locked slots,
// live marshal tokens, and promoted snippets. Writes are debounced and
// atomic (tmp file + rename); restore replays the document at startup.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion is the checkpoint document version.
const SchemaVersion = 1

// LockRecord marks a slot address exempt from TTL-driven eviction.
type LockRecord struct {
	LockedAt float64 `json:"locked_at"`
	LockedBy string  `json:"locked_by"`
	Reason   string  `json:"reason,omitempty"`
}

// TokenRecord is one live marshal token with its remaining window.
type TokenRecord struct {
	StagingID    string  `json:"staging_id"`
	CreatedAt    float64 `json:"created_at"`
	TTL          float64 `json:"ttl"`
	RemainingTTL float64 `json:"remaining_ttl"`
	Origin       string  `json:"origin,omitempty"`
	Submitter    string  `json:"submitter,omitempty"`
	AgentID      string  `json:"agent_id,omitempty"`
}

// PromotedSnippet is the full provenance of one promoted snippet, enough to
// re-run the pipeline on restore.
type PromotedSnippet struct {
	StagingID      string  `json:"staging_id"`
	Language       string  `json:"language"`
	EngineLetter   string  `json:"engine_letter"`
	Code           string  `json:"code"`
	Label          string  `json:"label,omitempty"`
	Address        string  `json:"address"`
	Position       int     `json:"position"`
	EngineName     string  `json:"engine_name"`
	CodeHash       string  `json:"code_hash"`
	Origin         string  `json:"origin,omitempty"`
	Submitter      string  `json:"submitter,omitempty"`
	AgentID        string  `json:"agent_id,omitempty"`
	Token          string  `json:"token,omitempty"`
	TTL            float64 `json:"ttl,omitempty"`
	CreatedAt      float64 `json:"created_at"`
	PromotedAt     float64 `json:"promoted_at"`
	SpecOutput     string  `json:"spec_output,omitempty"`
	SpecError      string  `json:"spec_error,omitempty"`
	SpecTime       float64 `json:"spec_execution_time"`
	SpecSuccess    bool    `json:"spec_success"`
	Locked         bool    `json:"locked"`
	SavedFilePath  string  `json:"saved_file_path,omitempty"`
	LedgerNodeID   string  `json:"ledger_node_id,omitempty"`
	RegistrySlotID string  `json:"registry_slot_id,omitempty"`
}

// Document is the on-disk checkpoint schema.
type Document struct {
	Version          int                    `json:"version"`
	SavedAt          float64                `json:"saved_at"`
	SavedAtISO       string                 `json:"saved_at_iso"`
	LockedSlots      map[string]LockRecord  `json:"locked_slots"`
	MarshalTokens    map[string]TokenRecord `json:"marshal_tokens"`
	PromotedSnippets []PromotedSnippet      `json:"promoted_snippets"`
}

// NewDocument stamps an empty document with the current time.
func NewDocument() *Document {
	now := time.Now().UTC()
	return &Document{
		Version:       SchemaVersion,
		SavedAt:       float64(now.UnixNano()) / 1e9,
		SavedAtISO:    now.Format(time.RFC3339Nano),
		LockedSlots:   map[string]LockRecord{},
		MarshalTokens: map[string]TokenRecord{},
	}
}

// Write serializes the document to path atomically: the temp file is fully
// written and synced before the rename swaps it in.
func Write(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint encode: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint open: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint rename: %w", err)
	}
	return nil
}

// Load reads a checkpoint document. A missing file returns (nil, nil).
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint read: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("checkpoint decode: %w", err)
	}
	return &doc, nil
}
