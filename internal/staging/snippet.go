package staging

import "time"

// Phase is a snippet's lifecycle state.
type Phase string

const (
	PhaseQueued      Phase = "queued"
	PhaseSpeculating Phase = "speculating"
	PhasePassed      Phase = "passed"
	PhaseFailed      Phase = "failed"
	PhasePromoting   Phase = "promoting"
	PhasePromoted    Phase = "promoted"
	PhaseRejected    Phase = "rejected"
	PhaseRolledBack  Phase = "rolled_back"
)

// Terminal reports whether the phase archives the snippet. A promoted
// snippet is terminal but can still transition once more, to rolled_back.
func (p Phase) Terminal() bool {
	return p == PhasePromoted || p == PhaseRejected || p == PhaseRolledBack
}

// holdsReservation reports whether the phase keeps the reserved position out
// of the pool.
func (p Phase) holdsReservation() bool {
	switch p {
	case PhaseQueued, PhaseSpeculating, PhasePassed, PhaseFailed, PhasePromoting:
		return true
	}
	return false
}

// VerdictAction is the admission decision applied to a speculated snippet.
type VerdictAction string

const (
	VerdictAuto    VerdictAction = "auto"
	VerdictApprove VerdictAction = "approve"
	VerdictReject  VerdictAction = "reject"
	VerdictHold    VerdictAction = "hold"
)

// Reservation is the matrix position held for a snippet before commit.
type Reservation struct {
	Engine   string `json:"engine"`
	Position int    `json:"position"`
	Address  string `json:"address"`
}

// Snippet is one staged code fragment moving through the pipeline.
type Snippet struct {
	StagingID string `json:"staging_id"`
	Label     string `json:"label,omitempty"`
	Language  string `json:"language"`
	Letter    string `json:"engine_letter"`
	Code      string `json:"code"`
	CodeHash  string `json:"code_hash"`
	Phase     Phase  `json:"phase"`

	Reservation *Reservation `json:"reservation,omitempty"`

	// Speculative result
	SpecOutput    string                 `json:"spec_output,omitempty"`
	SpecError     string                 `json:"spec_error,omitempty"`
	SpecElapsed   time.Duration          `json:"spec_elapsed,omitempty"`
	SpecSuccess   bool                   `json:"spec_success"`
	SpecVariables map[string]interface{} `json:"spec_variables,omitempty"`

	// Promotion artifacts
	SavedFilePath  string    `json:"saved_file_path,omitempty"`
	LedgerNodeID   string    `json:"ledger_node_id,omitempty"`
	RegistrySlotID string    `json:"registry_slot_id,omitempty"`
	PromotedAt     time.Time `json:"promoted_at,omitempty"`

	// Rejection / failure metadata
	RejectReason string    `json:"reject_reason,omitempty"`
	RejectedAt   time.Time `json:"rejected_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// clone returns a copy safe to hand outside the pipeline lock.
func (s *Snippet) clone() *Snippet {
	cp := *s
	if s.Reservation != nil {
		res := *s.Reservation
		cp.Reservation = &res
	}
	if s.SpecVariables != nil {
		cp.SpecVariables = make(map[string]interface{}, len(s.SpecVariables))
		for k, v := range s.SpecVariables {
			cp.SpecVariables[k] = v
		}
	}
	return &cp
}
