package registry

import (
	"fmt"
	"time"
)

// Permissions are the four capabilities checked at the slot boundary.
// GET reads output, PUSH appends input, POST triggers out-of-band execution,
// DEL clears the slot.
type Permissions struct {
	Get  bool `json:"get"`
	Push bool `json:"push"`
	Post bool `json:"post"`
	Del  bool `json:"del"`
}

// DefaultPermissions is what a freshly committed slot gets unless the caller
// overrides.
func DefaultPermissions() Permissions {
	return Permissions{Get: true, Push: true, Post: true, Del: false}
}

// String renders the set in the matrix-summary form, e.g. "GET,PUSH,-,-".
func (p Permissions) String() string {
	out := ""
	for _, c := range []struct {
		on   bool
		name string
	}{{p.Get, "GET"}, {p.Push, "PUSH"}, {p.Post, "POST"}, {p.Del, "DEL"}} {
		if out != "" {
			out += ","
		}
		if c.on {
			out += c.name
		} else {
			out += "-"
		}
	}
	return out
}

// InputRecord is one buffered message pushed into a slot.
type InputRecord struct {
	Data      interface{} `json:"data"`
	Source    string      `json:"source,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// OutputRecord is one buffered execution result of a slot.
type OutputRecord struct {
	Output    string        `json:"output"`
	Error     string        `json:"error,omitempty"`
	Success   bool          `json:"success"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// subscription links a publisher slot's output stream to this slot's input
// buffer. delivered tracks how much of the publisher's output history has
// already flowed, so a tick only moves new records.
type subscription struct {
	publisher string
	delivered int
}

// Slot is one live cell of the matrix. The nra## id is assigned at
// construction and never changes, even across clear and recommit.
type Slot struct {
	ID       string `json:"slot_id"`
	Letter   byte   `json:"-"`
	Engine   string `json:"engine"`
	Position int    `json:"position"`

	NodeID           string      `json:"node_id,omitempty"`
	Code             string      `json:"-"` // cached source as of commit/rollback
	CommittedVersion int         `json:"committed_version"`
	ExecutedVersion  int         `json:"executed_version"`
	Perms            Permissions `json:"permissions"`

	inputs  []InputRecord
	outputs []OutputRecord
	subs    []subscription

	ExecCount      int           `json:"exec_count"`
	LastElapsed    time.Duration `json:"last_elapsed"`
	LastOutput     string        `json:"last_output,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	LastExecutedAt time.Time     `json:"last_executed_at,omitempty"`
}

// Address returns the canonical letter+position form, e.g. "a3".
func (s *Slot) Address() string {
	return fmt.Sprintf("%c%d", s.Letter, s.Position)
}

// Bound reports whether a node occupies the slot.
func (s *Slot) Bound() bool { return s.NodeID != "" }

// snapshot returns a copy safe to hand outside the registry lock. Buffers
// and subscriptions stay private to the live slot.
func (s *Slot) snapshot() *Slot {
	cp := *s
	cp.inputs = nil
	cp.outputs = nil
	cp.subs = nil
	return &cp
}

// EngineRow is the fixed descriptor of one language's slot array.
type EngineRow struct {
	Name     string
	Letter   byte
	Language string
	Max      int
	Slots    []*Slot // dense, index i holds position i+1
}
