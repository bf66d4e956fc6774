// Package mesh gives the fabric best-effort peer-to-peer relay lanes. The
// upper half of the primary engine row is reserved: positions 33-48 carry
// outbound traffic, 49-64 inbound. No ordering or delivery guarantees
// beyond one push per relay tick per subscription.
package mesh

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/spokedpy/backend/internal/registry"
)

const (
	MaxPeers      = 10
	OutboundFirst = 33
	OutboundLast  = 48
	InboundFirst  = 49
	InboundLast   = 64

	// relayWindow is how many recent output records one tick forwards.
	relayWindow = 5

	httpTimeout = 5 * time.Second
)

var (
	ErrPeerExists   = errors.New("mesh: peer already registered")
	ErrPeerUnknown  = errors.New("mesh: peer unknown")
	ErrMeshFull     = errors.New("mesh: peer limit reached")
	ErrBadLane      = errors.New("mesh: target not in inbound lane range")
	ErrLaneConflict = errors.New("mesh: lane occupied")
)

// Peer is one registered remote instance. Lane assignment follows
// registration order; removing a peer frees its lanes without renumbering
// the rest.
type Peer struct {
	ID           string    `json:"id"`
	BaseURL      string    `json:"base_url"`
	OutboundLane int       `json:"outbound_lane"` // position on engine a
	InboundLane  int       `json:"inbound_lane"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	Healthy      bool      `json:"healthy"`
}

// PushPayload is the wire form of a relay push.
type PushPayload struct {
	TargetAddress string                  `json:"target_address"`
	Source        string                  `json:"source"`
	Records       []registry.OutputRecord `json:"records"`
}

// Relay owns the peer table, the lane assignments, and the two daemons.
type Relay struct {
	mu sync.RWMutex

	instanceID string
	letter     byte
	reg        *registry.Registry
	client     *http.Client

	lanes [MaxPeers]*Peer     // index i -> outbound 33+i, inbound 49+i
	subs  map[string][]string // local address -> peer ids
	marks map[string]int      // address|peer -> exec count already relayed

	heartbeatEvery time.Duration
	stop           chan struct{}
	done           sync.WaitGroup
}

// New builds a relay for the primary engine row.
func New(instanceID string, letter byte, reg *registry.Registry, heartbeatEvery time.Duration) *Relay {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 15 * time.Second
	}
	return &Relay{
		instanceID:     instanceID,
		letter:         letter,
		reg:            reg,
		client:         &http.Client{Timeout: httpTimeout},
		subs:           make(map[string][]string),
		marks:          make(map[string]int),
		heartbeatEvery: heartbeatEvery,
		stop:           make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Peers
// ---------------------------------------------------------------------------

// RegisterPeer assigns the first free lane pair.
func (r *Relay) RegisterPeer(id, baseURL string) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := -1
	for i, p := range r.lanes {
		if p != nil && p.ID == id {
			return nil, fmt.Errorf("%w: %s", ErrPeerExists, id)
		}
		if p == nil && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return nil, ErrMeshFull
	}
	peer := &Peer{
		ID:           id,
		BaseURL:      baseURL,
		OutboundLane: OutboundFirst + free,
		InboundLane:  InboundFirst + free,
		RegisteredAt: time.Now().UTC(),
	}
	r.lanes[free] = peer
	slog.Info("mesh peer registered", "peer", id,
		"outbound", peer.OutboundLane, "inbound", peer.InboundLane)
	cp := *peer
	return &cp, nil
}

// RemovePeer clears the peer's lanes. Other peers keep their lanes.
func (r *Relay) RemovePeer(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.lanes {
		if p != nil && p.ID == id {
			r.lanes[i] = nil
			for addr, ids := range r.subs {
				kept := ids[:0]
				for _, pid := range ids {
					if pid != id {
						kept = append(kept, pid)
					}
				}
				r.subs[addr] = kept
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPeerUnknown, id)
}

// Peers lists registered peers in lane order.
func (r *Relay) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Peer
	for _, p := range r.lanes {
		if p != nil {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// Subscribe forwards a local slot's output to a peer on every relay tick.
func (r *Relay) Subscribe(localAddress, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, p := range r.lanes {
		if p != nil && p.ID == peerID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, peerID)
	}
	for _, pid := range r.subs[localAddress] {
		if pid == peerID {
			return nil
		}
	}
	r.subs[localAddress] = append(r.subs[localAddress], peerID)
	return nil
}

// ---------------------------------------------------------------------------
// Daemons
// ---------------------------------------------------------------------------

// Start launches the heartbeat and relay loops.
func (r *Relay) Start(relayEvery time.Duration) {
	if relayEvery <= 0 {
		relayEvery = 2 * time.Second
	}
	r.done.Add(2)
	go r.heartbeatLoop()
	go r.relayLoop(relayEvery)
}

// Stop signals both loops; they exit within their interval plus one
// outstanding HTTP timeout.
func (r *Relay) Stop() {
	close(r.stop)
	r.done.Wait()
}

func (r *Relay) heartbeatLoop() {
	defer r.done.Done()
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, peer := range r.Peers() {
				r.ping(peer)
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Relay) ping(peer *Peer) {
	resp, err := r.client.Get(peer.BaseURL + "/api/v1/mesh/ping")
	healthy := err == nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		resp.Body.Close()
	}
	r.mu.Lock()
	for _, p := range r.lanes {
		if p != nil && p.ID == peer.ID {
			p.Healthy = healthy
			if healthy {
				p.LastSeen = time.Now().UTC()
			}
		}
	}
	r.mu.Unlock()
}

func (r *Relay) relayLoop(every time.Duration) {
	defer r.done.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.relayTick()
		case <-r.stop:
			return
		}
	}
}

// relayTick forwards new local output to each subscribed peer's inbound
// lane. Failures are absorbed: the mesh promises nothing beyond one push
// per tick per subscription.
func (r *Relay) relayTick() {
	r.mu.RLock()
	type job struct {
		address string
		peer    Peer
	}
	var jobs []job
	for addr, ids := range r.subs {
		for _, pid := range ids {
			for _, p := range r.lanes {
				if p != nil && p.ID == pid {
					jobs = append(jobs, job{addr, *p})
				}
			}
		}
	}
	r.mu.RUnlock()

	for _, j := range jobs {
		slot := r.reg.GetSlotByAddressString(j.address)
		if slot == nil || !slot.Bound() {
			continue
		}
		markKey := j.address + "|" + j.peer.ID
		r.mu.RLock()
		seen := r.marks[markKey]
		r.mu.RUnlock()
		if slot.ExecCount <= seen {
			continue
		}
		records, ok := r.reg.ReadSlotOutput(slot.ID, relayWindow)
		if !ok || len(records) == 0 {
			continue
		}
		r.push(&j.peer, records, j.address)
		r.mu.Lock()
		r.marks[markKey] = slot.ExecCount
		r.mu.Unlock()
	}
}

func (r *Relay) push(peer *Peer, records []registry.OutputRecord, sourceAddr string) {
	payload := PushPayload{
		TargetAddress: fmt.Sprintf("%c%d", r.letter, peer.InboundLane),
		Source:        r.instanceID + ":" + sourceAddr,
		Records:       records,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := r.client.Post(peer.BaseURL+"/api/v1/mesh/push", "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Debug("mesh push failed", "peer", peer.ID, "error", err)
		return
	}
	resp.Body.Close()
}

// HandlePush validates an inbound push and writes it into the local slot's
// input buffer. Only inbound-lane addresses on the primary row are
// accepted.
func (r *Relay) HandlePush(p *PushPayload) error {
	letter, pos, ok := registry.ParseAddress(p.TargetAddress)
	if !ok || letter != r.letter || pos < InboundFirst || pos > InboundLast {
		return fmt.Errorf("%w: %s", ErrBadLane, p.TargetAddress)
	}
	slot := r.reg.GetSlotByAddress(letter, pos)
	if slot == nil {
		return fmt.Errorf("%w: %s", ErrBadLane, p.TargetAddress)
	}
	for _, rec := range p.Records {
		r.reg.PushToSlot(slot.ID, rec.Output, p.Source)
	}
	return nil
}
