package mesh

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokedpy/backend/internal/ledger"
	"github.com/spokedpy/backend/internal/registry"
)

func newRelayFixture(t *testing.T) (*ledger.Ledger, *registry.Registry, *Relay) {
	t.Helper()
	led := ledger.New()
	reg := registry.New(led, 0)
	return led, reg, New("local-1", 'a', reg, 0)
}

func bindNode(t *testing.T, led *ledger.Ledger, reg *registry.Registry, nodeID string, position int) *registry.Slot {
	t.Helper()
	session := led.BeginImport("m.py", "python", "", "")
	require.NoError(t, led.RecordNodeImported(nodeID, "function", nodeID, nodeID, "pass", "python", "m.py", session, nil))
	slot, err := reg.CommitNode(nodeID, "python", position, nil)
	require.NoError(t, err)
	return slot
}

func TestLaneAssignmentFollowsRegistrationOrder(t *testing.T) {
	_, _, relay := newRelayFixture(t)

	p1, err := relay.RegisterPeer("peer-1", "http://one")
	require.NoError(t, err)
	assert.Equal(t, OutboundFirst, p1.OutboundLane)
	assert.Equal(t, InboundFirst, p1.InboundLane)

	p2, err := relay.RegisterPeer("peer-2", "http://two")
	require.NoError(t, err)
	assert.Equal(t, OutboundFirst+1, p2.OutboundLane)
	assert.Equal(t, InboundFirst+1, p2.InboundLane)

	_, err = relay.RegisterPeer("peer-1", "http://dup")
	assert.ErrorIs(t, err, ErrPeerExists)
}

func TestRemovePeerKeepsOtherLanes(t *testing.T) {
	_, _, relay := newRelayFixture(t)

	for i := 1; i <= 3; i++ {
		_, err := relay.RegisterPeer(fmt.Sprintf("peer-%d", i), "http://x")
		require.NoError(t, err)
	}
	require.NoError(t, relay.RemovePeer("peer-2"))
	assert.ErrorIs(t, relay.RemovePeer("peer-2"), ErrPeerUnknown)

	peers := relay.Peers()
	require.Len(t, peers, 2)
	// peer-3 keeps its original lane; no renumbering
	assert.Equal(t, OutboundFirst+2, peers[1].OutboundLane)

	// the freed lane pair goes to the next registration
	p4, err := relay.RegisterPeer("peer-4", "http://four")
	require.NoError(t, err)
	assert.Equal(t, OutboundFirst+1, p4.OutboundLane)
}

func TestPeerLimit(t *testing.T) {
	_, _, relay := newRelayFixture(t)
	for i := 0; i < MaxPeers; i++ {
		_, err := relay.RegisterPeer(fmt.Sprintf("peer-%d", i), "http://x")
		require.NoError(t, err)
	}
	_, err := relay.RegisterPeer("one-too-many", "http://x")
	assert.ErrorIs(t, err, ErrMeshFull)
}

func TestSubscribeRequiresKnownPeer(t *testing.T) {
	_, _, relay := newRelayFixture(t)
	assert.ErrorIs(t, relay.Subscribe("a1", "ghost"), ErrPeerUnknown)

	_, err := relay.RegisterPeer("peer-1", "http://x")
	require.NoError(t, err)
	require.NoError(t, relay.Subscribe("a1", "peer-1"))
	// idempotent
	require.NoError(t, relay.Subscribe("a1", "peer-1"))
}

func TestHandlePushValidatesInboundLaneRange(t *testing.T) {
	led, reg, relay := newRelayFixture(t)
	_ = led

	rec := registry.OutputRecord{Output: "hello", Success: true, Timestamp: time.Now().UTC()}

	// below the inbound range
	err := relay.HandlePush(&PushPayload{TargetAddress: "a5", Source: "remote:a1", Records: []registry.OutputRecord{rec}})
	assert.ErrorIs(t, err, ErrBadLane)

	// wrong engine row
	err = relay.HandlePush(&PushPayload{TargetAddress: "b2", Source: "remote:a1", Records: []registry.OutputRecord{rec}})
	assert.ErrorIs(t, err, ErrBadLane)

	// malformed address
	err = relay.HandlePush(&PushPayload{TargetAddress: "??", Source: "remote:a1"})
	assert.ErrorIs(t, err, ErrBadLane)

	// inside the range: accepted into the slot's input buffer
	target := fmt.Sprintf("a%d", InboundFirst)
	err = relay.HandlePush(&PushPayload{TargetAddress: target, Source: "remote:a1", Records: []registry.OutputRecord{rec}})
	require.NoError(t, err)

	slot := reg.GetSlotByAddressString(target)
	records := reg.DrainInputBuffer(slot.ID)
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].Data)
	assert.Equal(t, "remote:a1", records[0].Source)
}

func TestRelayTickForwardsNewOutput(t *testing.T) {
	led, reg, relay := newRelayFixture(t)

	var mu sync.Mutex
	var pushes []PushPayload
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/mesh/push" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var p PushPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		pushes = append(pushes, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer peer.Close()

	_, err := relay.RegisterPeer("peer-1", peer.URL)
	require.NoError(t, err)

	slot := bindNode(t, led, reg, "n-1", 1)
	require.NoError(t, relay.Subscribe("a1", "peer-1"))

	// nothing executed yet: a tick sends nothing
	relay.relayTick()
	mu.Lock()
	assert.Empty(t, pushes)
	mu.Unlock()

	reg.RecordExecution(slot.ID, true, "result-1", "", time.Millisecond)
	relay.relayTick()

	mu.Lock()
	require.Len(t, pushes, 1)
	got := pushes[0]
	mu.Unlock()
	assert.Equal(t, fmt.Sprintf("a%d", InboundFirst), got.TargetAddress)
	assert.Equal(t, "local-1:a1", got.Source)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "result-1", got.Records[0].Output)

	// already relayed: the next tick is silent
	relay.relayTick()
	mu.Lock()
	assert.Len(t, pushes, 1)
	mu.Unlock()
}

func TestHeartbeatMarksPeerHealth(t *testing.T) {
	_, _, relay := newRelayFixture(t)

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	_, err := relay.RegisterPeer("up", up.URL)
	require.NoError(t, err)
	_, err = relay.RegisterPeer("down", "http://127.0.0.1:1")
	require.NoError(t, err)

	for _, p := range relay.Peers() {
		relay.ping(p)
	}

	peers := relay.Peers()
	require.Len(t, peers, 2)
	assert.True(t, peers[0].Healthy)
	assert.False(t, peers[0].LastSeen.IsZero())
	assert.False(t, peers[1].Healthy)
}

func TestStartStopDaemons(t *testing.T) {
	_, _, relay := newRelayFixture(t)
	relay.Start(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		relay.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
