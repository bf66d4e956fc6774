// Package api is the REST surface of the fabric. Handlers are thin: decode,
// call the coordinator, map the sentinel error to a wire kind, encode.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spokedpy/backend/internal/executor"
	"github.com/spokedpy/backend/internal/fabric"
	"github.com/spokedpy/backend/internal/ledger"
	"github.com/spokedpy/backend/internal/mesh"
	"github.com/spokedpy/backend/internal/registry"
	"github.com/spokedpy/backend/internal/staging"
)

// Server owns the route table. Relay is nil when the mesh is disabled.
type Server struct {
	Fabric *fabric.Fabric
	Relay  *mesh.Relay
	Hub    *StreamHub
}

func NewServer(f *fabric.Fabric, relay *mesh.Relay) *Server {
	s := &Server{Fabric: f, Relay: relay, Hub: NewStreamHub(f.Bus)}
	return s
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	// Staging pipeline
	api.HandleFunc("/staging/submit", HandleSubmit(s.Fabric)).Methods("POST")
	api.HandleFunc("/staging/queue", HandleQueue(s.Fabric)).Methods("POST")
	api.HandleFunc("/staging/{stagingId}/speculate", HandleSpeculate(s.Fabric)).Methods("POST")
	api.HandleFunc("/staging/{stagingId}/verdict", HandleVerdict(s.Fabric)).Methods("POST")
	api.HandleFunc("/staging/{stagingId}/promote", HandlePromote(s.Fabric)).Methods("POST")
	api.HandleFunc("/staging/{stagingId}/rollback", HandleStagingRollback(s.Fabric)).Methods("POST")
	api.HandleFunc("/staging/{stagingId}/audit", HandleAuditTrail(s.Fabric)).Methods("GET")
	api.HandleFunc("/staging/{stagingId}", HandleGetSnippet(s.Fabric)).Methods("GET")
	api.HandleFunc("/staging", HandleListStaging(s.Fabric)).Methods("GET")

	// Marshal tokens
	api.HandleFunc("/tokens/{token}", HandleResolveToken(s.Fabric)).Methods("GET")

	// Execution matrix
	api.HandleFunc("/matrix", HandleMatrix(s.Fabric)).Methods("GET")
	api.HandleFunc("/matrix/dirty", HandleDirtySlots(s.Fabric)).Methods("GET")
	api.HandleFunc("/matrix/tick", HandleTick(s.Fabric)).Methods("POST")
	api.HandleFunc("/matrix/engines/{engine}/permissions", HandleEnginePermissions(s.Fabric)).Methods("PUT")
	api.HandleFunc("/slots/{address}", HandleSlotInfo(s.Fabric)).Methods("GET")
	api.HandleFunc("/slots/{address}/lock", HandleLockSlot(s.Fabric)).Methods("POST")
	api.HandleFunc("/slots/{address}/lock", HandleUnlockSlot(s.Fabric)).Methods("DELETE")
	api.HandleFunc("/slots/{address}/evict", HandleEvictSlot(s.Fabric)).Methods("POST")
	api.HandleFunc("/slots/{address}/execute", HandleExecuteSlot(s.Fabric)).Methods("POST")
	api.HandleFunc("/slots/{address}/permissions", HandleSlotPermissions(s.Fabric)).Methods("PUT")
	api.HandleFunc("/slots/{address}/input", HandlePushInput(s.Fabric)).Methods("POST")
	api.HandleFunc("/slots/{address}/input", HandleDrainInput(s.Fabric)).Methods("DELETE")
	api.HandleFunc("/slots/{address}/output", HandleReadOutput(s.Fabric)).Methods("GET")
	api.HandleFunc("/slots/{address}/subscribe", HandleSubscribeSlot(s.Fabric)).Methods("POST")
	api.HandleFunc("/locks", HandleListLocks(s.Fabric)).Methods("GET")

	// Session ledger
	api.HandleFunc("/ledger/import", HandleImport(s.Fabric)).Methods("POST")
	api.HandleFunc("/ledger/nodes", HandleListNodes(s.Fabric)).Methods("GET")
	api.HandleFunc("/ledger/nodes/{nodeId}", HandleNodeSnapshot(s.Fabric)).Methods("GET")
	api.HandleFunc("/ledger/nodes/{nodeId}", HandleDeleteNode(s.Fabric)).Methods("DELETE")
	api.HandleFunc("/ledger/nodes/{nodeId}/edit", HandleEditNode(s.Fabric)).Methods("POST")
	api.HandleFunc("/ledger/nodes/{nodeId}/convert", HandleConvertNode(s.Fabric)).Methods("POST")
	api.HandleFunc("/ledger/nodes/{nodeId}/run", HandleRunNode(s.Fabric)).Methods("POST")
	api.HandleFunc("/ledger/run-all", HandleRunAll(s.Fabric)).Methods("POST")
	api.HandleFunc("/ledger/commit-all", HandleCommitAll(s.Fabric)).Methods("POST")
	api.HandleFunc("/ledger/refresh", HandleRefresh(s.Fabric)).Methods("POST")
	api.HandleFunc("/ledger/export", HandleExport(s.Fabric)).Methods("GET")

	// Checkpoint
	api.HandleFunc("/checkpoint/force", HandleCheckpointForce(s.Fabric)).Methods("POST")
	api.HandleFunc("/checkpoint", HandleCheckpointInspect(s.Fabric)).Methods("GET")

	// Executor health
	api.HandleFunc("/executors", HandleExecutorHealth(s.Fabric)).Methods("GET")

	// Mesh
	if s.Relay != nil {
		api.HandleFunc("/mesh/peers", HandleRegisterPeer(s.Relay)).Methods("POST")
		api.HandleFunc("/mesh/peers", HandleListPeers(s.Relay)).Methods("GET")
		api.HandleFunc("/mesh/peers/{peerId}", HandleRemovePeer(s.Relay)).Methods("DELETE")
		api.HandleFunc("/mesh/subscribe", HandleMeshSubscribe(s.Relay)).Methods("POST")
		api.HandleFunc("/mesh/push", HandleMeshPush(s.Relay)).Methods("POST")
		api.HandleFunc("/mesh/ping", HandleMeshPing()).Methods("GET")
	}

	// Event stream + metrics + liveness
	r.HandleFunc("/ws/events", s.Hub.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// ---------------------------------------------------------------------------
// Wire helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a sentinel error chain to a stable wire kind.
func writeError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, fabric.ErrNotFound),
		errors.Is(err, ledger.ErrNodeNotFound),
		errors.Is(err, ledger.ErrNodeDeleted),
		errors.Is(err, registry.ErrSlotNotFound),
		errors.Is(err, staging.ErrSnippetNotFound),
		errors.Is(err, mesh.ErrPeerUnknown):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, staging.ErrInvalidPhase):
		status, kind = http.StatusConflict, "invalid_phase"
	case errors.Is(err, staging.ErrEngineFull),
		errors.Is(err, registry.ErrEngineFull),
		errors.Is(err, mesh.ErrMeshFull):
		status, kind = http.StatusConflict, "capacity_exhausted"
	case errors.Is(err, fabric.ErrPermissionDenied):
		status, kind = http.StatusForbidden, "permission_denied"
	case errors.Is(err, fabric.ErrSlotLocked):
		status, kind = http.StatusConflict, "slot_locked"
	case errors.Is(err, fabric.ErrConflict),
		errors.Is(err, ledger.ErrNodeExists),
		errors.Is(err, registry.ErrSlotOccupied),
		errors.Is(err, registry.ErrNodeBound),
		errors.Is(err, mesh.ErrPeerExists),
		errors.Is(err, mesh.ErrLaneConflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, staging.ErrEmptyCode),
		errors.Is(err, staging.ErrEngineUnknown),
		errors.Is(err, registry.ErrEngineUnknown),
		errors.Is(err, registry.ErrNodeInactive),
		errors.Is(err, mesh.ErrBadLane):
		status, kind = http.StatusBadRequest, "input_invalid"
	case errors.Is(err, executor.ErrUnavailable):
		status, kind = http.StatusServiceUnavailable, "executor_unavailable"
	}
	writeJSON(w, status, map[string]string{"error": kind, "detail": err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
