package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/spokedpy/backend/internal/mesh"
)

func HandleRegisterPeer(relay *mesh.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID      string `json:"id"`
			BaseURL string `json:"base_url"`
		}
		if err := decode(r, &req); err != nil || req.ID == "" || req.BaseURL == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "id and base_url required"})
			return
		}
		peer, err := relay.RegisterPeer(req.ID, req.BaseURL)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, peer)
	}
}

func HandleListPeers(relay *mesh.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peers := relay.Peers()
		writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers, "total": len(peers)})
	}
}

func HandleRemovePeer(relay *mesh.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["peerId"]
		if err := relay.RemovePeer(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"peer": id, "removed": true})
	}
}

func HandleMeshSubscribe(relay *mesh.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LocalAddress string `json:"local_address"`
			PeerID       string `json:"peer_id"`
		}
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		if err := relay.Subscribe(req.LocalAddress, req.PeerID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"local_address": req.LocalAddress,
			"peer":          req.PeerID,
		})
	}
}

// HandleMeshPush is the inbound lane endpoint peers deliver to.
func HandleMeshPush(relay *mesh.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload mesh.PushPayload
		if err := decode(r, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		if err := relay.HandlePush(&payload); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"target":   payload.TargetAddress,
			"accepted": len(payload.Records),
		})
	}
}

func HandleMeshPing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
