package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/spokedpy/backend/internal/fabric"
	"github.com/spokedpy/backend/internal/staging"
)

// HandleResolveToken is the external status lookup. Expired tokens still
// resolve (marked expired) until the grace window closes; after that they
// are gone for good and indistinguishable from tokens that never existed.
func HandleResolveToken(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := f.ResolveToken(mux.Vars(r)["token"])
		if res == nil {
			writeJSON(w, http.StatusGone, map[string]string{"error": "gone", "detail": "token unknown or past its grace window"})
			return
		}
		body := map[string]interface{}{"resolution": res}
		if snip := f.Pipeline.GetSnippet(res.StagingID); snip != nil {
			body["snippet"] = snip
			if snip.Phase == staging.PhasePromoted && snip.Reservation != nil {
				body["address"] = snip.Reservation.Address
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// HandleCheckpointForce writes the checkpoint synchronously, skipping the
// debounce window.
func HandleCheckpointForce(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f.CheckpointNow(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "io_failed", "detail": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
	}
}

// HandleCheckpointInspect returns the document currently on disk, not the
// in-memory state.
func HandleCheckpointInspect(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := f.InspectCheckpoint()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "io_failed", "detail": err.Error()})
			return
		}
		if doc == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "detail": "no checkpoint on disk"})
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

// HandleExecutorHealth reports which language toolchains probed available
// at startup.
func HandleExecutorHealth(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := f.Pool().Health()
		available := 0
		for _, ok := range health {
			if ok {
				available++
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"executors": health,
			"available": available,
		})
	}
}
