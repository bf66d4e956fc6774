package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/spokedpy/backend/internal/fabric"
	"github.com/spokedpy/backend/internal/staging"
)

type submitRequest struct {
	Letter     string `json:"engine_letter,omitempty"`
	Language   string `json:"language,omitempty"`
	Code       string `json:"code"`
	Label      string `json:"label,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Submitter  string `json:"submitter,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// HandleSubmit runs the full pipeline with auto-promotion and returns the
// snippet plus its marshal token. This is the one-call external entry point.
func HandleSubmit(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		snip, token, err := f.SubmitSnippet(r.Context(),
			req.Letter, req.Language, req.Code, req.Label,
			req.Origin, req.Submitter, req.AgentID,
			time.Duration(req.TTLSeconds)*time.Second)
		if err != nil && snip == nil {
			writeError(w, err)
			return
		}
		status := http.StatusCreated
		if snip.Phase != staging.PhasePromoted {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]interface{}{
			"snippet": snip,
			"token":   token.Value,
		})
	}
}

// HandleQueue stages a snippet without speculating. The manual path.
func HandleQueue(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		snip, err := f.Pipeline.QueueSnippet(req.Letter, req.Language, req.Code, req.Label)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snip)
	}
}

func HandleSpeculate(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snip, err := f.Pipeline.Speculate(r.Context(), mux.Vars(r)["stagingId"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snip)
	}
}

func HandleVerdict(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
			Reason string `json:"reason,omitempty"`
		}
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		action := staging.VerdictAction(req.Action)
		switch action {
		case staging.VerdictAuto, staging.VerdictApprove, staging.VerdictReject, staging.VerdictHold:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "unknown verdict action"})
			return
		}
		snip, err := f.Pipeline.Verdict(mux.Vars(r)["stagingId"], action, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snip)
	}
}

func HandlePromote(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snip, err := f.Pipeline.Promote(mux.Vars(r)["stagingId"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snip)
	}
}

func HandleStagingRollback(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason,omitempty"`
		}
		decode(r, &req) // body is optional
		snip, err := f.Pipeline.Rollback(mux.Vars(r)["stagingId"], req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snip)
	}
}

func HandleGetSnippet(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snip := f.Pipeline.GetSnippet(mux.Vars(r)["stagingId"])
		if snip == nil {
			writeError(w, staging.ErrSnippetNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snip)
	}
}

// HandleListStaging serves the active set, the archive, or the counters
// depending on the view parameter.
func HandleListStaging(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("view") {
		case "history":
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"history": f.Pipeline.GetHistory(limit),
			})
		case "summary":
			writeJSON(w, http.StatusOK, f.Pipeline.GetSummary())
		default:
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"active": f.Pipeline.GetActive(),
			})
		}
	}
}

func HandleAuditTrail(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		events, err := f.Pipeline.GetAuditTrail(mux.Vars(r)["stagingId"], limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"staging_id": mux.Vars(r)["stagingId"],
			"events":     events,
			"total":      len(events),
		})
	}
}
