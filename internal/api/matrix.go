package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/spokedpy/backend/internal/fabric"
	"github.com/spokedpy/backend/internal/registry"
)

// HandleMatrix is the enriched matrix view: capacity summary plus dirty
// count and the locked-slot table.
func HandleMatrix(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"summary": f.Registry.Summary(),
			"dirty":   len(f.Registry.DirtySlots()),
			"locks":   f.Locks(),
		})
	}
}

func HandleDirtySlots(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dirty := f.Registry.DirtySlots()
		out := make([]map[string]interface{}, 0, len(dirty))
		for _, s := range dirty {
			out = append(out, map[string]interface{}{
				"slot_id":           s.ID,
				"address":           s.Address(),
				"node_id":           s.NodeID,
				"committed_version": s.CommittedVersion,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"dirty": out, "total": len(out)})
	}
}

// HandleTick runs one publish/subscribe delivery pass over the matrix.
func HandleTick(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		delivered := f.Registry.Tick()
		writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
	}
}

func slotByAddress(f *fabric.Fabric, r *http.Request) (*registry.Slot, string, error) {
	addr := mux.Vars(r)["address"]
	slot := f.Registry.GetSlotByAddressString(addr)
	if slot == nil {
		return nil, addr, fmt.Errorf("%w: slot %s", fabric.ErrNotFound, addr)
	}
	return slot, addr, nil
}

func HandleSlotInfo(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, addr, err := slotByAddress(f, r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"slot":        slot,
			"permissions": slot.Perms.String(),
			"locked":      f.IsLocked(addr),
		})
	}
}

func HandleLockSlot(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			By     string `json:"locked_by"`
			Reason string `json:"reason,omitempty"`
		}
		decode(r, &req)
		addr := mux.Vars(r)["address"]
		if err := f.LockSlot(addr, req.By, req.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"address": addr, "locked": true})
	}
}

func HandleUnlockSlot(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := mux.Vars(r)["address"]
		if err := f.UnlockSlot(addr); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"address": addr, "locked": false})
	}
}

func HandleListLocks(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locks := f.Locks()
		writeJSON(w, http.StatusOK, map[string]interface{}{"locks": locks, "total": len(locks)})
	}
}

func HandleEvictSlot(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := mux.Vars(r)["address"]
		if err := f.EvictSlot(addr); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"address": addr, "cleared": true})
	}
}

func HandleExecuteSlot(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, _, err := slotByAddress(f, r)
		if err != nil {
			writeError(w, err)
			return
		}
		res, err := f.ExecuteSlot(r.Context(), slot.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type permissionsRequest struct {
	Get  bool `json:"get"`
	Push bool `json:"push"`
	Post bool `json:"post"`
	Del  bool `json:"del"`
}

func (p permissionsRequest) perms() registry.Permissions {
	return registry.Permissions{Get: p.Get, Push: p.Push, Post: p.Post, Del: p.Del}
}

func HandleSlotPermissions(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req permissionsRequest
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		slot, addr, err := slotByAddress(f, r)
		if err != nil {
			writeError(w, err)
			return
		}
		f.Registry.SetSlotPermissions(slot.ID, req.perms())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"address":     addr,
			"permissions": req.perms().String(),
		})
	}
}

// HandleEnginePermissions applies a permission template to a whole engine
// row at once.
func HandleEnginePermissions(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req permissionsRequest
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		engine := mux.Vars(r)["engine"]
		if !f.Registry.SetEnginePermissions(engine, req.perms()) {
			writeError(w, fmt.Errorf("%w: engine %s", registry.ErrEngineUnknown, engine))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"engine":      engine,
			"permissions": req.perms().String(),
		})
	}
}

func HandlePushInput(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Data   interface{} `json:"data"`
			Source string      `json:"source,omitempty"`
		}
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		slot, addr, err := slotByAddress(f, r)
		if err != nil {
			writeError(w, err)
			return
		}
		if !f.Registry.PushToSlot(slot.ID, req.Data, req.Source) {
			writeError(w, fmt.Errorf("%w: PUSH on %s", fabric.ErrPermissionDenied, addr))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"address": addr, "accepted": true})
	}
}

func HandleDrainInput(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, addr, err := slotByAddress(f, r)
		if err != nil {
			writeError(w, err)
			return
		}
		records := f.Registry.DrainInputBuffer(slot.ID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"address": addr,
			"records": records,
			"total":   len(records),
		})
	}
}

func HandleReadOutput(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, addr, err := slotByAddress(f, r)
		if err != nil {
			writeError(w, err)
			return
		}
		lastN, _ := strconv.Atoi(r.URL.Query().Get("last"))
		records, ok := f.Registry.ReadSlotOutput(slot.ID, lastN)
		if !ok {
			writeError(w, fmt.Errorf("%w: GET on %s", fabric.ErrPermissionDenied, addr))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"address": addr,
			"records": records,
			"total":   len(records),
		})
	}
}

// HandleSubscribeSlot wires the addressed slot to read another slot's output
// on every matrix tick.
func HandleSubscribeSlot(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Publisher string `json:"publisher_address"`
		}
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		sub, addr, err := slotByAddress(f, r)
		if err != nil {
			writeError(w, err)
			return
		}
		pub := f.Registry.GetSlotByAddressString(req.Publisher)
		if pub == nil {
			writeError(w, fmt.Errorf("%w: slot %s", fabric.ErrNotFound, req.Publisher))
			return
		}
		if !f.Registry.Subscribe(sub.ID, pub.ID) {
			writeError(w, fmt.Errorf("%w: subscribe %s -> %s", fabric.ErrConflict, addr, req.Publisher))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"subscriber": addr,
			"publisher":  req.Publisher,
		})
	}
}
