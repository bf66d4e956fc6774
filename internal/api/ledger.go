package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/spokedpy/backend/internal/fabric"
	"github.com/spokedpy/backend/internal/ledger"
)

type importNode struct {
	NodeID      string                 `json:"node_id"`
	NodeType    string                 `json:"node_type"`
	DisplayName string                 `json:"display_name"`
	RawName     string                 `json:"raw_name,omitempty"`
	Source      string                 `json:"source"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HandleImport opens an import session, records every node, and registers
// the file's import lines. Nodes that collide with live ones are reported
// back rather than failing the whole session.
func HandleImport(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SourceFile         string       `json:"source_file"`
			SourceLanguage     string       `json:"source_language"`
			FileContent        string       `json:"file_content,omitempty"`
			DependencyStrategy string       `json:"dependency_strategy,omitempty"`
			Imports            []string     `json:"imports,omitempty"`
			Nodes              []importNode `json:"nodes"`
		}
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		session := f.Ledger.BeginImport(req.SourceFile, req.SourceLanguage, req.FileContent, req.DependencyStrategy)

		imported := 0
		var skipped []string
		for _, n := range req.Nodes {
			err := f.Ledger.RecordNodeImported(n.NodeID, n.NodeType, n.DisplayName, n.RawName,
				n.Source, req.SourceLanguage, req.SourceFile, session, n.Metadata)
			if err != nil {
				skipped = append(skipped, n.NodeID)
				continue
			}
			imported++
		}
		if len(req.Imports) > 0 {
			f.Ledger.RecordFileImports(session, req.Imports, req.SourceFile)
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"session":  session,
			"imported": imported,
			"skipped":  skipped,
		})
	}
}

func HandleListNodes(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes := f.Ledger.NodesForExport()
		writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes, "total": len(nodes)})
	}
}

func HandleNodeSnapshot(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := mux.Vars(r)["nodeId"]
		snap, ok := f.Ledger.NodeSnapshot(nodeID)
		if !ok {
			writeError(w, ledger.ErrNodeNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// HandleDeleteNode tombstones the node. A bound slot is cleared with it,
// which a lock on the slot blocks.
func HandleDeleteNode(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := mux.Vars(r)["nodeId"]
		if slot := f.Registry.GetSlotByNode(nodeID); slot != nil {
			if err := f.EvictSlot(slot.Address()); err != nil {
				writeError(w, err)
				return
			}
		}
		if err := f.Ledger.RecordNodeDeleted(nodeID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"node_id": nodeID, "deleted": true})
	}
}

func HandleEditNode(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Source string `json:"source"`
			Reason string `json:"reason,omitempty"`
		}
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		nodeID := mux.Vars(r)["nodeId"]
		if err := f.Ledger.RecordCodeEdit(nodeID, req.Source, req.Reason); err != nil {
			writeError(w, err)
			return
		}
		snap, _ := f.Ledger.NodeSnapshot(nodeID)
		writeJSON(w, http.StatusOK, snap)
	}
}

func HandleConvertNode(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Language string `json:"language"`
			Source   string `json:"source"`
		}
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_invalid", "detail": "malformed body"})
			return
		}
		nodeID := mux.Vars(r)["nodeId"]
		if err := f.Ledger.RecordLanguageConversion(nodeID, req.Language, req.Source); err != nil {
			writeError(w, err)
			return
		}
		snap, _ := f.Ledger.NodeSnapshot(nodeID)
		writeJSON(w, http.StatusOK, snap)
	}
}

func HandleRunNode(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := f.RunNode(r.Context(), mux.Vars(r)["nodeId"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func HandleRunAll(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, f.RunAll(r.Context()))
	}
}

// HandleCommitAll commits every unbound active node into the matrix.
func HandleCommitAll(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slots := f.Registry.CommitAllFromLedger()
		out := make([]map[string]interface{}, 0, len(slots))
		for _, s := range slots {
			out = append(out, map[string]interface{}{
				"slot_id": s.ID,
				"address": s.Address(),
				"node_id": s.NodeID,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"committed": out, "total": len(out)})
	}
}

// HandleRefresh recomputes slot dirtiness against the ledger.
func HandleRefresh(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dirty := f.Registry.RefreshAllFromLedger()
		writeJSON(w, http.StatusOK, map[string]int{"dirty": dirty})
	}
}

// HandleExport serves the active nodes plus the deduplicated import lines,
// the shape a file regenerator consumes.
func HandleExport(f *fabric.Fabric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"imports": f.Ledger.FileImports(),
			"nodes":   f.Ledger.NodesForExport(),
		})
	}
}
