package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/Arke-Institute/arke-ocr-service/internal/chunkworker"
	"github.com/Arke-Institute/arke-ocr-service/internal/svcctx"
)

// ProcessEndpoint handles POST /process, accepting one chunk's worth of
// PIs for OCR (spec §4.7).
type ProcessEndpoint struct{}

func (e *ProcessEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/process", e.handler
}

func (e *ProcessEndpoint) RequiresInit() bool { return true }

func (e *ProcessEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req chunkworker.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BatchID == "" || req.ChunkID == "" {
		writeError(w, http.StatusBadRequest, "batch_id and chunk_id are required")
		return
	}

	manager := svcctx.ManagerFrom(r.Context())
	if manager == nil {
		writeError(w, http.StatusServiceUnavailable, "chunk worker manager not initialized")
		return
	}

	resp, err := manager.Process(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusAccepted
	if resp.Status == "already_processing" {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// StatusEndpoint handles GET /status, returning a read-only snapshot of a
// chunk's phase, progress, and backoff window (spec §4.7).
type StatusEndpoint struct{}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return true }

func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batch_id")
	chunkID := r.URL.Query().Get("chunk_id")
	if batchID == "" || chunkID == "" {
		writeError(w, http.StatusBadRequest, "batch_id and chunk_id query parameters are required")
		return
	}

	manager := svcctx.ManagerFrom(r.Context())
	if manager == nil {
		writeError(w, http.StatusServiceUnavailable, "chunk worker manager not initialized")
		return
	}

	resp, err := manager.Status(r.Context(), batchID, chunkID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if resp.Status == "not_found" {
		status = http.StatusNotFound
	}
	writeJSON(w, status, resp)
}
