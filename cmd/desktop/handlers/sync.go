// Package handlers provides REST API handlers for sync status, control and
// conflict resolution.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
	"github.com/halcyonlabs/sphere/backend/internal/models"
	"github.com/halcyonlabs/sphere/backend/internal/syncx"
	"github.com/halcyonlabs/sphere/backend/internal/syncx/conflict"
)

// SyncHandler exposes the sync coordinator over REST for the UI shell.
type SyncHandler struct {
	coordinator *syncx.Coordinator
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(c *syncx.Coordinator) *SyncHandler {
	return &SyncHandler{coordinator: c}
}

// Register mounts all sync routes on the router.
func (h *SyncHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/status", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/now", h.TriggerSync).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/retry", h.RetryFailed).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/conflicts", h.ListConflicts).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/conflicts/detect", h.DetectConflict).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/conflicts/resolve-all", h.ResolveAllConflicts).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/conflicts/{id}/diff", h.ConflictDiff).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/conflicts/{id}/resolve", h.ResolveConflict).Methods(http.MethodPost)
	r.HandleFunc("/api/connectivity", h.SetConnectivity).Methods(http.MethodPost)
	r.HandleFunc("/api/data", h.ClearData).Methods(http.MethodDelete)
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "sphere-desktop",
	})
}

// GetStatus handles GET /api/sync/status. Returns the aggregate snapshot
// plus queue and conflict statistics.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.coordinator.GetSnapshot()
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"snapshot": snapshot,
	}
	if queueStats, err := h.coordinator.QueueStats(); err == nil {
		response["queue_stats"] = queueStats
	}
	if conflictStats, err := h.coordinator.ConflictStats(); err == nil {
		response["conflict_stats"] = conflictStats
	}

	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /api/sync/now.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.coordinator.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RetryFailed handles POST /api/sync/retry.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	result, err := h.coordinator.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListConflicts handles GET /api/sync/conflicts.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.coordinator.PendingConflicts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// DetectConflict handles POST /api/sync/conflicts/detect. The UI shell feeds
// a freshly fetched server record here; a null conflict means nothing
// diverged.
func (h *SyncHandler) DetectConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		EntityType   string          `json:"entity_type"`
		LocalID      string          `json:"local_id"`
		ServerRecord json.RawMessage `json:"server_record"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.EntityType == "" || request.LocalID == "" || len(request.ServerRecord) == 0 {
		http.Error(w, "entity_type, local_id and server_record are required", http.StatusBadRequest)
		return
	}

	rec, err := h.coordinator.DetectConflict(models.StoreName(request.EntityType),
		request.LocalID, request.ServerRecord)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detected": rec != nil,
		"conflict": rec,
	})
}

// ConflictDiff handles GET /api/sync/conflicts/{id}/diff.
func (h *SyncHandler) ConflictDiff(w http.ResponseWriter, r *http.Request) {
	diffs, err := h.coordinator.ConflictDiff(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"diff": diffs})
}

// ResolveConflict handles POST /api/sync/conflicts/{id}/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Strategy   string          `json:"strategy"`
		MergedData json.RawMessage `json:"merged_data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Strategy == "" {
		http.Error(w, "strategy is required", http.StatusBadRequest)
		return
	}

	doc, err := h.coordinator.ResolveConflict(mux.Vars(r)["id"],
		conflict.Strategy(request.Strategy), request.MergedData)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "resolved",
		"resolved": json.RawMessage(doc),
	})
}

// ResolveAllConflicts handles POST /api/sync/conflicts/resolve-all.
func (h *SyncHandler) ResolveAllConflicts(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Strategy == "" {
		http.Error(w, "strategy is required", http.StatusBadRequest)
		return
	}

	resolved, err := h.coordinator.ResolveAllConflicts(conflict.Strategy(request.Strategy))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": resolved})
}

// SetConnectivity handles POST /api/connectivity. The UI shell owns the
// platform connectivity signal and reports transitions here.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}

	h.coordinator.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online": h.coordinator.IsOnline(),
		"state":  h.coordinator.State(),
	})
}

// ClearData handles DELETE /api/data: wipes all offline state.
func (h *SyncHandler) ClearData(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.ClearAllOfflineData(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps engine error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound), apperrors.Is(err, apperrors.ErrResolutionNotFound):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrInvalid), apperrors.Is(err, apperrors.ErrValidation):
		status = http.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
