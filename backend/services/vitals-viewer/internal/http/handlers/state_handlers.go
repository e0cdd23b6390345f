package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"healthsense/backend/services/vitals-viewer/internal/models"
	"healthsense/backend/services/vitals-viewer/internal/service"
)

const defaultKeepaliveInterval = 15 * time.Second

// SyncService is the part of the sync controller exposed to operators.
type SyncService interface {
	Snapshot() models.Snapshot
	SetMode(mode models.SyncMode) error
	Initialize() error
	Subscribe() (<-chan models.Snapshot, func())
}

// StateHandlers serve the operator control surface.
type StateHandlers struct {
	sync      SyncService
	logger    *zap.Logger
	keepalive time.Duration
}

// NewStateHandlers returns handler.
func NewStateHandlers(sync SyncService, logger *zap.Logger) *StateHandlers {
	return &StateHandlers{sync: sync, logger: logger, keepalive: defaultKeepaliveInterval}
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type modeResponse struct {
	Mode models.SyncMode `json:"mode"`
}

// State handles GET /api/v1/state.
func (h *StateHandlers) State(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Snapshot())
}

// SetMode handles PUT /api/v1/mode.
func (h *StateHandlers) SetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode, err := models.ParseSyncMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sync.SetMode(mode); err != nil {
		h.writeSyncError(w, "set mode", err)
		return
	}
	h.logger.Info("sync mode requested", zap.String("mode", string(mode)))
	writeJSON(w, http.StatusAccepted, modeResponse{Mode: mode})
}

// Reload handles POST /api/v1/reload.
func (h *StateHandlers) Reload(w http.ResponseWriter, _ *http.Request) {
	if err := h.sync.Initialize(); err != nil {
		h.writeSyncError(w, "reload", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(models.LoadLoading)})
}

// Stream handles GET /api/v1/state/stream as Server-Sent Events: one
// "snapshot" event per published state.
func (h *StateHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates, cancel := h.sync.Subscribe()
	defer cancel()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, snap.Version, "snapshot", snap); err != nil {
				h.logger.Debug("snapshot stream ended", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func (h *StateHandlers) writeSyncError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "sync session stopped")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
