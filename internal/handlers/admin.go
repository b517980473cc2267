package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/services"
)

// LevelController is implemented by loggers whose level can change at runtime
type LevelController interface {
	SetLevel(level slog.Level)
	GetLevel() slog.Level
}

// HTTPLoggingController is implemented by loggers that can toggle request logging
type HTTPLoggingController interface {
	EnableHTTPLogging()
	DisableHTTPLogging()
}

// ==================== Dashboards ====================

func (h *Handlers) handleAdminDashboards(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Dashboards.Clients(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, AdminDashboardsResponse{
		Dashboards: h.Dashboards.List(),
		Clients:    clients,
	})
}

func (h *Handlers) handleClearClientState(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client")
	if strings.TrimSpace(clientID) == "" {
		respondError(w, BadRequest("Missing client parameter"))
		return
	}
	if err := h.Dashboards.ClearClient(r.Context(), clientID); err != nil {
		respondError(w, err)
		return
	}
	respondDeleted(w)
}

// ==================== Logging ====================

func levelName(level slog.Level) string {
	return strings.ToLower(level.String())
}

func (h *Handlers) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	switch strings.ToLower(strings.TrimSpace(req.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		respondError(w, BadRequest("Invalid log level: "+req.Level))
		return
	}

	levels, ok := h.Log.(LevelController)
	if !ok {
		respondError(w, Conflict("Log level cannot be changed at runtime"))
		return
	}
	levels.SetLevel(logger.ParseLevel(req.Level))
	if h.Logger != nil {
		h.Logger.Info("Log level changed", "level", levelName(levels.GetLevel()))
	}
	respondOK(w, LogLevelResponse{Level: levelName(levels.GetLevel())})
}

func (h *Handlers) handleSetHTTPLogging(w http.ResponseWriter, r *http.Request) {
	var req HTTPLoggingRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	ctl, ok := h.Log.(HTTPLoggingController)
	if !ok {
		respondError(w, Conflict("HTTP logging cannot be toggled at runtime"))
		return
	}
	if req.Enabled {
		ctl.EnableHTTPLogging()
	} else {
		ctl.DisableHTTPLogging()
	}
	respondOK(w, map[string]bool{"enabled": h.Log.IsHTTPLoggingEnabled()})
}

// ==================== Settings ====================

func (h *Handlers) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	baseURL, err := h.Settings.GetShareBaseURL(ctx)
	if err != nil {
		respondError(w, err)
		return
	}
	qrSize, _ := h.Settings.GetQRSize(ctx)

	respondOK(w, SettingsResponse{
		ShareBaseURL: baseURL,
		QRSize:       qrSize,
	})
}

func (h *Handlers) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	settings := services.Settings{
		ShareBaseURL: req.ShareBaseURL,
		QRSize:       req.QRSize,
	}
	if err := h.Settings.UpdateSettings(r.Context(), settings); err != nil {
		respondError(w, err)
		return
	}

	respondSuccess(w, "Settings updated")
}

// ==================== Database Management ====================

// handleResetDatabase clears the requested tables, unmounts every dashboard
// so the next request starts from defaults and tells connected clients
func (h *Handlers) handleResetDatabase(w http.ResponseWriter, r *http.Request) {
	var req DatabaseResetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	result, err := h.Settings.ResetTables(r.Context(), req.Tables)
	if err != nil {
		respondError(w, err)
		return
	}

	unmounted := 0
	for _, info := range h.Dashboards.List() {
		if h.Dashboards.Unmount(info.ClientID, info.Namespace) {
			unmounted++
		}
	}
	if h.Hub != nil {
		h.Hub.BroadcastMessage("reset", result)
	}

	respondOK(w, ResetDatabaseResponse{
		Message:   result.Message,
		Tables:    result.Tables,
		Unmounted: unmounted,
	})
}
