package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mosqlimate/arbodash/internal/auth"
)

// conditionalHTTPLogger only logs HTTP requests when HTTP logging is enabled
func (h *Handlers) conditionalHTTPLogger(next http.Handler) http.Handler {
	logger := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Log != nil && h.Log.IsHTTPLoggingEnabled() {
			logger.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r)
		}
	})
}

// Router returns a configured chi router with all routes
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.conditionalHTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Timeout(60 * time.Second))

	// WebSocket
	if h.Hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			h.Hub.ServeWs(w, r, auth.ClientID(w, r))
		})
	}

	r.Get("/api/namespaces", h.handleListNamespaces)

	// Dashboards (public, keyed by the client cookie)
	r.Route("/api/dashboards/{ns}", func(r chi.Router) {
		r.Get("/", h.handleGetDashboard)
		r.Delete("/", h.handleUnmountDashboard)
		r.Patch("/filters", h.handleChangeFilters)

		r.Post("/tags/{id}", h.handleSelectTag)
		r.Delete("/tags/{id}", h.handleDeselectTag)
		r.Post("/models/{id}", h.handleSelectModel)
		r.Delete("/models/{id}", h.handleDeselectModel)

		r.Get("/predictions", h.handleListPredictions)
		r.Post("/predictions/select-batch", h.handleSelectBatch)
		r.Post("/predictions/{id}", h.handleSelectPrediction)
		r.Delete("/predictions/{id}", h.handleDeselectPrediction)

		r.Put("/score-metric", h.handleSetScoreMetric)
		r.Get("/pending", h.handleGetPending)
		r.Post("/apply", h.handleApply)
		r.Post("/reset", h.handleResetDashboard)

		r.Get("/chart.png", h.handleChartPNG)
		r.Get("/share", h.handleGetShareLink)
		r.Get("/share.png", h.handleGetShareQR)
	})

	// Auth routes (public)
	r.Post("/api/admin/login", h.handleLogin)
	r.Post("/api/admin/logout", h.handleLogout)

	// Admin API (protected)
	r.Group(func(r chi.Router) {
		r.Use(h.Auth.RequireAuthAPI)

		r.Get("/api/admin/dashboards", h.handleAdminDashboards)
		r.Delete("/api/admin/clients/{client}/state", h.handleClearClientState)

		// Logging
		r.Put("/api/admin/log-level", h.handleSetLogLevel)
		r.Put("/api/admin/http-logging", h.handleSetHTTPLogging)

		// Settings
		r.Get("/api/admin/settings", h.handleGetSettings)
		r.Put("/api/admin/settings", h.handleUpdateSettings)

		// Database Management
		r.Post("/api/admin/reset-database", h.handleResetDatabase)
	})

	return r
}
