package handlers

import (
	"github.com/mosqlimate/arbodash/internal/auth"
	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/services"
	"github.com/mosqlimate/arbodash/internal/websocket"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	Dashboards services.ManagerServicer
	Settings   services.SettingsServicer
	Auth       *auth.Auth
	Hub        *websocket.Hub
	Log        HTTPLogger
	Logger     logger.Logger
}

// HTTPLogger is an interface for loggers that support HTTP logging control
type HTTPLogger interface {
	IsHTTPLoggingEnabled() bool
}

// New creates a new Handlers instance with all dependencies
func New(
	dashboards services.ManagerServicer,
	settings services.SettingsServicer,
	adminAuth *auth.Auth,
	hub *websocket.Hub,
	log HTTPLogger,
	appLog logger.Logger,
) *Handlers {
	return &Handlers{
		Dashboards: dashboards,
		Settings:   settings,
		Auth:       adminAuth,
		Hub:        hub,
		Log:        log,
		Logger:     appLog,
	}
}

// NoopHTTPLogger is a test logger that always returns false for HTTP logging
type NoopHTTPLogger struct{}

func (NoopHTTPLogger) IsHTTPLoggingEnabled() bool { return false }

// NewForTesting creates a Handlers instance with a known admin password and
// no websocket hub
func NewForTesting(dashboards services.ManagerServicer, settings services.SettingsServicer) *Handlers {
	return &Handlers{
		Dashboards: dashboards,
		Settings:   settings,
		Auth:       auth.New("test-password"),
		Log:        NoopHTTPLogger{},
		Logger:     logger.Discard(),
	}
}
