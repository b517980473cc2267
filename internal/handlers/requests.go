package handlers

import "github.com/mosqlimate/arbodash/internal/models"

// LoginRequest is the admin login body
type LoginRequest struct {
	Password string `json:"password"`
}

// ScoreMetricRequest switches the ranking metric of a dashboard
type ScoreMetricRequest struct {
	Metric models.ScoreMetric `json:"metric"`
}

// LogLevelRequest changes the server log level
type LogLevelRequest struct {
	Level string `json:"level"`
}

// HTTPLoggingRequest toggles request logging
type HTTPLoggingRequest struct {
	Enabled bool `json:"enabled"`
}

// SettingsUpdateRequest represents a request to update settings. Zero
// fields are left unchanged.
type SettingsUpdateRequest struct {
	ShareBaseURL string `json:"share_base_url"`
	QRSize       int    `json:"qr_size"`
}

// DatabaseResetRequest represents a request to reset database tables
type DatabaseResetRequest struct {
	Tables []string `json:"tables"`
}
