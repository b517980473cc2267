package handlers

import (
	"github.com/mosqlimate/arbodash/internal/models"
	"github.com/mosqlimate/arbodash/internal/services"
)

// SelectBatchResponse reports a select-batch and the resulting view
type SelectBatchResponse struct {
	Selected []int                  `json:"selected"`
	Failed   []int                  `json:"failed"`
	View     services.DashboardView `json:"view"`
}

// SharedDashboardResponse is a dashboard opened from a share link
type SharedDashboardResponse struct {
	services.DashboardView
	Shared *services.BatchResult `json:"shared,omitempty"`
}

// PendingResponse tells whether a deferred dashboard has unapplied changes
type PendingResponse struct {
	Pending bool           `json:"pending"`
	Phase   services.Phase `json:"phase"`
}

// ShareResponse carries a share link of a dashboard
type ShareResponse struct {
	URL string `json:"url"`
}

// AdminDashboardsResponse lists mounted dashboards and persisted clients
type AdminDashboardsResponse struct {
	Dashboards []services.DashboardInfo `json:"dashboards"`
	Clients    []models.ClientRecord    `json:"clients"`
}

// SettingsResponse is the response for settings
type SettingsResponse struct {
	ShareBaseURL string `json:"share_base_url"`
	QRSize       int    `json:"qr_size"`
}

// LogLevelResponse reports the active log level
type LogLevelResponse struct {
	Level string `json:"level"`
}

// ResetDatabaseResponse reports a database reset
type ResetDatabaseResponse struct {
	Message   string   `json:"message"`
	Tables    []string `json:"tables"`
	Unmounted int      `json:"unmounted"`
}
