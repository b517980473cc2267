package services

import (
	"context"
	"io"

	"github.com/mosqlimate/arbodash/internal/models"
)

// Notifier receives dashboard events for a websocket topic
type Notifier interface {
	Publish(topic, msgType string, payload interface{})
}

// DashboardServicer defines the operations of a mounted dashboard
type DashboardServicer interface {
	Namespace() Namespace
	Topic() string
	State() models.DashboardState
	Phase() Phase
	View() DashboardView
	ChangeFilters(ctx context.Context, ch FilterChange) (models.DashboardState, error)
	SelectTag(ctx context.Context, id int) error
	DeselectTag(ctx context.Context, id int) error
	SelectModel(ctx context.Context, id int) error
	DeselectModel(ctx context.Context, id int) error
	SelectPrediction(ctx context.Context, id int) error
	DeselectPrediction(ctx context.Context, id int) error
	SelectBatch(ctx context.Context) (BatchResult, error)
	SetScoreMetric(ctx context.Context, metric models.ScoreMetric) error
	Predictions(q TableQuery) (TablePage, error)
	Pending() bool
	Apply(ctx context.Context) error
	Reset(ctx context.Context) error
	RenderChart(w io.Writer, width, height int) error
	ApplyShared(ctx context.Context, view SharedView) (BatchResult, error)
}

// ManagerServicer defines the dashboard registry operations
type ManagerServicer interface {
	Namespaces() []Namespace
	Namespace(name string) (Namespace, bool)
	Mount(ctx context.Context, clientID, namespace string) (*Dashboard, error)
	Get(clientID, namespace string) (*Dashboard, bool)
	Unmount(clientID, namespace string) bool
	List() []DashboardInfo
	ClearClient(ctx context.Context, clientID string) error
	Clients(ctx context.Context) ([]models.ClientRecord, error)
	Snapshot(clientID, namespace string) (StateEvent, bool)
	SetNotifier(n Notifier)
}

// SettingsServicer defines the interface for settings operations
type SettingsServicer interface {
	GetShareBaseURL(ctx context.Context) (string, error)
	SetShareBaseURL(ctx context.Context, url string) error
	GetQRSize(ctx context.Context) (int, error)
	SetQRSize(ctx context.Context, size int) error
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) (map[string]interface{}, error)
	UpdateSettings(ctx context.Context, settings Settings) error
	ResetTables(ctx context.Context, tables []string) (*ResetTablesResult, error)
}

// Ensure concrete types implement interfaces
var (
	_ DashboardServicer = (*Dashboard)(nil)
	_ ManagerServicer   = (*Manager)(nil)
	_ SettingsServicer  = (*SettingsService)(nil)
)
