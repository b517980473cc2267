package repository

import (
	"context"

	"github.com/mosqlimate/arbodash/internal/models"
)

// StateRepository defines dashboard state persistence. It matches the
// store.Backend contract.
type StateRepository interface {
	Load(ctx context.Context, clientID string) (models.Persisted, bool, error)
	Save(ctx context.Context, clientID, namespace string, state models.DashboardState, meta models.PersistedMeta) error
	Clear(ctx context.Context, clientID string) error
	Clients(ctx context.Context) ([]models.ClientRecord, error)
	PurgeExpired(ctx context.Context, cutoff int64) (int64, error)
}

// SettingsRepository defines settings data operations
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ClearTable(ctx context.Context, table string) error
}

// FullRepository combines all repository interfaces
type FullRepository interface {
	StateRepository
	SettingsRepository
}

// Ensure Repository implements all interfaces
var _ FullRepository = (*Repository)(nil)
