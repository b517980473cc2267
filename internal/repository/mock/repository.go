package mock

import (
	"context"

	"github.com/mosqlimate/arbodash/internal/models"
	"github.com/mosqlimate/arbodash/internal/repository"
)

// Repository wraps a real repository and allows injecting errors for testing.
//
// Usage:
//
//	realRepo := testutil.NewTestRepository(t)
//	mockRepo := mock.NewRepository(realRepo)
//	mockRepo.SaveError = errors.New("disk full")
//	st, _ := store.Open(ctx, log, mockRepo, "client", "predictions", defaults)
//	_, err := st.Set(ctx, "disease", "zika")
//	// err now wraps the injected error
type Repository struct {
	repository.FullRepository

	// ===== State Errors =====
	LoadError         error
	SaveError         error
	ClearError        error
	ClientsError      error
	PurgeExpiredError error

	// ===== Settings Errors =====
	GetSettingError error
	SetSettingError error
	ClearTableError error

	// SaveCalls counts Save invocations that reached the wrapped repository
	SaveCalls int
}

// NewRepository creates a mock repository wrapping a real one
func NewRepository(real repository.FullRepository) *Repository {
	return &Repository{
		FullRepository: real,
	}
}

// ===== State Methods =====

func (m *Repository) Load(ctx context.Context, clientID string) (models.Persisted, bool, error) {
	if m.LoadError != nil {
		return models.Persisted{}, false, m.LoadError
	}
	return m.FullRepository.Load(ctx, clientID)
}

func (m *Repository) Save(ctx context.Context, clientID, namespace string, state models.DashboardState, meta models.PersistedMeta) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.SaveCalls++
	return m.FullRepository.Save(ctx, clientID, namespace, state, meta)
}

func (m *Repository) Clear(ctx context.Context, clientID string) error {
	if m.ClearError != nil {
		return m.ClearError
	}
	return m.FullRepository.Clear(ctx, clientID)
}

func (m *Repository) Clients(ctx context.Context) ([]models.ClientRecord, error) {
	if m.ClientsError != nil {
		return nil, m.ClientsError
	}
	return m.FullRepository.Clients(ctx)
}

func (m *Repository) PurgeExpired(ctx context.Context, cutoff int64) (int64, error) {
	if m.PurgeExpiredError != nil {
		return 0, m.PurgeExpiredError
	}
	return m.FullRepository.PurgeExpired(ctx, cutoff)
}

// ===== Settings Methods =====

func (m *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	if m.GetSettingError != nil {
		return "", m.GetSettingError
	}
	return m.FullRepository.GetSetting(ctx, key)
}

func (m *Repository) SetSetting(ctx context.Context, key, value string) error {
	if m.SetSettingError != nil {
		return m.SetSettingError
	}
	return m.FullRepository.SetSetting(ctx, key, value)
}

func (m *Repository) ClearTable(ctx context.Context, table string) error {
	if m.ClearTableError != nil {
		return m.ClearTableError
	}
	return m.FullRepository.ClearTable(ctx, table)
}

// Ensure Repository implements FullRepository
var _ repository.FullRepository = (*Repository)(nil)
