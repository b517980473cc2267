package services

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/mosqlimate/arbodash/internal/errors"
	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/repository"
)

// Setting keys
const (
	SettingShareBaseURL = "share_base_url"
	SettingQRSize       = "qr_size"
)

// Edge length in pixels of share QR codes
const (
	DefaultQRSize = 256
	MinQRSize     = 64
	MaxQRSize     = 1024
)

// SettingsService handles runtime settings stored alongside dashboard state
type SettingsService struct {
	log  logger.Logger
	repo repository.SettingsRepository
}

// NewSettingsService creates a new SettingsService
func NewSettingsService(log logger.Logger, repo repository.SettingsRepository) *SettingsService {
	return &SettingsService{log: log, repo: repo}
}

// GetShareBaseURL returns the base URL used in share links
func (s *SettingsService) GetShareBaseURL(ctx context.Context) (string, error) {
	value, err := s.repo.GetSetting(ctx, SettingShareBaseURL)
	if err != nil {
		if err == repository.ErrNotFound {
			return "", nil // not configured yet
		}
		return "", err
	}
	return value, nil
}

// SetShareBaseURL saves the share base URL. It must be an absolute http(s) URL.
func (s *SettingsService) SetShareBaseURL(ctx context.Context, raw string) error {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Validationf("share base URL %q must be an absolute http(s) URL", raw)
	}
	return s.repo.SetSetting(ctx, SettingShareBaseURL, raw)
}

// GetQRSize returns the QR code size, falling back to the default
func (s *SettingsService) GetQRSize(ctx context.Context) (int, error) {
	value, err := s.repo.GetSetting(ctx, SettingQRSize)
	if err != nil {
		if err == repository.ErrNotFound {
			return DefaultQRSize, nil
		}
		return 0, err
	}
	size, err := strconv.Atoi(value)
	if err != nil || size <= 0 {
		return DefaultQRSize, nil // invalid value, use default
	}
	return size, nil
}

// SetQRSize saves the QR code size
func (s *SettingsService) SetQRSize(ctx context.Context, size int) error {
	if size < MinQRSize || size > MaxQRSize {
		return ErrInvalidQRSize
	}
	return s.repo.SetSetting(ctx, SettingQRSize, strconv.Itoa(size))
}

// GetSetting retrieves an arbitrary setting
func (s *SettingsService) GetSetting(ctx context.Context, key string) (string, error) {
	return s.repo.GetSetting(ctx, key)
}

// SetSetting saves an arbitrary setting
func (s *SettingsService) SetSetting(ctx context.Context, key, value string) error {
	return s.repo.SetSetting(ctx, key, value)
}

// AllSettings returns the known settings as a map
func (s *SettingsService) AllSettings(ctx context.Context) (map[string]interface{}, error) {
	settings := make(map[string]interface{})

	baseURL, err := s.GetShareBaseURL(ctx)
	if err != nil {
		return nil, err
	}
	settings[SettingShareBaseURL] = baseURL

	size, err := s.GetQRSize(ctx)
	if err != nil {
		return nil, err
	}
	settings[SettingQRSize] = size

	return settings, nil
}

// Settings is a partial settings update
type Settings struct {
	ShareBaseURL string `json:"share_base_url"`
	QRSize       int    `json:"qr_size"`
}

// UpdateSettings applies every non-zero field
func (s *SettingsService) UpdateSettings(ctx context.Context, settings Settings) error {
	if settings.ShareBaseURL != "" {
		if err := s.SetShareBaseURL(ctx, settings.ShareBaseURL); err != nil {
			return err
		}
	}
	if settings.QRSize != 0 {
		if err := s.SetQRSize(ctx, settings.QRSize); err != nil {
			return err
		}
	}
	return nil
}

// ResetTablesResult contains the result of a reset
type ResetTablesResult struct {
	Tables  []string `json:"tables"`
	Message string   `json:"message"`
}

// ValidTables defines which tables can be reset
var ValidTables = map[string]bool{
	"dashboard_states": true, "dashboard_meta": true,
}

// ResetTables validates and empties the given tables. Clearing the client
// metadata also clears the states that hang off it.
func (s *SettingsService) ResetTables(ctx context.Context, tables []string) (*ResetTablesResult, error) {
	if len(tables) == 0 {
		return nil, ErrNoTablesSpecified
	}

	var toReset []string
	for _, table := range tables {
		if !ValidTables[table] {
			return nil, &InvalidTableError{Table: table}
		}
		toReset = append(toReset, table)
	}
	if containsTable(toReset, "dashboard_meta") && !containsTable(toReset, "dashboard_states") {
		toReset = append([]string{"dashboard_states"}, toReset...)
	}

	for _, table := range toReset {
		if err := s.repo.ClearTable(ctx, table); err != nil {
			return nil, err
		}
	}
	s.log.Info("Tables reset", "tables", toReset)
	return &ResetTablesResult{
		Tables:  toReset,
		Message: "Successfully deleted data from tables",
	}, nil
}

func containsTable(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
