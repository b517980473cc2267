// Package config loads server settings from the environment and an optional
// .env file. Command line flags override these values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mosqlimate/arbodash/internal/services"
	"github.com/mosqlimate/arbodash/internal/store"
)

// DefaultAPIBaseURL is the public forecast API
const DefaultAPIBaseURL = "https://api.mosqlimate.org/api"

// Config holds every server setting
type Config struct {
	Port              int
	DBPath            string
	RedisURL          string
	APIBaseURL        string
	APIToken          string
	LogLevel          string
	Expiration        time.Duration
	JanitorInterval   time.Duration
	MinDate           string
	Mock              bool
	AdminPassword     string
	AdminPasswordHash string
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		Port:            8081,
		DBPath:          "arbodash.db",
		APIBaseURL:      DefaultAPIBaseURL,
		LogLevel:        "info",
		Expiration:      store.DefaultExpiration,
		JanitorInterval: time.Hour,
		MinDate:         services.DefaultMinDate,
	}
}

// Load reads the given .env files, or ./.env when none are given, then the
// ARBODASH_* environment variables. A missing .env file is not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the environment over the defaults
func FromEnv() (Config, error) {
	cfg := Default()
	var err error

	if cfg.Port, err = getenvInt("ARBODASH_PORT", cfg.Port); err != nil {
		return cfg, err
	}
	cfg.DBPath = getenv("ARBODASH_DB", cfg.DBPath)
	cfg.RedisURL = getenv("ARBODASH_REDIS_URL", cfg.RedisURL)
	cfg.APIBaseURL = getenv("ARBODASH_API_URL", cfg.APIBaseURL)
	cfg.APIToken = getenv("ARBODASH_API_TOKEN", cfg.APIToken)
	cfg.LogLevel = getenv("ARBODASH_LOG_LEVEL", cfg.LogLevel)
	if cfg.Expiration, err = getenvDuration("ARBODASH_EXPIRATION", cfg.Expiration); err != nil {
		return cfg, err
	}
	if cfg.JanitorInterval, err = getenvDuration("ARBODASH_JANITOR_INTERVAL", cfg.JanitorInterval); err != nil {
		return cfg, err
	}
	cfg.MinDate = getenv("ARBODASH_MIN_DATE", cfg.MinDate)
	if cfg.Mock, err = getenvBool("ARBODASH_MOCK", cfg.Mock); err != nil {
		return cfg, err
	}
	cfg.AdminPassword = getenv("ARBODASH_ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.AdminPasswordHash = getenv("ARBODASH_ADMIN_PASSWORD_HASH", cfg.AdminPasswordHash)

	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot start with
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Expiration <= 0 {
		return fmt.Errorf("expiration must be positive, got %s", c.Expiration)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("janitor interval must be positive, got %s", c.JanitorInterval)
	}
	if _, err := time.Parse("2006-01-02", c.MinDate); err != nil {
		return fmt.Errorf("invalid min date %q", c.MinDate)
	}
	if !c.Mock && c.APIBaseURL == "" {
		return fmt.Errorf("api url is required unless mock mode is on")
	}
	return nil
}

// Addr is the listen address
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	v := getenv(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
