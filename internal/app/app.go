package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mosqlimate/arbodash/internal/auth"
	"github.com/mosqlimate/arbodash/internal/config"
	"github.com/mosqlimate/arbodash/internal/handlers"
	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/repository"
	"github.com/mosqlimate/arbodash/internal/services"
	"github.com/mosqlimate/arbodash/internal/session"
	"github.com/mosqlimate/arbodash/internal/store"
	"github.com/mosqlimate/arbodash/internal/websocket"
	"github.com/mosqlimate/arbodash/pkg/mosqlimate"
)

// shutdownTimeout bounds how long in-flight requests get on shutdown
const shutdownTimeout = 10 * time.Second

// App holds all application dependencies
type App struct {
	log           logger.Logger
	cfg           config.Config
	handlers      *handlers.Handlers
	repo          *repository.Repository
	redis         *session.RedisStore
	manager       *services.Manager
	settings      *services.SettingsService
	hub           *websocket.Hub
	cancelJanitor context.CancelFunc
	janitorDone   chan struct{}
	closeOnce     sync.Once
}

// New creates and initializes a new application instance. api may be nil, in
// which case the client is built from cfg.
func New(log logger.Logger, cfg config.Config, api mosqlimate.Client, adminAuth *auth.Auth) (*App, error) {
	repo, err := repository.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &App{log: log, cfg: cfg, repo: repo}

	// Dashboard state lives in redis when configured, sqlite otherwise
	var backend store.Backend = repo
	if cfg.RedisURL != "" {
		rs, err := session.NewRedisStore(cfg.RedisURL, cfg.Expiration)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = rs
		backend = rs
		log.Info("Dashboard state stored in redis")
	}

	if api == nil {
		api = NewAPIClient(log, cfg)
	}

	a.manager = services.NewManager(log, api, backend, services.ManagerConfig{
		Expiration: cfg.Expiration,
		MinDate:    cfg.MinDate,
	})
	a.settings = services.NewSettingsService(log, repo)

	// Initialize WebSocket hub with DI
	a.hub = websocket.New(log, a.manager)
	a.hub.Start()
	a.manager.SetNotifier(a.hub)

	var httpLog handlers.HTTPLogger = handlers.NoopHTTPLogger{}
	if hl, ok := log.(handlers.HTTPLogger); ok {
		httpLog = hl
	}
	a.handlers = handlers.New(a.manager, a.settings, adminAuth, a.hub, httpLog, log)

	// The redis backend expires keys itself
	if a.redis == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancelJanitor = cancel
		a.janitorDone = make(chan struct{})
		go a.runJanitor(ctx, cfg.JanitorInterval)
	}

	return a, nil
}

// NewAPIClient returns the mock client in mock mode, the HTTP client otherwise
func NewAPIClient(log logger.Logger, cfg config.Config) mosqlimate.Client {
	if cfg.Mock {
		log.Warn("Using mock forecast API")
		return mosqlimate.NewMockClient()
	}
	client := mosqlimate.NewHTTPClient(cfg.APIBaseURL, log)
	if cfg.APIToken != "" {
		client.SetToken(cfg.APIToken)
	}
	return client
}

// Router returns the configured HTTP router
func (a *App) Router() chi.Router {
	return a.handlers.Router()
}

// Manager returns the dashboard manager
func (a *App) Manager() *services.Manager {
	return a.manager
}

// Close performs graceful shutdown of app resources
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.cancelJanitor != nil {
			a.cancelJanitor()
			<-a.janitorDone
		}
		a.hub.Stop()
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				a.log.Warn("Failed to close redis", "error", err)
			}
		}
		if err := a.repo.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	})
}

// Run starts the HTTP server and blocks until ctx is canceled or the server fails
func (a *App) Run(ctx context.Context, addr string) error {
	// Share links need an address other devices can reach
	ip := getPreferredIP(realNetworkProvider{})
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	baseURL := fmt.Sprintf("http://%s", net.JoinHostPort(ip, port))
	a.setDefaultShareBaseURL(baseURL)

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.log.Info("Server starting", "url", baseURL)
	a.log.Info("Dashboard API", "url", baseURL+"/api/dashboards/predictions")

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("Server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// setDefaultShareBaseURL sets the share base URL if not already configured
// or if the current value uses localhost (which isn't useful for QR codes)
func (a *App) setDefaultShareBaseURL(baseURL string) {
	ctx := context.Background()
	existing, _ := a.repo.GetSetting(ctx, services.SettingShareBaseURL)

	needsUpdate := existing == "" || strings.Contains(existing, "localhost")
	if needsUpdate {
		if err := a.repo.SetSetting(ctx, services.SettingShareBaseURL, baseURL); err != nil {
			a.log.Warn("Failed to set default share_base_url", "error", err)
		} else {
			a.log.Info("Default share base URL set", "url", baseURL)
		}
	}
}

// runJanitor purges expired dashboard state from sqlite until ctx is canceled
func (a *App) runJanitor(ctx context.Context, interval time.Duration) {
	defer close(a.janitorDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.purgeExpired(ctx)
		}
	}
}

func (a *App) purgeExpired(ctx context.Context) int64 {
	cutoff := time.Now().Add(-a.cfg.Expiration).UnixMilli()
	n, err := a.repo.PurgeExpired(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("Failed to purge expired dashboard state", "error", err)
		}
		return 0
	}
	if n > 0 {
		a.log.Info("Purged expired dashboard state", "clients", n)
	}
	return n
}

// networkInterface wraps net.Interface for testing
type networkInterface interface {
	Flags() net.Flags
	Addrs() ([]net.Addr, error)
}

// realInterface wraps a real net.Interface
type realInterface struct {
	iface net.Interface
}

func (r realInterface) Flags() net.Flags {
	return r.iface.Flags
}

func (r realInterface) Addrs() ([]net.Addr, error) {
	return r.iface.Addrs()
}

// networkProvider is an interface for getting network interfaces (for testing)
type networkProvider interface {
	Interfaces() ([]networkInterface, error)
}

// realNetworkProvider implements networkProvider using actual net package
type realNetworkProvider struct{}

func (realNetworkProvider) Interfaces() ([]networkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	result := make([]networkInterface, len(ifaces))
	for i, iface := range ifaces {
		result[i] = realInterface{iface: iface}
	}
	return result, nil
}

// getPreferredIP returns the best IP address for LAN access.
// Prefers private network addresses (192.168.x.x, 10.x.x.x, 172.16-31.x.x).
// Falls back to localhost if no suitable address is found.
func getPreferredIP(provider networkProvider) string {
	ifaces, err := provider.Interfaces()
	if err != nil {
		return "localhost"
	}

	var candidates []net.IP

	for _, iface := range ifaces {
		flags := iface.Flags()
		if flags&net.FlagUp == 0 || flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.To4() == nil || ip.IsLoopback() {
				continue
			}
			candidates = append(candidates, ip)
		}
	}

	for _, ip := range candidates {
		if ip.IsPrivate() {
			return ip.String()
		}
	}

	if len(candidates) > 0 {
		return candidates[0].String()
	}

	return "localhost"
}
