package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mosqlimate/arbodash/internal/app"
	"github.com/mosqlimate/arbodash/internal/auth"
	"github.com/mosqlimate/arbodash/internal/browser"
	"github.com/mosqlimate/arbodash/internal/config"
	"github.com/mosqlimate/arbodash/internal/logger"
	"github.com/mosqlimate/arbodash/internal/repository"
	"github.com/mosqlimate/arbodash/internal/session"
	"github.com/mosqlimate/arbodash/internal/store"
)

var version = "dev"

// serveFlags are command line overrides for the environment config
type serveFlags struct {
	envFile    string
	port       int
	dbPath     string
	redisURL   string
	apiURL     string
	mock       bool
	adminPw    string
	logLevel   string
	noBanner   bool
	noKeyboard bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags serveFlags

	rootCmd := &cobra.Command{
		Use:   "arbodash",
		Short: "Arbovirus forecast dashboard server",
		Long: `arbodash serves the prediction dashboards for dengue, chikungunya and
zika forecasts published on the Mosqlimate platform.

Settings come from ARBODASH_* environment variables or a .env file.
Flags override both.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", "", "Env file to load (default ./.env when present)")
	pf.StringVar(&flags.dbPath, "db", "", "SQLite database path")
	pf.StringVar(&flags.redisURL, "redis", "", "Redis URL for dashboard state")

	f := rootCmd.Flags()
	f.IntVarP(&flags.port, "port", "p", 0, "HTTP server port")
	f.StringVar(&flags.apiURL, "api-url", "", "Forecast API base URL")
	f.BoolVar(&flags.mock, "mock", false, "Serve generated forecasts instead of calling the API")
	f.StringVar(&flags.adminPw, "adminpw", "", "Admin password (auto-generated if not set)")
	f.StringVar(&flags.logLevel, "loglevel", "", "Log level: debug, info, warn, error")
	f.BoolVar(&flags.noBanner, "nobanner", false, "Skip the startup banner")
	f.BoolVar(&flags.noKeyboard, "nokeyboard", false, "Disable keyboard shortcuts")

	rootCmd.AddCommand(newVersionCmd(), newStateCmd(&flags), newHashPasswordCmd())
	return rootCmd
}

// loadConfig reads the environment and applies the flags that were set
func loadConfig(cmd *cobra.Command, flags serveFlags) (config.Config, error) {
	var files []string
	if flags.envFile != "" {
		files = append(files, flags.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return cfg, err
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("port") {
		cfg.Port = flags.port
	}
	if changed("db") {
		cfg.DBPath = flags.dbPath
	}
	if changed("redis") {
		cfg.RedisURL = flags.redisURL
	}
	if changed("api-url") {
		cfg.APIBaseURL = flags.apiURL
	}
	if changed("mock") {
		cfg.Mock = flags.mock
	}
	if changed("adminpw") {
		cfg.AdminPassword = flags.adminPw
	}
	if changed("loglevel") {
		cfg.LogLevel = flags.logLevel
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, flags serveFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	if !flags.noBanner {
		printBanner(cmd.OutOrStdout())
	}

	appLog := logger.NewWithLevel(logger.ParseLevel(cfg.LogLevel))

	// Setup admin authentication
	var adminAuth *auth.Auth
	switch {
	case cfg.AdminPasswordHash != "":
		adminAuth = auth.NewWithHash(cfg.AdminPasswordHash)
		appLog.Info("Admin password loaded from hash")
	default:
		password := cfg.AdminPassword
		if password == "" {
			password = auth.GeneratePassword()
		}
		adminAuth = auth.New(password)
		appLog.Info("Admin password", "password", password)
	}

	a, err := app.New(appLog, cfg, nil, adminAuth)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.Run(ctx, cfg.Addr())
	}()

	if !flags.noKeyboard {
		printKeyboardHelp()
		localURL := fmt.Sprintf("http://localhost:%d", cfg.Port)
		go listenForKeyboard(ctx, stop, localURL, appLog)
	} else {
		fmt.Printf("\n%sKeyboard shortcuts disabled%s\n\n", yellow, reset)
	}

	return <-serverErr
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("arbodash %s\n", version)
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for ARBODASH_ADMIN_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			cmd.Println(hash)
			return nil
		},
	}
}

func newStateCmd(flags *serveFlags) *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or clear persisted dashboard state",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List clients with persisted dashboard state",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, closeFn, err := openBackend(cmd, *flags)
			if err != nil {
				return err
			}
			defer closeFn()

			clients, err := backend.Clients(cmd.Context())
			if err != nil {
				return err
			}
			if len(clients) == 0 {
				cmd.Println("No persisted dashboard state.")
				return nil
			}
			for _, c := range clients {
				saved := time.UnixMilli(c.Timestamp).Format(time.RFC3339)
				cmd.Printf("%s  %s  %s\n", c.ClientID, saved, strings.Join(c.Namespaces, ","))
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <client-id>...",
		Short: "Delete the persisted dashboard state of clients",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, closeFn, err := openBackend(cmd, *flags)
			if err != nil {
				return err
			}
			defer closeFn()

			for _, id := range args {
				if err := backend.Clear(cmd.Context(), id); err != nil {
					return fmt.Errorf("clear %s: %w", id, err)
				}
				cmd.Printf("Cleared %s\n", id)
			}
			return nil
		},
	}

	stateCmd.AddCommand(listCmd, clearCmd)
	return stateCmd
}

// openBackend opens the store the server would use for dashboard state
func openBackend(cmd *cobra.Command, flags serveFlags) (store.Backend, func(), error) {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RedisURL != "" {
		rs, err := session.NewRedisStore(cfg.RedisURL, cfg.Expiration)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	}
	repo, err := repository.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() { repo.Close() }, nil
}

// openDashboard opens the predictions dashboard in the local browser
func openDashboard(baseURL string) {
	fmt.Printf("%sOpening dashboard in browser...%s\r\n", cyan, reset)
	if err := browser.OpenDashboard(baseURL, "predictions"); err != nil {
		fmt.Printf("%sError opening browser: %v%s\r\n", red, err, reset)
	}
}
