// @title           DDC Key Portal API
// @version         1.0.0
// @description     Self-service issuance of Stable and Beta API keys. Keys are issued as partial keys and completed out of band by the completion bot.
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "Session JWT: 'Bearer {token}'. Browsers use the ddc_session cookie instead."
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics and profiling are served on a dedicated side-channel port (default: 9090) separate from the main API server. Configure it with DDC_TELEMETRY_METRICS_PORT. pprof (DDC_TELEMETRY_PROFILING_ENABLED=true) is served on DDC_TELEMETRY_PROFILING_PORT (default: 6060).

// Package main is the entry point for the key portal server binary.
// It dispatches three subcommands, serve, migrate and version, via a switch on
// os.Args. The serve command applies pending migrations on startup when
// database.auto_migrate is set.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- pprof is only served on the dedicated profiling port, never on the Gin router.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ddc-api/keyportal/internal/api"
	"github.com/ddc-api/keyportal/internal/api/portal"
	"github.com/ddc-api/keyportal/internal/auth"
	"github.com/ddc-api/keyportal/internal/auth/oidc"
	"github.com/ddc-api/keyportal/internal/completion"
	"github.com/ddc-api/keyportal/internal/config"
	"github.com/ddc-api/keyportal/internal/crypto"
	"github.com/ddc-api/keyportal/internal/db"
	"github.com/ddc-api/keyportal/internal/safego"
	"github.com/ddc-api/keyportal/internal/telemetry"
)

const defaultShutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("DDC Key Portal v%s\n", api.Version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent log output
	// uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	tokens, err := auth.NewTokenManager(cfg.Auth.JWT.Secret, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.TTL)
	if err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	cipher, ephemeral, err := crypto.CipherFromSecret(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialise state cipher: %w", err)
	}
	if ephemeral {
		slog.Warn("ENCRYPTION_KEY not set; sign-in state is sealed with a per-process key and will not survive restarts or cross replicas")
	}

	slog.Info("connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"name", cfg.Database.Name, "user", cfg.Database.User, "sslmode", cfg.Database.SSLMode)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections, cfg.Database.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database")

	// Begin exporting DB pool statistics to Prometheus.
	telemetry.StartDBStatsCollector(ctx, database)

	if cfg.Database.AutoMigrate {
		if err := migrateUp(database); err != nil {
			return err
		}
	}

	deps := api.Dependencies{
		DB:     database,
		Tokens: tokens,
		Cipher: cipher,
	}

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		broker, err := completion.NewRedisBroker(ctx, rdb, cfg.Redis.Channel)
		if err != nil {
			return fmt.Errorf("failed to start completion broker: %w", err)
		}
		deps.Redis = rdb
		deps.Broker = broker
		slog.Info("completion events and rate limits shared through redis", "addr", cfg.Redis.Addr)
	} else {
		deps.Broker = completion.NewLocalBroker()
		slog.Info("redis not configured; completion events and rate limits are per process")
	}

	if cfg.Auth.OIDC.Enabled {
		provider, err := oidc.NewOIDCProvider(ctx, &cfg.Auth.OIDC)
		if err != nil {
			return fmt.Errorf("failed to initialise sign-in provider: %w", err)
		}
		deps.Provider = provider
	} else {
		slog.Warn("auth.oidc.enabled is false; sign-in is unavailable")
	}

	startSideServers(cfg)

	router, bgServices := api.NewRouter(cfg, deps)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: writeTimeout(cfg),
	}

	safego.Go("http-server", func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"public_url", cfg.Server.GetPublicURL(),
			"frontend_url", cfg.Server.GetFrontendURL())

		var err error
		if cfg.Security.TLS.Enabled {
			slog.Info("TLS enabled", "cert", cfg.Security.TLS.CertFile, "key", cfg.Security.TLS.KeyFile)
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	})

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop rate limiter goroutines and the completion broker
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// writeTimeout keeps the write deadline above the longest permitted wait so a
// long-poll is never cut off by the server before its own timeout fires.
func writeTimeout(cfg *config.Config) time.Duration {
	wt := cfg.Server.WriteTimeout
	if floor := cfg.Keys.MaxWait + 5*time.Second; cfg.Keys.MaxWait > 0 && wt > 0 && wt < floor {
		slog.Warn("server.write_timeout is shorter than keys.max_wait; raising it", "write_timeout", wt, "max_wait", cfg.Keys.MaxWait)
		return floor
	}
	return wt
}

// startSideServers serves Prometheus metrics and pprof on their own ports so they
// are not reachable through the public API ingress path.
func startSideServers(cfg *config.Config) {
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.Port)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	if cfg.Telemetry.Profiling.Enabled {
		pprofAddr := fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port)
		safego.Go("pprof-server", func() {
			slog.Info("starting pprof server", "addr", pprofAddr)
			// net/http/pprof registers its handlers on http.DefaultServeMux at init time.
			srv := &http.Server{ //nolint:gosec // #nosec G112 -- internal-only pprof port
				Addr:         pprofAddr,
				Handler:      http.DefaultServeMux, // #nosec G108 -- pprof-only internal port
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("pprof server error", "error", err)
			}
		})
	}
}

func migrateUp(database *sql.DB) error {
	slog.Info("running database migrations")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		slog.Warn("failed to get migration version", "error", err)
		return nil
	}
	slog.Info("database migrations completed", "version", version, "dirty", dirty)
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections, cfg.Database.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}

// Compile-time check that the OIDC provider satisfies the portal's interface.
var _ portal.Authenticator = (*oidc.OIDCProvider)(nil)
