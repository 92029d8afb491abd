// Package api wires together all HTTP routes for the key portal backend.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes.
//   - /api/v1/auth/* drives Google sign-in. Login and callback are rate limited
//     by client IP with the strict auth budget.
//   - /api/v1/keys/* always requires a session and is rate limited per account.
//   - /api/v1/webhooks/completion is called by the completion bot and is only
//     registered when completion.webhook_secret_hash is configured.
//
// Every response carries the portal's security headers. Metrics for the wait
// endpoint are counted but kept out of the latency histogram.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/ddc-api/keyportal/internal/api/portal"
	"github.com/ddc-api/keyportal/internal/api/webhooks"
	"github.com/ddc-api/keyportal/internal/auth"
	"github.com/ddc-api/keyportal/internal/completion"
	"github.com/ddc-api/keyportal/internal/config"
	"github.com/ddc-api/keyportal/internal/crypto"
	"github.com/ddc-api/keyportal/internal/db/repositories"
	"github.com/ddc-api/keyportal/internal/keys"
	"github.com/ddc-api/keyportal/internal/middleware"
)

// Version is reported by /version. Overridden at build time with
// -ldflags "-X github.com/ddc-api/keyportal/internal/api.Version=...".
var Version = "0.1.0"

// WaitRoute is the long-poll route template.
const WaitRoute = "/api/v1/keys/:tier/wait"

// Dependencies are the long-lived components the router hands to its handlers.
type Dependencies struct {
	DB *sql.DB
	// Redis is nil when redis.addr is unset; rate limiting then stays in process.
	Redis *redis.Client
	// Broker fans completion events out to waiting requests. Nil disables push
	// wake-ups and waiters fall back to polling.
	Broker completion.Broker
	// Provider is nil when OIDC sign-in is disabled.
	Provider portal.Authenticator
	Tokens   *auth.TokenManager
	Cipher   *crypto.TokenCipher
}

// BackgroundServices holds references to background goroutines and resources that
// must be stopped during graceful shutdown. The caller (cmd/server) is responsible
// for calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
	broker       completion.Broker
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.broker != nil {
		if err := bg.broker.Close(); err != nil {
			slog.Warn("failed to close completion broker", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware(WaitRoute))
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.PortalSecurityHeadersConfig()))

	bg := &BackgroundServices{broker: deps.Broker}

	sqlxDB := sqlx.NewDb(deps.DB, "postgres")
	keyRepo := repositories.NewKeyRecordRepository(sqlxDB)
	accountRepo := repositories.NewAccountRepository(sqlxDB)

	keySvc := keys.NewService(keyRepo, keys.Options{
		StoreTimeout:             cfg.Keys.StoreTimeout,
		PermissionRemediationURL: cfg.Keys.PermissionRemediationURL,
		BotBaseURL:               cfg.Completion.BotBaseURL,
		BotUsername:              cfg.Completion.BotUsername,
		PollInterval:             cfg.Keys.PollInterval,
		Publisher:                deps.Broker,
		Logger:                   slog.Default(),
	})

	// newLimiter prefers Redis so every replica draws from one budget.
	newLimiter := func(prefix string, rlCfg middleware.RateLimitConfig) middleware.Limiter {
		if deps.Redis != nil {
			return middleware.NewRedisRateLimiter(deps.Redis, prefix, rlCfg)
		}
		rl := middleware.NewRateLimiter(rlCfg)
		bg.rateLimiters = append(bg.rateLimiters, rl)
		return rl
	}

	// Probes
	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Redis))
	router.GET("/version", versionHandler())

	apiV1 := router.Group("/api/v1")

	// Sign-in
	authHandlers := portal.NewAuthHandlers(cfg, deps.Provider, accountRepo, deps.Tokens, deps.Cipher)
	authGroup := apiV1.Group("/auth")
	{
		signIn := authGroup.Group("")
		if cfg.Security.RateLimiting.Enabled {
			signIn.Use(middleware.RateLimitMiddleware(newLimiter("rl:auth:", middleware.AuthRateLimitConfig())))
		}
		signIn.GET("/login", authHandlers.LoginHandler())
		signIn.GET("/callback", authHandlers.CallbackHandler())

		authGroup.GET("/logout", middleware.OptionalAuthMiddleware(deps.Tokens), authHandlers.LogoutHandler())
		authGroup.GET("/me", middleware.AuthMiddleware(deps.Tokens), authHandlers.MeHandler())
	}

	// Keys. Auth runs first here so the limiter keys on the account rather than
	// on a shared NAT address.
	keyHandlers := portal.NewKeyHandlers(keySvc, deps.Broker, cfg.Keys.MaxWait)
	keysGroup := apiV1.Group("/keys")
	keysGroup.Use(middleware.AuthMiddleware(deps.Tokens))
	if cfg.Security.RateLimiting.Enabled {
		keysGroup.Use(middleware.RateLimitMiddleware(newLimiter("rl:api:", middleware.RateLimitConfigFrom(cfg.Security.RateLimiting))))
	}
	{
		keysGroup.GET("", keyHandlers.ListHandler())
		keysGroup.GET("/:tier", keyHandlers.GetHandler())
		keysGroup.POST("/:tier", keyHandlers.IssueHandler())
		keysGroup.POST("/:tier/refresh", keyHandlers.RefreshHandler())
		keysGroup.GET("/:tier/wait", keyHandlers.WaitHandler())
	}

	// Completion bot callback
	if hash := cfg.Completion.WebhookSecretHash; hash != "" {
		completionHandler := webhooks.NewCompletionHandler(keySvc, accountRepo)
		apiV1.POST("/webhooks/completion", middleware.WebhookSecretMiddleware(hash), completionHandler.HandleCompletion)
	} else {
		slog.Warn("completion.webhook_secret_hash is not set; the completion callback endpoint is disabled")
	}

	return router, bg
}

// redisPinger is the slice of *redis.Client the readiness probe needs.
type redisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and, when configured, Redis.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks Redis so that a
// Kubernetes readiness gate fails when completion events could not be delivered
// to other replicas.
func readinessHandler(db *sql.DB, rdb *redis.Client) gin.HandlerFunc {
	var pinger redisPinger
	if rdb != nil {
		pinger = rdb
	}
	return readinessCheck(db, pinger)
}

func readinessCheck(db *sql.DB, rdb redisPinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if rdb != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err := rdb.Ping(ctx).Err()
			cancel()
			if err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the build version and API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version, tiers"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
			"tiers":       []string{"stable", "beta"},
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		if cfg.Logging.Format == "json" {
			logJSON(c, latency, path, query)
		} else {
			logText(c, latency, path, query)
		}
	}
}

// logJSON logs a request as a JSON-structured slog record.
func logJSON(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	attrs := []slog.Attr{
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	}
	if accountID := c.GetString(middleware.AccountIDKey); accountID != "" {
		attrs = append(attrs, slog.String("account_id", accountID))
	}
	slog.LogAttrs(c.Request.Context(), slog.LevelInfo, "http request", attrs...)
}

// logText logs a request as a human-readable slog text record.
func logText(c *gin.Context, latency time.Duration, path, query string) {
	// slog emits text when the global handler is a TextHandler (telemetry.SetupLogger).
	logJSON(c, latency, path, query)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
