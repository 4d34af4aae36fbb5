package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/overlay"
	"github.com/ehr/intake/internal/domain/sanitize"
	"github.com/ehr/intake/internal/domain/submission"
	"github.com/ehr/intake/internal/domain/validation"
	"github.com/ehr/intake/internal/platform/abuse"
	"github.com/ehr/intake/internal/platform/blobstore"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/hipaa"
	"github.com/ehr/intake/internal/platform/kvstore"
	"github.com/ehr/intake/internal/platform/middleware"
	"github.com/ehr/intake/internal/platform/notification"
)

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	for _, w := range cfg.Warnings() {
		logger.Warn().Msg(w)
	}

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	checks := map[string]db.Pinger{"database": pool}

	// Attempt counter: Redis when configured so that limits hold across
	// instances.
	var counter abuse.CounterStore = abuse.NewMemoryCounter(nil)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		counter = abuse.NewRedisCounter(rdb, "intake:abuse:")
		checks["redis"] = db.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		logger.Info().Msg("rate limit counters in redis")
	}

	guard, err := newGuard(cfg, counter, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up abuse guard")
	}

	enc, err := hipaa.LoadEncryptor(keyConfig(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load encryption keys")
	}

	// Forms and customizations
	defs := newFormStore(cfg, logger)
	logger.Info().Strs("forms", defs.Forms()).Msg("form definitions found")
	overlaySvc := overlay.NewService(defs, kvstore.NewPG(pool), logger)

	audit := hipaa.NewAuditLogger(pool)
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up notifications")
	}

	pipeline := submission.NewPipeline(submission.Deps{
		Guard:     guard,
		Validator: validation.New(validation.WithLanguage(cfg.DefaultLanguage)),
		Policy:    sanitize.NewPolicy(),
		Processor: sanitize.NewProcessor(),
		Repo:      submission.NewPGRepository(pool, enc),
		Files:     blobstore.NewPGLinker(pool),
		Audit:     audit,
		Notifier:  notifier,
	}, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = ipExtractor(cfg.TrustProxy)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, guard.Hasher().Hash))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled || cfg.IsProduction()))
	e.Use(middleware.RejectMalformed(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.SubmissionBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader, middleware.LocationHeader, overlay.APIKeyHeader},
	}))
	e.Use(middleware.Location(cfg.DefaultLocation))

	// Public API
	apiV1 := e.Group("/api/v1")
	submissionHandler := submission.NewHandler(pipeline, defs, overlaySvc, guard.Tokens(), audit,
		submission.HandlerConfig{ScopedByLocation: cfg.LocationScoped}, logger)
	submissionHandler.RegisterRoutes(apiV1)

	// Admin API
	admin := e.Group("/admin",
		middleware.RateLimit(adminRateLimit(cfg)),
		overlay.RequireAPIKey(cfg.AdminAPIKey),
	)
	overlay.NewHandler(overlaySvc).WithAudit(audit, logger).RegisterRoutes(admin)
	notification.NewHandler(notifier).RegisterRoutes(admin)
	submissionHandler.RegisterAdminRoutes(admin)

	// Health check endpoint
	e.GET("/health", db.HealthHandler(checks, logger))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func guardConfig(cfg *config.Config) abuse.Config {
	gc := abuse.DefaultConfig()
	gc.MaxAttempts = cfg.RateLimitMax
	gc.Window = cfg.RateLimitWindow
	gc.MinFillTime = cfg.MinFillTime()
	return gc
}

// newGuard builds the abuse guard. Missing secrets are replaced with random
// ones, which config validation refuses in production.
func newGuard(cfg *config.Config, counter abuse.CounterStore, logger zerolog.Logger) (*abuse.Guard, error) {
	secret, err := secretOrRandom(cfg.FormTokenSecret)
	if err != nil {
		return nil, err
	}
	salt, err := secretOrRandom(cfg.ClientHashSalt)
	if err != nil {
		return nil, err
	}
	return abuse.NewGuard(guardConfig(cfg), counter, abuse.NewTokens(secret, nil), abuse.NewClientHasher(salt), logger), nil
}

func newNotifier(cfg *config.Config, logger zerolog.Logger) (*notification.Notifier, error) {
	var sender notification.EmailSender
	if cfg.NotificationsEnabled() {
		smtpSender, err := notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			return nil, err
		}
		sender = smtpSender
		logger.Info().Str("smtp_host", cfg.SMTPHost).Msg("practice notifications enabled")
	}
	return notification.NewNotifier(sender, notification.NewTemplateEngine(), notification.NotifierConfig{
		PracticeName: cfg.PracticeName,
		Recipient:    cfg.NotifyEmail,
	}, logger), nil
}

func adminRateLimit(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}

// ipExtractor trusts X-Forwarded-For only behind a reverse proxy.
func ipExtractor(trustProxy bool) echo.IPExtractor {
	if trustProxy {
		return echo.ExtractIPFromXFFHeader()
	}
	return echo.ExtractIPDirect()
}
