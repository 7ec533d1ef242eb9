package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/easygopharm/intake/internal/config"
	"github.com/easygopharm/intake/internal/domain/audit"
	"github.com/easygopharm/intake/internal/domain/lifecycle"
	"github.com/easygopharm/intake/internal/domain/staff"
	"github.com/easygopharm/intake/internal/platform/auth"
	"github.com/easygopharm/intake/internal/platform/blobstore"
	"github.com/easygopharm/intake/internal/platform/db"
	"github.com/easygopharm/intake/internal/platform/enrichment"
	"github.com/easygopharm/intake/internal/platform/middleware"
	"github.com/easygopharm/intake/internal/platform/notification"
	"github.com/easygopharm/intake/internal/platform/telemetry"
)

const version = "0.1.0"

// requestTimeout leaves room for one enrichment call.
const requestTimeout = 45 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "EasygoPharm intake and triage API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsDir(cmd, cfg))
			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsDir(cmd, cfg))
			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the default admin, doctor and pharmacist accounts",
		Long:  "Creates the default staff accounts that do not exist yet. The password is read from SEED_PASSWORD.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			if cfg.SeedPassword == "" {
				return fmt.Errorf("SEED_PASSWORD is required")
			}

			logger := newLogger(cfg)
			ledger := audit.NewLedger(audit.NewRepoPG(pool), logger, nil)
			svc := staff.NewService(staff.NewUserRepoPG(pool), staff.NewResetTokenRepoPG(pool),
				db.NewTransactor(pool), nil, nil, ledger, nil, logger)

			created, err := svc.Seed(cmd.Context(), cfg.SeedPassword)
			if err != nil {
				return db.ClassifyError(err)
			}
			if len(created) == 0 {
				fmt.Println("All default accounts already exist.")
				return nil
			}
			fmt.Printf("Created accounts: %s\n", strings.Join(created, ", "))
			return nil
		},
	}
}

func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.NewMetrics()
	metrics.RegisterPool(pool)

	// Attachments
	blobs, err := blobstore.Open(ctx, blobstore.Config{
		Driver:    cfg.BlobDriver,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open attachment store")
	}

	// AI enrichment
	analyzer, err := enrichment.New(enrichment.Config{
		Provider:     cfg.EnrichmentProvider,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		OpenAIModel:  cfg.OpenAIModel,
	}, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure enrichment")
	}

	// Notifications
	sender, err := notification.NewSender(ctx, notification.SenderConfig{
		Driver:       cfg.NotifyDriver,
		ResendAPIKey: cfg.ResendAPIKey,
		FromEmail:    cfg.FromEmail,
		SQSQueueURL:  cfg.SQSQueueURL,
		SQSQueueName: cfg.SQSQueueName,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure notifications")
	}
	dispatcher := notification.NewDispatcher(notification.NewComposer(cfg.AdminNotificationEmail), sender, logger, metrics)

	// Sessions
	tokens := auth.NewTokenIssuer([]byte(cfg.AuthSigningKey), cfg.TokenTTL)
	revoked := auth.NewTokenRevocationStore(10 * time.Minute)
	defer revoked.Close()

	// Domain services
	ledger := audit.NewLedger(audit.NewRepoPG(pool), logger, metrics)
	staffSvc := staff.NewService(staff.NewUserRepoPG(pool), staff.NewResetTokenRepoPG(pool),
		db.NewTransactor(pool), tokens, revoked, ledger, dispatcher, logger)
	lifecycleSvc := lifecycle.NewService(lifecycle.NewRequestRepoPG(pool), lifecycle.NewConsultationRepoPG(pool),
		blobs, analyzer, ledger, dispatcher, logger)
	lifecycleSvc.SetRecorder(metrics)

	e := newRouter(cfg, logger, routerDeps{
		metrics:   metrics,
		tokens:    tokens,
		revoked:   revoked,
		sessions:  staffSvc,
		pinger:    pool,
		audit:     audit.NewHandler(ledger),
		staff:     staff.NewHandler(staffSvc),
		lifecycle: lifecycle.NewHandler(lifecycleSvc),
		notify:    notification.NewHandler(dispatcher),
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pending notifications were dropped")
	}
	logger.Info().Msg("server stopped")
	return nil
}

type routeRegistrar interface {
	RegisterRoutes(api *echo.Group)
}

type routerDeps struct {
	metrics   *telemetry.Metrics
	tokens    *auth.TokenIssuer
	revoked   *auth.TokenRevocationStore
	sessions  auth.ActorResolver
	pinger    db.Pinger
	audit     routeRegistrar
	staff     routeRegistrar
	lifecycle routeRegistrar
	notify    *notification.Handler
}

// ipExtractor reads the peer address unless TRUSTED_PROXIES names the hops
// allowed to set X-Forwarded-For.
func ipExtractor(cfg *config.Config) echo.IPExtractor {
	nets, err := cfg.TrustedProxyNets()
	if err != nil || len(nets) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range nets {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

func newRouter(cfg *config.Config, logger zerolog.Logger, deps routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = ipExtractor(cfg)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(deps.metrics.MetricsMiddleware())
	var hsts time.Duration
	if cfg.IsProduction() {
		hsts = 365 * 24 * time.Hour
	}
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{HSTSMaxAge: hsts}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(deps.pinger))
	e.GET("/metrics", deps.metrics.Handler())

	// API
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.NoStore())
	apiV1.Use(middleware.BodyLimit(cfg.BodyLimit))
	apiV1.Use(middleware.RequestTimeout(requestTimeout))
	apiV1.Use(auth.Authenticate(deps.tokens, deps.revoked, deps.sessions))

	deps.staff.RegisterRoutes(apiV1)
	deps.lifecycle.RegisterRoutes(apiV1)
	deps.audit.RegisterRoutes(apiV1)
	deps.notify.RegisterRoutes(apiV1)

	return e
}
