package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/crd/internal/config"
	"github.com/ehr/crd/internal/domain/crd"
	"github.com/ehr/crd/internal/domain/plandefinition"
	"github.com/ehr/crd/internal/platform/auth"
	"github.com/ehr/crd/internal/platform/db"
	"github.com/ehr/crd/internal/platform/fhir"
	"github.com/ehr/crd/internal/platform/middleware"
	"github.com/ehr/crd/internal/platform/telemetry"
	"github.com/ehr/crd/migrations"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "crd-server",
		Short: "Coverage Requirements Discovery CDS Hooks service",
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
		Short: "Start the CRD server",
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
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
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
			})
		},
	}
	cmd.AddCommand(statusCmd)

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
		c.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	}

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("migrations need DEFINITION_STORE=%s", config.StorePostgres)
	}
	if schema == "" {
		schema = cfg.DBSchema
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, storeOptions(cfg, schema))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationFS(dir)), schema)
}

func migrationFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load PlanDefinition JSON files into the definition store",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, _ := cmd.Flags().GetStringSlice("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(dirs) == 0 {
				dirs = cfg.SeedDirs
			}
			if len(dirs) == 0 {
				return fmt.Errorf("no seed directories: pass --dir or set SEED_DIRS")
			}

			logger := newLogger(cfg)
			ctx := context.Background()
			repo, pool, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if pool != nil {
				defer pool.Close()
			}

			res, err := seed(ctx, repo, dirs, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Loaded %d definition(s), %d skipped, %d failed in %d pass(es).\n",
				len(res.Loaded), len(res.Skipped), len(res.Failed), res.Passes)
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d definition file(s) failed to load", len(res.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("dir", nil, "Directory of PlanDefinition JSON files (repeatable)")
	return cmd
}

func seed(ctx context.Context, repo plandefinition.Repository, dirs []string, logger zerolog.Logger) (*plandefinition.LoadResult, error) {
	loader := plandefinition.NewLoader(plandefinition.NewService(repo), logger)
	return loader.LoadDirs(ctx, dirs...)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

func storeOptions(cfg *config.Config, schema string) db.StoreOptions {
	return db.StoreOptions{
		URL:      cfg.DatabaseURL,
		Schema:   schema,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

// openStore returns the configured definition store. The pool is nil for
// the memory store.
func openStore(ctx context.Context, cfg *config.Config) (plandefinition.Repository, *pgxpool.Pool, error) {
	if cfg.Store == config.StoreMemory {
		return plandefinition.NewMemoryRepo(), nil, nil
	}
	pool, err := db.NewPool(ctx, storeOptions(cfg, cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}
	return plandefinition.NewRepoPG(pool), pool, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	repo, pool, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open definition store")
	}
	if pool != nil {
		defer pool.Close()
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	}

	if len(cfg.SeedDirs) > 0 {
		res, err := seed(ctx, repo, cfg.SeedDirs, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to seed definitions")
		}
		logger.Info().Int("loaded", len(res.Loaded)).Int("failed", len(res.Failed)).Msg("definitions seeded")
	}

	tel, err := telemetry.NewTelemetryProvider(ctx, telemetry.TelemetryConfig{
		ServiceName:    "crd-server",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
		TracingEnabled: telemetry.BoolPtr(cfg.OTLPEndpoint != ""),
		Environment:    cfg.Env,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start telemetry")
	}

	e, err := newServer(cfg, logger, repo, pool, tel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
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
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires the HTTP surface: CDS Hooks discovery and services, the
// PlanDefinition admin API and the health and metrics endpoints.
func newServer(cfg *config.Config, logger zerolog.Logger, repo plandefinition.Repository, pool *pgxpool.Pool, tel *telemetry.TelemetryProvider) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = fhir.JSONSerializer{}

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tel.TracingMiddleware())
	e.Use(tel.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders(5 * time.Minute))
	e.Use(middleware.BodyLimit("2M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(middleware.TimeoutConfig{
		Timeout:      cfg.RequestTimeout,
		SkipPrefixes: []string{"/health", "/metrics"},
	}))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	if cfg.CDSAuthEnabled {
		e.Use(auth.CDSClientMiddleware(auth.CDSClientConfig{
			TrustedIssuers: cfg.CDSTrustedIssuers,
			Audience:       cfg.CDSAuthAudience,
			JWKSURL:        cfg.CDSJWKSURL,
			SigningKey:     []byte(cfg.CDSSigningKey),
			Skipper:        auth.AuthSkipper,
		}))
	}

	crdCfg := crd.DefaultConfig()
	crdCfg.DTRLaunchURL = cfg.DTRLaunchURL
	crdCfg.EmptyPayerPolicy = cfg.PayerPolicy()
	crdCfg.PageSize = cfg.DefinitionPageSize
	crdCfg.EngineTimeout = cfg.EngineTimeout
	if cfg.EngineResultShape == config.ResultShapeParameters {
		crdCfg.ResultShape = crd.ShapeParameters
	}
	crdCfg.BreakerFailures = cfg.RemoteBreakerFailures
	crdCfg.AutoPrefetch = cfg.AutoPrefetch

	engine, err := crd.NewLocalEngine()
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	svc := crd.NewService(crdCfg, crd.Deps{
		Store:   repo,
		Engine:  engine,
		Reader:  fhir.NewRemoteReader(cfg.RemoteReadTimeout),
		Metrics: tel.Pipeline,
		Logger:  logger,
		Tracer:  tel.Tracer(),
	})

	hooks := fhir.NewCDSHooksHandler(logger)
	crd.Register(hooks, svc, logger)
	hooks.RegisterRoutes(e)

	plandefinition.NewHandler(plandefinition.NewService(repo)).RegisterRoutes(e.Group("/fhir"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.StoreHealthHandler(pool, 5*time.Second))
	e.GET("/metrics", tel.PrometheusHandler())

	return e, nil
}
