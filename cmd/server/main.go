package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/auth"
	"github.com/tiersync/backend/internal/infrastructure/cache"
	"github.com/tiersync/backend/internal/infrastructure/config"
	"github.com/tiersync/backend/internal/infrastructure/connector"
	"github.com/tiersync/backend/internal/infrastructure/logger"
	"github.com/tiersync/backend/internal/infrastructure/persistence"
	"github.com/tiersync/backend/internal/infrastructure/ratelimit"
	"github.com/tiersync/backend/internal/infrastructure/scheduler"
	"github.com/tiersync/backend/internal/infrastructure/storage"
	"github.com/tiersync/backend/internal/infrastructure/telemetry"
	"github.com/tiersync/backend/internal/interfaces/http/handler"
	"github.com/tiersync/backend/internal/interfaces/http/middleware"
	"github.com/tiersync/backend/internal/interfaces/http/router"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logCfg := &logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
	log, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tel := setupTelemetry(ctx, cfg, log)
	defer tel.shutdown(log)

	// Re-create the logger so records are also exported through OTLP
	if tel.logs != nil && tel.logs.IsEnabled() {
		if withOTLP, err := logger.New(logCfg, tel.logs.ZapCore(logger.ParseLevel(cfg.Log.Level))); err == nil {
			log = withOTLP
		}
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting tiersync",
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
		zap.Int("targets", len(cfg.Targets)),
	)

	db, err := persistence.NewDatabaseWithLogger(&cfg.Database,
		logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level), logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh)))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if cfg.Database.Driver == config.DriverSQLite {
		if err := db.AutoMigrate(); err != nil {
			log.Fatal("Failed to migrate SQLite schema", zap.Error(err))
		}
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled {
		plugin := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
			Enabled:         true,
			LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
			SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
			DBSystem:        dbSystem(cfg.Database.Driver),
		}, log)
		if err := plugin.Register(db.DB); err != nil {
			log.Warn("Failed to register database tracing", zap.Error(err))
		}
	}
	log.Info("Database connected", zap.String("driver", db.Driver()))

	// Scheduler collaborators
	tiers, err := integration.NewPriorityTierManager(tierOverrides(cfg.Scheduler.Tiers)...)
	if err != nil {
		log.Fatal("Invalid tier configuration", zap.Error(err))
	}

	backends := cache.NewBackendFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	)

	var ledger integration.AdmissionLedger
	if cfg.Scheduler.LedgerBackend == config.LedgerBackendDatabase {
		ledger = persistence.NewRateUsageRepository(db.DB)
	} else {
		ledger, err = backends.CreateUsageLedger(cfg.Scheduler.LedgerBackend, cfg.Scheduler.UsageRetention)
		if err != nil {
			log.Fatal("Failed to create usage ledger", zap.Error(err))
		}
	}

	runLock, err := backends.CreateRunLock(cfg.Scheduler.RunLockBackend)
	if err != nil {
		log.Fatal("Failed to create run lock", zap.Error(err))
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Warn("Error closing Redis client", zap.Error(err))
		}
	}()

	registry := connector.NewStaticRegistry(cfg.Targets, connector.WithLogger(log))
	limiter := ratelimit.NewRateLimiter(ledger, registry, tiers, ratelimit.WithLogger(log))
	runLog := persistence.NewSyncRunLogRepository(db.DB)

	var archive integration.RunArchive
	if cfg.Archive.Enabled {
		s3Archive, err := storage.NewS3RunArchive(&cfg.Archive, storage.WithLogger(log))
		if err != nil {
			log.Fatal("Failed to create run archive", zap.Error(err))
		}
		if err := s3Archive.EnsureBucket(ctx); err != nil {
			log.Fatal("Failed to prepare run archive bucket", zap.Error(err))
		}
		archive = s3Archive
		log.Info("Run archive enabled", zap.String("bucket", s3Archive.GetBucket()))
	}

	var schedMetrics *telemetry.SchedulerMetrics
	if tel.metrics != nil && tel.metrics.IsEnabled() {
		schedMetrics, err = telemetry.NewSchedulerMetrics(telemetry.SchedulerMetricsConfig{
			Meter:  tel.metrics.Meter("tiersync.scheduler"),
			Logger: log,
		})
		if err != nil {
			log.Warn("Scheduler metrics disabled", zap.Error(err))
		}
	}

	syncRun, err := scheduler.NewSyncRun(scheduler.SyncRunConfig{
		Registry:         registry,
		Limiter:          limiter,
		Tiers:            tiers,
		RunLog:           runLog,
		Archive:          archive,
		Metrics:          schedMetrics,
		Logger:           log,
		ConnectorTimeout: cfg.Scheduler.ConnectorTimeout,
	})
	if err != nil {
		log.Fatal("Failed to create sync run", zap.Error(err))
	}

	triggerCfg := scheduler.DefaultTriggerManagerConfig()
	triggerCfg.RunLockTTL = cfg.Scheduler.RunLockTTL
	triggerCfg.UsageRetention = cfg.Scheduler.UsageRetention
	triggerCfg.RetentionInterval = cfg.Scheduler.RetentionInterval
	triggers := scheduler.NewTriggerManager(triggerCfg, syncRun, tiers, runLock, limiter, log)

	if cfg.Scheduler.Enabled {
		if err := triggers.Start(ctx); err != nil {
			log.Fatal("Failed to start tier triggers", zap.Error(err))
		}
		log.Info("Tier triggers started")
	} else {
		log.Info("Tier triggers disabled; manual runs remain available")
	}

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()
	jwtService := auth.NewJWTService(cfg.JWT)

	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	}))
	engine.Use(middleware.SpanErrorMarker())
	engine.Use(middleware.HTTPMetrics(middleware.HTTPMetricsConfig{MeterProvider: tel.metrics, Logger: log}))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())

	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	corsConfig.AllowMethods = cfg.HTTP.CORSAllowMethods
	corsConfig.AllowHeaders = cfg.HTTP.CORSAllowHeaders
	engine.Use(middleware.CORSWithConfig(corsConfig))
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	if cfg.HTTP.RateLimitEnabled {
		apiLimiter := middleware.NewAPIRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		engine.Use(middleware.RateLimit(apiLimiter))
		go sweepLoop(ctx, apiLimiter, cfg.HTTP.RateLimitWindow)
		log.Info("API rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	systemHandler := handler.NewSystemHandler(cfg.App.Name, version).
		AddCheck("database", func(ctx context.Context) error { return db.DB.WithContext(ctx).Exec("SELECT 1").Error })
	if redisCheck := backends.HealthCheck(); redisCheck != nil {
		systemHandler.AddCheck("redis", redisCheck)
	}
	engine.GET("/health", systemHandler.Health)

	r := router.NewRouter(engine, router.WithAPIVersion("v1"))
	r.Use(middleware.JWTAuthMiddlewareWithConfig(middleware.JWTMiddlewareConfig{
		JWTService: jwtService,
		SkipPaths: []string{
			"/api/v1/health",
			"/api/v1/system/ping",
			"/api/v1/system/info",
		},
		Logger: log,
	}))
	r.Use(middleware.TracingAttributeInjector())

	syncHandler := handler.NewSyncHandler(triggers, runLog, limiter, registry)
	canRead := middleware.RequirePermission(auth.PermissionSyncRead, log)
	syncRoutes := router.NewDomainGroup("sync", "/sync")
	syncRoutes.POST("/runs/:tier", middleware.RequirePermission(auth.PermissionSyncTrigger, log), syncHandler.TriggerRun)
	syncRoutes.GET("/runs", canRead, syncHandler.ListRuns)
	syncRoutes.GET("/runs/:id", canRead, syncHandler.GetRun)
	syncRoutes.GET("/stats", canRead, syncHandler.Stats)
	syncRoutes.GET("/usage", canRead, syncHandler.Usage)
	syncRoutes.GET("/targets", canRead, syncHandler.Targets)

	systemRoutes := router.NewDomainGroup("system", "/system")
	systemRoutes.GET("/info", systemHandler.GetSystemInfo)
	systemRoutes.GET("/ping", systemHandler.Ping)

	r.Register(syncRoutes).Register(systemRoutes)
	r.Setup()
	engine.GET("/api/v1/health", systemHandler.Health)

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Scheduler.StopTimeout)
	defer stopCancel()

	// Stop triggers first so in-flight runs are cancelled and persisted
	if err := triggers.Stop(stopCtx); err != nil {
		log.Error("Error stopping tier triggers", zap.Error(err))
	}
	if err := srv.Shutdown(stopCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// tierOverrides fills unset fields of configured tiers from the default table
func tierOverrides(configured map[string]config.TierConfig) []integration.TierPolicy {
	defaults := integration.DefaultTierPolicies()
	out := make([]integration.TierPolicy, 0, len(configured))
	for name, tc := range configured {
		tier, err := integration.ParseTier(name)
		if err != nil {
			continue
		}
		p := defaults[tier]
		if tc.Cadence > 0 {
			p.Cadence = tc.Cadence
		}
		if !tc.QuotaFraction.IsZero() {
			p.QuotaFraction = tc.QuotaFraction
		}
		if tc.Delay > 0 {
			p.Delay = tc.Delay
		}
		out = append(out, p)
	}
	return out
}

func dbSystem(driver string) string {
	if driver == config.DriverSQLite {
		return "sqlite"
	}
	return "postgresql"
}

func sweepLoop(ctx context.Context, l *middleware.APIRateLimiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// telemetryStack holds the optional OpenTelemetry providers
type telemetryStack struct {
	tracer   *telemetry.TracerProvider
	metrics  *telemetry.MeterProvider
	logs     *telemetry.LoggerProvider
	profiler *telemetry.Profiler
}

func setupTelemetry(ctx context.Context, cfg *config.Config, log *zap.Logger) *telemetryStack {
	t := &telemetryStack{}
	if !cfg.Telemetry.Enabled {
		return t
	}

	var err error
	t.tracer, err = telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           true,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}

	t.metrics, err = telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Warn("Metrics disabled", zap.Error(err))
	}

	if cfg.Telemetry.LogsEnabled {
		t.logs, err = telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
			Enabled:           true,
			CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
			ServiceName:       cfg.Telemetry.ServiceName,
			Insecure:          cfg.Telemetry.Insecure,
		}, log)
		if err != nil {
			log.Warn("Log export disabled", zap.Error(err))
		}
	}

	if cfg.Telemetry.ProfilingEnabled {
		t.profiler, err = telemetry.NewProfiler(telemetry.ProfilerConfig{
			Enabled:         true,
			ServerAddress:   cfg.Telemetry.PyroscopeEndpoint,
			ApplicationName: cfg.Telemetry.ServiceName,
		}, log)
		if err != nil {
			log.Warn("Profiling disabled", zap.Error(err))
		} else if t.tracer != nil {
			if err := t.tracer.EnableSpanProfiles(); err != nil {
				log.Warn("Span profiles disabled", zap.Error(err))
			}
		}
	}
	return t
}

func (t *telemetryStack) shutdown(log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if t.profiler != nil {
		if err := t.profiler.Stop(); err != nil {
			log.Warn("Error stopping profiler", zap.Error(err))
		}
	}
	if t.metrics != nil {
		if err := t.metrics.Shutdown(ctx); err != nil {
			log.Warn("Error shutting down meter provider", zap.Error(err))
		}
	}
	if t.tracer != nil {
		if err := t.tracer.Shutdown(ctx); err != nil {
			log.Warn("Error shutting down tracer provider", zap.Error(err))
		}
	}
	if t.logs != nil {
		if err := t.logs.Shutdown(ctx); err != nil {
			log.Warn("Error shutting down logger provider", zap.Error(err))
		}
	}
}
