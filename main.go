package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/fleetgrid/audit-engine/pkg/config"
	"github.com/fleetgrid/audit-engine/pkg/database"
	"github.com/fleetgrid/audit-engine/pkg/handlers"
	"github.com/fleetgrid/audit-engine/pkg/logging"
	"github.com/fleetgrid/audit-engine/pkg/middleware"
	"github.com/fleetgrid/audit-engine/pkg/repositories"
	"github.com/fleetgrid/audit-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.URL())),
		zap.String("redis_host", cfg.Redis.Host))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Migrations run through database/sql; the engine itself talks pgx.
	migrationsDB, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		logger.Fatal("Failed to open migrations connection", zap.String("error", logging.SanitizeError(err)))
	}
	if err := database.RunMigrations(migrationsDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.String("error", logging.SanitizeError(err)))
	}
	_ = migrationsDB.Close()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.String("error", logging.SanitizeError(err)))
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.String("error", logging.SanitizeError(err)))
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	ruleSet := services.DefaultRuleSet()
	if cfg.Audit.RuleSetPath != "" {
		ruleSet, err = services.LoadRuleSet(cfg.Audit.RuleSetPath)
		if err != nil {
			logger.Fatal("Failed to load compliance rule set", zap.Error(err))
		}
		logger.Info("Loaded compliance rule set",
			zap.String("path", cfg.Audit.RuleSetPath),
			zap.String("version", ruleSet.Version))
	}

	repo := repositories.NewAuditRepository()
	notifier := services.NewNotifierService(cfg.Audit.SubscriberBuffer, redisClient, logger)
	defer notifier.Close()

	compliance := services.NewComplianceService(ruleSet, repo, logger)
	ingest := services.NewIngestService(repo, compliance, notifier, cfg.Audit.AppendRetries, logger)
	trail := services.NewTrailService(repo, logger)
	lineage := services.NewLineageService(repo, cfg.Audit.LineageDepth, logger)
	integrity := services.NewIntegrityService(repo, ingest, cfg.Audit.VerifyChunkSize, logger)
	export := services.NewExportService(repo, logger)

	scopes := database.NewCompanyScopeProvider(db)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewAuditHandler(ingest, trail, lineage, integrity, compliance, export, scopes, logger).RegisterRoutes(mux)
	handlers.NewStreamHandler(notifier, logger).RegisterRoutes(mux)

	handler := middleware.Recoverer(logger)(middleware.RequestLogger(logger)(mux))

	server := &http.Server{
		Addr:    net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler: handler,
	}

	go func() {
		logger.Info("Starting audit-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Audit.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}
