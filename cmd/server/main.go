package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/daap14/tenantdb/internal/api"
	"github.com/daap14/tenantdb/internal/auth"
	"github.com/daap14/tenantdb/internal/config"
	"github.com/daap14/tenantdb/internal/database"
	"github.com/daap14/tenantdb/internal/health"
	"github.com/daap14/tenantdb/internal/metrics"
	"github.com/daap14/tenantdb/internal/naming"
	"github.com/daap14/tenantdb/internal/pool"
	"github.com/daap14/tenantdb/internal/provision"
	"github.com/daap14/tenantdb/internal/teardown"
	"github.com/daap14/tenantdb/internal/tenant"
	"github.com/daap14/tenantdb/internal/tenantdb"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	versions, err := database.Migrate(ctx, cfg.DatabaseURL, database.ControlPlaneMigrations())
	if err != nil {
		return fmt.Errorf("migrating control plane: %w", err)
	}
	if len(versions) > 0 {
		slog.Info("applied control plane migrations", "versions", versions)
	}

	controlPlane, err := database.New(ctx, cfg.DatabaseURL, database.Options{ConnectTimeout: cfg.ConnectTimeout})
	if err != nil {
		return fmt.Errorf("connecting to control plane: %w", err)
	}
	defer controlPlane.Close()

	adminDB, err := database.New(ctx, cfg.AdminDatabaseURL(), database.Options{MaxConns: 2, ConnectTimeout: cfg.ConnectTimeout})
	if err != nil {
		return fmt.Errorf("connecting to tenant admin database %s: %w", naming.Redact(cfg.AdminDatabaseURL()), err)
	}
	defer adminDB.Close()

	authService, err := auth.Bootstrap(cfg.AdminTokenHash, cfg.BcryptCost)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	defaults := cfg.TenantDefaults()
	repo := tenant.NewRepository(controlPlane.Pool())
	admin := provision.NewPgAdmin(adminDB.Pool())

	cache := pool.New(cfg.PoolConfig(), pool.PgxOpener(database.Options{
		MaxConns:       cfg.TenantPoolMaxConns,
		ConnectTimeout: cfg.ConnectTimeout,
	}), pool.WithMetrics(m))
	defer cache.ReleaseAll()

	checker := health.NewChecker(repo, defaults, cfg.ConnectTimeout, health.WithMetrics(m))
	workflow := provision.New(repo, admin, provision.GooseMigrate, checker, cache, defaults,
		provision.WithConcurrency(cfg.ProvisionConcurrency),
		provision.WithMetrics(m),
	)
	dropper := teardown.NewService(repo, admin, cache, 0)
	manager := tenantdb.NewManager(repo, cache, defaults)

	go cache.Run(ctx)

	if cfg.HealthInterval > 0 {
		monitor := health.NewMonitor(repo, checker, cfg.HealthInterval)
		go monitor.Start(ctx)
	}

	router := api.NewRouter(api.RouterDeps{
		DBPinger:    controlPlane,
		Version:     cfg.Version,
		Cache:       cache,
		Provisioner: workflow,
		Checker:     checker,
		Dropper:     dropper,
		Acquirer:    manager,
		AuthService: authService,
		Gatherer:    reg,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting tenantdb server", "port", cfg.Port, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped gracefully", "openConnections", cache.Size())
	return nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
