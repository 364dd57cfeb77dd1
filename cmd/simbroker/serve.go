package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"simbroker/internal/api"
	"simbroker/internal/config"
	"simbroker/internal/dispatcher"
	"simbroker/internal/executor"
	"simbroker/internal/health"
	"simbroker/internal/model"
	"simbroker/internal/model/docker"
	"simbroker/internal/monitor"
	"simbroker/internal/observability"
	"simbroker/internal/orchestrator"
	"simbroker/internal/service"
	"simbroker/internal/store"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API server",
	Long: `Run the HTTP API, the worker pool and the metrics endpoint.

Jobs left SCHEDULED by a previous process are relaunched at startup. On
SIGINT or SIGTERM the server fails readiness, waits for load balancers to
drain, finishes in-flight requests and records completed jobs before
exiting.

Examples:
  # Local development with the sum model and an in-memory store
  simbroker serve --store-driver memory

  # Run a simulation program per job, seeding defaults from a file
  MODEL_COMMAND="./simulate --quiet" simbroker serve --model command --defaults defaults.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("port", "", "API port (default $PORT or 8080)")
	serveCmd.Flags().String("model", "", "Model: sum, command, docker (default $MODEL or sum)")
	serveCmd.Flags().String("defaults", "", "YAML file of default inputs, applied when the store has none")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.ServiceConfig) {
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetString("port")
	}
	if cmd.Flags().Changed("model") {
		cfg.Model, _ = cmd.Flags().GetString("model")
	}
	if cmd.Flags().Changed("defaults") {
		cfg.DefaultsFile, _ = cmd.Flags().GetString("defaults")
	}
}

// buildModel returns the configured model and its release function.
func buildModel(ctx context.Context, cfg *config.ServiceConfig) (model.Model, func() error, error) {
	noop := func() error { return nil }
	if cfg.Model == "docker" {
		dockerCfg := docker.LoadConfigFromEnv()
		if cfg.ModelImage != "" {
			dockerCfg.Image = cfg.ModelImage
		}
		m, err := docker.New(ctx, dockerCfg)
		if err != nil {
			return nil, noop, err
		}
		return m, m.Close, nil
	}

	m, err := model.New(cfg.Model, model.Options{
		Command:      cfg.ModelCommand,
		PollInterval: config.GetDurationEnv("MODEL_POLL_INTERVAL", 0),
	})
	return m, noop, err
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	// Load configuration
	svcCfg := loadConfig(cmd)
	applyServeFlags(cmd, svcCfg)
	setupLogging(os.Stdout, svcCfg.LogLevel)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, storeConfig(svcCfg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Store close error", "error", err)
		}
	}()

	mdl, closeModel, err := buildModel(ctx, svcCfg)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}
	defer func() {
		if err := closeModel(); err != nil {
			slog.Warn("Model close error", "error", err)
		}
	}()
	slog.Info("Model ready", "model", mdl.Name())

	exec := executor.NewLocal(executor.LoadConfigFromEnv())

	// Job event notifications are optional
	var eventDispatcher *dispatcher.MemoryDispatcher
	orchCfg := orchestrator.LoadConfigFromEnv()
	if svcCfg.MonitorURL != "" {
		eventDispatcher = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		orchCfg.Monitor = monitor.NewWebhook(eventDispatcher, svcCfg.MonitorURL, svcCfg.MonitorKey)
		slog.Info("Job notifications enabled", "url", svcCfg.MonitorURL)
	}

	orchCfg.Store = st
	orchCfg.Executor = exec
	orchCfg.Model = mdl
	orchCfg.Metrics = metrics
	orchCfg.WorkRoot = svcCfg.WorkDir
	orch, err := orchestrator.New(orchCfg)
	if err != nil {
		return err
	}

	jobService := service.New(st, orch)
	defaults, err := config.LoadDefaults(svcCfg.DefaultsFile)
	if err != nil {
		return err
	}
	if seeded, err := jobService.SeedDefaults(ctx, defaults); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	} else if seeded {
		slog.Info("Default inputs seeded", "file", svcCfg.DefaultsFile, "count", len(defaults))
	}

	// Relaunch interrupted jobs and start periodic maintenance
	orch.Start(ctx)

	// Create health checker
	checks := []health.Check{{Name: "store", Checker: st}}
	if checker, ok := mdl.(model.Checker); ok {
		checks = append(checks, health.Check{Name: "model", Checker: checker})
	}
	healthChecker := health.NewChecker(checks...)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:       jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
		CreateRate:    svcCfg.CreateRate,
		CreateBurst:   svcCfg.CreateBurst,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // file downloads
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)

		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()
		if svcCfg.ShutdownDrainWait > 0 {
			slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
			time.Sleep(svcCfg.ShutdownDrainWait)
		}

		// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
		slog.Info("Starting graceful shutdown")
		shutdown(25 * time.Second)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
		shutdown(5 * time.Second)
	}

	// Phase 3: Record finished jobs, then stop computations. Jobs still
	// scheduled are relaunched by the next process.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil {
		slog.Error("Orchestrator stop error", "error", err)
	}
	if err := exec.Close(stopCtx); err != nil {
		slog.Warn("Executor shutdown error", "error", err)
	}

	if eventDispatcher != nil {
		slog.Info("Draining event dispatcher")
		if err := eventDispatcher.Close(stopCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}
		stats := eventDispatcher.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	if err := metrics.Shutdown(stopCtx); err != nil {
		slog.Warn("Metrics shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return runErr
}
