package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"detection-lab/internal/api"
	"detection-lab/internal/middleware"
)

func newServeCmd(g *globals) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				g.cfg.Server.HTTPPort = port
			}
			return runServe(cmd.Context(), g)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override the configured HTTP port")
	return cmd
}

func runServe(parent context.Context, g *globals) error {
	cfg, logger := g.cfg, g.logger
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_backend", cfg.Storage.Backend,
		"executor_mode", cfg.Executor.Mode,
		"kafka_enabled", cfg.Events.Kafka.Enabled,
		"detonator_enabled", cfg.Detonator.Enabled,
		"siem_enabled", a.siem != nil,
		"ingest_enabled", a.loader != nil,
	)

	if a.optimizer != nil {
		a.optimizer.Start(ctx)
	}

	deps := api.Deps{
		Jobs:      a.coordinator,
		Streams:   a.hub,
		EventsDir: a.fileSink.Dir(),
		Lab:       a.lab,
		Feed:      a.stats,
		Metrics:   promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		Logger:    logger,
	}
	if a.siem != nil {
		deps.Rules = a.siem
	}
	if a.optimizer != nil {
		deps.Optimizer = a.optimizer
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)
	defer limiter.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      api.NewServer(cfg, deps).Handler(cfg, limiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting lab server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", "error", err)
			a.Close(context.Background())
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("component shutdown error", "error", err)
	}

	hub := a.hub.Metrics()
	limits := limiter.Stats()
	attrs := []any{
		"jobs", len(a.coordinator.List()),
		"events_delivered", hub.Delivered,
		"events_dropped", hub.Dropped,
		"requests_limited", limits.Limited,
	}
	if a.objects != nil {
		m := a.objects.GetMetrics()
		attrs = append(attrs, "s3_objects_listed", m.ObjectsListed, "s3_bytes_downloaded", m.BytesDownloaded, "s3_errors", m.Errors)
	}
	logger.Info("shutdown complete", attrs...)
	return nil
}
