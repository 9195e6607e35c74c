package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/joshp123/gohome-vacuum/internal/config"
	"github.com/joshp123/gohome-vacuum/internal/core"
	"github.com/joshp123/gohome-vacuum/internal/logging"
	"github.com/joshp123/gohome-vacuum/internal/plugins"
	"github.com/joshp123/gohome-vacuum/internal/router"
	"github.com/joshp123/gohome-vacuum/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "roborock" {
		roborockMain(os.Args[2:])
		return
	}

	flags := flag.NewFlagSet("gohome", flag.ExitOnError)
	configPath := flags.String("config", envOrDefault("CONFIG_FILE", config.DefaultPath), "Path to config.yaml")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fatal("load config", err)
	}
	logger, err := logging.New(level)
	if err != nil {
		fatal("init logger", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("config loaded", zap.String("path", *configPath), zap.Any("config", cfg.Redacted()))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gohome stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enabled := config.EnabledPlugins(cfg)
	compiled := plugins.Compiled(cfg, logger)
	if err := core.ValidateEnabledPlugins(compiled, enabled, false); err != nil {
		return err
	}
	active := core.FilterPlugins(compiled, enabled, false)
	if err := core.ValidatePlugins(active); err != nil {
		return err
	}
	for _, p := range active {
		logger.Info("plugin loaded", zap.String("plugin", p.ID()), zap.String("health", string(p.Health())))
	}

	if cfg.Core.DashboardDir != "" {
		if err := core.WriteDashboards(cfg.Core.DashboardDir, active); err != nil {
			logger.Warn("write dashboards", zap.String("dir", cfg.Core.DashboardDir), zap.Error(err))
		}
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr, logging.Component(logger, "grpc"))
	if err != nil {
		return err
	}
	if err := router.RegisterPlugins(grpcServer.Server, active); err != nil {
		return err
	}

	registry, err := core.MetricsRegistry(active)
	if err != nil {
		return fmt.Errorf("metrics registry: %w", err)
	}
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gohome_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, router.HTTPMux(active, registry))

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.Core.GRPCAddr))
		if err := grpcServer.Serve(); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.Core.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	var wg sync.WaitGroup
	for _, p := range active {
		runner, ok := p.(core.Runner)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil {
				logger.Error("plugin stopped", zap.String("plugin", id), zap.Error(err))
			}
		}(p.ID())
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.Server.GracefulStop()
	wg.Wait()
	return serveErr
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
