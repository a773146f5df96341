// Package main is the entry point for the gateway routing core. It loads
// configuration, assembles the pipeline, starts the HTTP server, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/routeway/gateway/internal/accesslog"
	"github.com/routeway/gateway/internal/admin"
	"github.com/routeway/gateway/internal/breaker"
	"github.com/routeway/gateway/internal/config"
	"github.com/routeway/gateway/internal/health"
	"github.com/routeway/gateway/internal/logging"
	"github.com/routeway/gateway/internal/metrics"
	"github.com/routeway/gateway/internal/middleware"
	"github.com/routeway/gateway/internal/router"
	"github.com/routeway/gateway/internal/rule"
	"github.com/routeway/gateway/internal/server"
	"github.com/routeway/gateway/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"rules", len(cfg.Rules),
		"completion_mode", cfg.Upstream.CompletionMode,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"access_log", cfg.AccessLog.Output,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Access-log sink: stdout, stderr, or a size-rotating file.
	accessOut, closeAccess, err := accessSink(cfg.AccessLog)
	if err != nil {
		logger.Error("failed to open access log", "error", err)
		os.Exit(1)
	}
	defer closeAccess()
	access := accesslog.New(accessOut)

	// Build the pipeline: rules → breakers → dispatcher → router → server.
	table := rule.FromConfig(cfg)
	registry := breaker.NewRegistry(table, logger)

	dispatcher := upstream.New(upstream.Config{
		Timeout:             cfg.Upstream.Timeout(),
		Mode:                completionMode(cfg.Upstream.CompletionMode),
		PoolSize:            cfg.Upstream.CompletionPoolSize,
		MaxIdleConns:        cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Upstream.MaxIdlePerHost,
		IdleConnTimeout:     cfg.Upstream.IdleTimeout,
	}, logger)
	defer dispatcher.Close()

	rt := router.New(dispatcher, registry, server.ResponseWriter{}, access, logger)
	gw := server.New(table, rt, cfg.Server.TrustedProxies, cfg.Server.MaxBodyBytes, logger)

	// Middleware stack: Recovery → RequestID → pipeline.
	var handler http.Handler = gw
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health, metrics, and admin endpoints bypass the pipeline.
	mux := http.NewServeMux()
	hc := health.New(table, registry, logger)
	hc.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	// Config reloader: rule and breaker changes apply without restart.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	var adm *admin.Handler
	if cfg.Admin.Enabled {
		adm = admin.New(reloader, registry, table, cfg.Admin.IPAllowlist, logger)
		adm.RegisterRoutes(mux)
		logger.Info("admin endpoints registered")
	}

	// A reload swaps the rule table and breaker registry everywhere they are
	// consulted: server, router, health probes, and the admin API.
	reloader.OnReload(func(newCfg *config.Config) {
		newTable := rule.FromConfig(newCfg)
		newRegistry := breaker.NewRegistry(newTable, logger)
		gw.UpdateRules(newTable)
		rt.UpdateBreakers(newRegistry)
		hc.Update(newTable, newRegistry)
		if adm != nil {
			adm.Update(newTable, newRegistry)
		}
	})

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting gateway", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}

func completionMode(mode string) upstream.CompletionMode {
	if mode == "pool" {
		return upstream.CompletePool
	}
	return upstream.CompleteInline
}

func accessSink(cfg config.AccessLogConfig) (io.Writer, func(), error) {
	switch cfg.Output {
	case "stdout":
		return os.Stdout, func() {}, nil
	case "stderr":
		return os.Stderr, func() {}, nil
	default:
		rot, err := logging.NewRotator(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		return rot, func() { rot.Close() }, nil
	}
}
