// Package main is the entry point for the standalone gateway. It loads
// configuration, assembles the policy pipeline and ambient middleware
// stack, starts the HTTP(S) server, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dskow/premier-gateway/internal/admin"
	"github.com/dskow/premier-gateway/internal/config"
	"github.com/dskow/premier-gateway/internal/eventsink"
	"github.com/dskow/premier-gateway/internal/health"
	"github.com/dskow/premier-gateway/internal/kvstore"
	"github.com/dskow/premier-gateway/internal/metrics"
	"github.com/dskow/premier-gateway/internal/middleware"
	"github.com/dskow/premier-gateway/internal/pipeline"
	"github.com/dskow/premier-gateway/internal/ratelimit"
	"github.com/dskow/premier-gateway/internal/tlsutil"
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
		"port", cfg.Premier.Server.Port,
		"mode", cfg.Premier.Mode(),
		"paths", len(cfg.Premier.Paths),
		"kv_store", cfg.Premier.KVStore.Type,
		"metrics_enabled", cfg.Premier.Metrics.IsEnabled(),
		"metrics_path", cfg.Premier.Metrics.Path,
	)

	if cfg.Premier.Metrics.IsEnabled() {
		metrics.Init()
	}

	store, err := newStore(cfg)
	if err != nil {
		logger.Error("failed to initialize kv store", "error", err)
		os.Exit(1)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	sink := eventsink.New(logger)
	defer sink.Stop()

	gw, err := pipeline.New(cfg, store, nil, sink, logger)
	if err != nil {
		logger.Error("failed to build gateway pipeline", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Start(ctx)
	defer gw.Stop()

	globalLimiter := ratelimit.New(cfg.Premier.Server.GlobalRateLimit, cfg.Premier.Server.GlobalRateBurst, cfg.Premier.Server.TrustedProxies, logger)
	defer globalLimiter.Stop()

	// Assemble the ambient middleware stack, innermost (closest to the
	// policy pipeline) first: request deadline → global rate limit →
	// body limit → CORS → logging → security headers → request ID →
	// recovery.
	var handler http.Handler = gw
	handler = middleware.Deadline(cfg.Premier.Server.RequestDeadline)(handler)
	handler = globalLimiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Premier.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, nil, nil)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	mux := http.NewServeMux()
	healthHandler := health.New(gw, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Premier.Metrics.Path
	if cfg.Premier.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)
	if cfg.Premier.Admin.Enabled {
		adminHandler := admin.New(reloader, gw, cfg.Premier.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Premier.Admin.IPAllowlist)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Premier.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		if err := gw.UpdateConfig(newCfg); err != nil {
			logger.Error("config reload rejected", "error", err)
			return
		}
		globalLimiter.UpdateConfig(newCfg.Premier.Server.GlobalRateLimit, newCfg.Premier.Server.GlobalRateBurst)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Premier.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Premier.Server.ReadTimeout,
		WriteTimeout: cfg.Premier.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Premier.Server.TLS.Enabled {
		certLoader, err = tlsutil.New(cfg.Premier.Server.TLS.CertFile, cfg.Premier.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		srv.TLSConfig = &tls.Config{GetCertificate: certLoader.GetCertificate}
	}

	go func() {
		logger.Info("starting gateway", "addr", srv.Addr, "tls", cfg.Premier.Server.TLS.Enabled)
		var serveErr error
		if cfg.Premier.Server.TLS.Enabled {
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("server error", "error", serveErr)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Premier.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Premier.Server.ShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}

func newStore(cfg *config.Config) (kvstore.Store, error) {
	switch cfg.Premier.KVStore.Type {
	case "redis":
		r := cfg.Premier.KVStore.Redis
		return kvstore.NewRedis(r.Addr, r.Password, r.DB)
	default:
		return kvstore.NewMemory(time.Minute), nil
	}
}
