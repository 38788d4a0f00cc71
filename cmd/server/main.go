// Package main is the entry point for the relaywatch health-core server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/relaywatch/relaywatch/internal/api"
	"github.com/relaywatch/relaywatch/internal/availability"
	"github.com/relaywatch/relaywatch/internal/catalog"
	"github.com/relaywatch/relaywatch/internal/config"
	"github.com/relaywatch/relaywatch/internal/health"
	"github.com/relaywatch/relaywatch/internal/pool"
	"github.com/relaywatch/relaywatch/internal/priority"
	"github.com/relaywatch/relaywatch/internal/respcache"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting relaywatch", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	// Shared HTTP client pool for catalog fetches and upstream dispatch.
	clients := pool.New(pool.Options{
		MaxConnections:  cfg.Pool.MaxConnections,
		MaxIdle:         cfg.Pool.MaxIdle,
		KeepaliveExpiry: cfg.Pool.KeepaliveExpiry,
	})

	// Response cache, with an optional Redis tier.
	var redisClient *goredis.Client
	if cfg.Cache.Redis.Enabled {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Cache.Redis.Addr,
			Password:     cfg.Cache.Redis.Password,
			DB:           cfg.Cache.Redis.DB,
			DialTimeout:  cfg.Cache.Redis.DialTimeout,
			ReadTimeout:  cfg.Cache.Redis.ReadTimeout,
			WriteTimeout: cfg.Cache.Redis.WriteTimeout,
			PoolSize:     cfg.Cache.Redis.PoolSize,
			MinIdleConns: cfg.Cache.Redis.MinIdleConns,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, caching degrades to memory only", "error", err)
		}
	}
	cache := respcache.New(respcache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: cfg.Cache.DefaultTTL,
	}, redisClient, logger)

	// Model catalog: live listings where a gateway base URL is set,
	// seeded from config otherwise.
	cat := buildCatalog(cfg, clients, logger)

	monitor := health.NewMonitor(health.Config{
		CheckInterval:    cfg.Monitor.CheckInterval,
		ErrorBackoff:     cfg.Monitor.ErrorBackoff,
		ProbeTimeout:     cfg.Monitor.ProbeTimeout,
		ModelsPerGateway: cfg.Monitor.ModelsPerGateway,
		MaxConcurrent:    cfg.Monitor.MaxConcurrent,
		ProbesPerSecond:  cfg.Monitor.ProbesPerSecond,
	}, cat, gatewayAuth(cfg), logger)

	avail := availability.NewService(availability.Config{
		CheckInterval: cfg.Availability.CheckInterval,
		ErrorBackoff:  cfg.Availability.ErrorBackoff,
		Breaker: availability.BreakerConfig{
			FailureThreshold: cfg.Availability.FailureThreshold,
			RecoveryTimeout:  cfg.Availability.RecoveryTimeout,
			SuccessThreshold: cfg.Availability.SuccessThreshold,
		},
	}, monitor, cfg.Fallbacks, logger)

	// Config edits to the fallback table take effect without a restart.
	cfgManager.OnChange(func(c *config.Config) {
		avail.SetFallbacks(c.Fallbacks)
	})

	monitor.Start(ctx)
	avail.Start(ctx)

	prioritizer := priority.New()
	apiServer := api.NewServer(monitor, avail, cache, clients, prioritizer, logger)

	mux := apiServer.Routes()
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	monitor.Stop()
	avail.Stop()
	if err := clients.Shutdown(shutdownCtx); err != nil {
		logger.Error("pool shutdown error", "error", err)
	}
	if err := cache.Close(); err != nil {
		logger.Error("cache close error", "error", err)
	}
	_ = cfgManager.Close()
	logger.Info("server stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// buildCatalog prefers live model listings and falls back to the configured
// model lists for gateways that don't expose one.
func buildCatalog(cfg *config.Config, clients *pool.Pool, logger *slog.Logger) catalog.Provider {
	var live []config.GatewayConfig
	var static []config.GatewayConfig
	for _, gw := range cfg.Gateways {
		if gw.BaseURL != "" && len(gw.Models) == 0 {
			live = append(live, gw)
		} else {
			static = append(static, gw)
		}
	}
	if len(live) == 0 {
		return catalog.NewStatic(static)
	}
	if len(static) == 0 {
		return catalog.NewHTTP(live, clients, 0, logger)
	}
	return catalog.NewMulti(catalog.NewHTTP(live, clients, 0, logger), catalog.NewStatic(static))
}

func gatewayAuth(cfg *config.Config) []health.GatewayAuth {
	auth := make([]health.GatewayAuth, 0, len(cfg.Gateways))
	for _, gw := range cfg.Gateways {
		auth = append(auth, health.GatewayAuth{
			Name:    gw.Name,
			BaseURL: gw.BaseURL,
			APIKey:  gw.APIKey,
		})
	}
	return auth
}
