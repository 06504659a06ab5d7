package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"diagramsync/api/internal/access"
	"diagramsync/api/internal/app"
	"diagramsync/api/internal/auth"
	"diagramsync/api/internal/config"
	"diagramsync/api/internal/logging"
	"diagramsync/api/internal/metrics"
	"diagramsync/api/internal/realtime"
	"diagramsync/api/internal/room"
	"diagramsync/api/internal/sharelink"
	"diagramsync/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	var shareBackend sharelink.Backend = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using Redis for share links")
		redisStore, err := sharelink.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		shareBackend = redisStore
	}
	shares := sharelink.NewService(shareBackend, cfg.ShareLinkTTL)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry := room.NewRegistry(dataStore, room.Options{
		SaveDebounce:  cfg.SaveDebounce,
		MaxRetries:    cfg.SaveMaxRetries,
		IdleTTL:       cfg.RoomIdleTTL,
		SweepInterval: cfg.SweepInterval,
		StoreTimeout:  cfg.StoreTimeout,
	}, logger, m)
	go registry.Run(ctx)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	accessService := access.New(dataStore, shares, logger)

	gateway := realtime.NewGateway(realtime.GatewayConfig{
		Access:       accessService,
		Rooms:        registry,
		Requests:     dataStore,
		Verifier:     verifier,
		Metrics:      m,
		Logger:       logger,
		StoreTimeout: cfg.StoreTimeout,
	})
	wsConfig := realtime.DefaultServerConfig()
	wsConfig.AllowedOrigin = cfg.CORSOrigin
	wsServer := realtime.NewServer(ctx, gateway, wsConfig, logger)

	service := app.New(app.Deps{
		Store:  dataStore,
		Access: accessService,
		Rooms:  registry,
		Shares: shares,
		Logger: logger,
	})
	httpServer := app.NewHTTPServer(service, verifier, app.ServerOptions{
		CORSOrigin: cfg.CORSOrigin,
		WebSocket:  wsServer,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// No Read/WriteTimeout: websocket sessions are bounded by ping/pong deadlines instead.

	go func() {
		logger.Info("diagramsync API listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Error("failed to flush rooms", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func()) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), func() {}
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		_ = db.Close()
		logger.Fatal("migrations failed", zap.Error(err))
	}
	return store.NewPostgresStore(db), func() { closeDB(db, logger) }
}

func closeDB(db *sql.DB, logger *zap.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
}
