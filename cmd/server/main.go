package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/config"
	"github.com/example/canvas-sync/internal/observability"
	"github.com/example/canvas-sync/internal/playback"
	"github.com/example/canvas-sync/internal/presence"
	"github.com/example/canvas-sync/internal/relay"
	"github.com/example/canvas-sync/internal/snapshot"
	"github.com/example/canvas-sync/internal/storage"
	"github.com/example/canvas-sync/internal/ws"
)

func main() {
	bootLogger := observability.NewLogger("canvas-sync")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.AppName)
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		HealthCheck:  resources.HealthCheck,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	store := storage.NewStore(resources.Postgres)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
	}
	if err := resources.EnsureBucket(ctx); err != nil {
		logger.Error().Err(err).Msg("snapshot bucket unavailable; archives will fail")
	}

	registry := relay.NewRoomRegistry(store, logger, relay.RegistryConfig{
		IdleTTL:        cfg.RoomIdleTTL,
		PersistTimeout: cfg.PersistTimeout,
	})
	presenceSvc := presence.NewService(resources.Redis, logger)
	rel := relay.New(registry, logger, relay.WithPresence(presenceSvc))

	gateway, err := ws.NewGateway(ws.QueryAuthenticator, logger, rel.Hooks(), ws.GatewayConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendBuffer:        cfg.SendBuffer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	snapshotWorker := snapshot.NewWorker(registry, store, resources.Object, cfg.ObjectBucket, logger, snapshot.Config{
		Interval:  cfg.SnapshotInterval,
		Threshold: cfg.SnapshotThreshold,
	})
	snapshotWorker.Start(ctx)

	playbackSvc := playback.NewService(store, logger, playback.ServiceConfig{CacheSize: cfg.PlaybackCacheSize})

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/rooms/", playback.NewHTTPHandler(playbackSvc, store, logger))
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go healthLoop(ctx, resources, cfg.HealthcheckProbe, logger)

	logger.Info().Msg("server dependencies initialized")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown incomplete")
	}

	done := make(chan struct{})
	go func() {
		registry.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown with persistence in flight")
	}
}

func healthLoop(ctx context.Context, resources *config.Resources, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := resources.HealthCheck(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
