// Command server runs the Cold Room chat coordinator.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coldroom/internal/auth"
	"coldroom/internal/clock"
	"coldroom/internal/config"
	"coldroom/internal/coordinator"
	"coldroom/internal/identity"
	"coldroom/internal/models"
	"coldroom/internal/observability"
	"coldroom/internal/server"
	"coldroom/internal/session"
	"coldroom/internal/snapshot"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// A missing .env is fine; the environment and config files still apply.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	observability.SetLevel(cfg.LogLevel)
	logger := observability.GlobalLogger

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "coldroom",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   cfg.TracingSampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
	}

	store, closeStore, err := snapshot.OpenStore(cfg, rdb)
	if err != nil {
		log.Fatalf("Failed to open snapshot store: %v", err)
	}
	format, err := snapshot.ParseFormat(cfg.SnapshotFormat)
	if err != nil {
		log.Fatalf("Invalid snapshot format: %v", err)
	}
	snapshotter := snapshot.New(store, snapshot.Options{
		Format:   format,
		Compress: cfg.SnapshotCompress,
		Interval: cfg.SnapshotInterval,
	})

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	doc, err := snapshotter.Restore(startCtx)
	cancelStart()
	if err != nil {
		log.Fatalf("Refusing to start over an unreadable snapshot: %v", err)
	}

	var mirror *session.RedisMirror
	var presence session.Observer
	if rdb != nil {
		mirror = session.NewRedisMirror(rdb, session.MirrorConfig{LastSeenTTL: 2 * cfg.PresenceTimeout})
		presence = mirror
	}

	clk := clock.Real()
	coord, err := coordinator.New(coordinator.Options{
		HistoryCap:          cfg.HistoryCap,
		PrivateHistoryCap:   cfg.PrivateHistoryCap,
		SupportInboxCap:     cfg.SupportInboxCap,
		NameChangeLimit:     cfg.NameChangeLimit,
		MessageMaxLen:       cfg.MessageMaxLen,
		PresenceTimeout:     cfg.PresenceTimeout,
		PresenceSweep:       cfg.PresenceSweep,
		InactivityThreshold: cfg.InactivityThreshold,
		JanitorCron:         cfg.JanitorCron,
		Owner: coordinator.OwnerAccount{
			Username:    cfg.OwnerUsername,
			Password:    cfg.OwnerPassword,
			DisplayName: cfg.OwnerDisplayName,
		},
	}, coordinator.Deps{
		Clock:    clk,
		Hasher:   identity.NewBcryptHasher(cfg.BcryptCost),
		Tokens:   auth.NewIssuer(cfg.JWTSecret, cfg.ResumeTokenTTL, clk),
		Presence: presence,
	})
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}
	if err := coord.Restore(doc); err != nil {
		log.Fatalf("Failed to restore state: %v", err)
	}
	coord.OnEmergency(func(doc *models.Snapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := snapshotter.Write(ctx, doc, "emergency"); err != nil {
			logger.Error("Emergency snapshot failed", slog.String("error", err.Error()))
		}
	})

	loopCtx, stopLoop := context.WithCancel(context.Background())
	go coord.Run(loopCtx)

	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	mirrorDone := make(chan struct{})
	if mirror != nil {
		go func() {
			mirror.Run(mirrorCtx)
			close(mirrorDone)
		}()
	} else {
		close(mirrorDone)
	}

	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	go snapshotter.Run(snapCtx, coord.Capture)

	srv := server.NewServer(cfg, coord, rdb)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("HTTP server stopped", slog.String("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", slog.String("error", err.Error()))
	}
	stopSnapshots()
	stopLoop()
	select {
	case <-coord.Stopped():
	case <-ctx.Done():
		logger.Error("Coordinator did not stop in time")
	}

	if err := snapshotter.Flush(ctx, coord.Capture, "shutdown"); err != nil {
		logger.Error("Final snapshot failed", slog.String("error", err.Error()))
	}

	if mirror != nil {
		mirror.Drain(ctx)
	}
	stopMirror()
	<-mirrorDone
	if err := closeStore(); err != nil {
		logger.Error("Failed to close snapshot store", slog.String("error", err.Error()))
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Error("Failed to close redis", slog.String("error", err.Error()))
		}
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error("Tracing shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("Server shutdown complete")
}
