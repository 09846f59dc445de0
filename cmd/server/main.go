// Package main runs the recording coordinator HTTP server with WebSocket
// signaling and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-meet/backend/config"
	"github.com/aura-meet/backend/internal/events"
	"github.com/aura-meet/backend/internal/lock"
	"github.com/aura-meet/backend/internal/media"
	"github.com/aura-meet/backend/internal/middleware"
	"github.com/aura-meet/backend/internal/recordings"
	"github.com/aura-meet/backend/internal/scheduler"
	signalhub "github.com/aura-meet/backend/internal/signal"
	"github.com/aura-meet/backend/internal/worker"
	"github.com/aura-meet/backend/pkg/database"
	"github.com/aura-meet/backend/pkg/queue"
	"github.com/aura-meet/backend/pkg/redis"
	"github.com/aura-meet/backend/pkg/response"
	"github.com/aura-meet/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	mediaClient := media.NewHTTPClient(cfg.Media.BaseURL, cfg.Media.APIKey, cfg.Media.APISecret,
		time.Duration(cfg.Media.TimeoutSec)*time.Second, logger)

	// Cross-instance plumbing: lock store, event bus feeding the local
	// dispatcher, and the room signal hub.
	locks := lock.NewStore(rdb.Client, logger)
	bus := events.NewBus(rdb.Client, logger)
	dispatcher := events.NewDispatcher()
	cancelSub, err := bus.Subscribe(dispatcher.Fire)
	if err != nil {
		logger.Fatal("event bus subscribe", zap.Error(err))
	}
	defer cancelSub()

	roomPubSub := signalhub.NewRedisPubSub(rdb.Client, logger)
	hub := signalhub.NewHub(logger, roomPubSub, roomPubSub)

	// Recordings
	repo := recordings.NewRepository(pool)
	svc, err := recordings.NewService(locks, mediaClient, repo, dispatcher, hub, cfg.Recording, logger)
	if err != nil {
		logger.Fatal("recording service", zap.Error(err))
	}
	jobQueue := queue.NewQueue(rdb.Client, logger)
	cleaner := recordings.NewCleaner(locks, mediaClient, repo, jobQueue, cfg.Recording, logger)
	handler := recordings.NewHandler(svc, cleaner, repo, s3Client, logger)
	webhook := recordings.NewWebhookHandler(repo, bus, hub, cfg.Media.WebhookSecret, logger)

	// Reconciliation sweeps
	reconciler := recordings.NewReconciler(locks, mediaClient, repo, cfg.Recording, logger)
	runner := scheduler.NewRunner(logger)
	if _, err := runner.Every("orphaned-lock-sweep", cfg.Recording.OrphanSweepInterval, func(ctx context.Context) {
		if err := reconciler.SweepOrphanedLocks(ctx); err != nil {
			logger.Error("orphaned lock sweep failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("schedule orphaned lock sweep", zap.Error(err))
	}
	if _, err := runner.Every("stale-recording-sweep", cfg.Recording.StaleSweepInterval, func(ctx context.Context) {
		if err := reconciler.SweepStaleRecordings(ctx); err != nil {
			logger.Error("stale recording sweep failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("schedule stale recording sweep", zap.Error(err))
	}
	runner.Start()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Recording lifecycle (auth handled by the upstream gateway)
	router.POST("/rooms/:roomId/recordings/start", handler.Start)
	router.GET("/rooms/:roomId/recordings", handler.ListByRoom)
	router.DELETE("/rooms/:roomId/recordings", handler.DeleteByRoom)
	router.POST("/recordings/:recordingId/stop", handler.Stop)
	router.GET("/recordings/:recordingId/download-url", handler.GenerateDownloadURL)

	// Webhooks (HMAC-signed by the media node)
	router.POST("/webhooks/egress", webhook.HandleEgress)

	// WebSocket (room observers)
	router.GET("/ws", signalhub.ServeWs(hub, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (recording blob purge)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		processor := worker.NewPurgeProcessor(s3Client, jobQueue, logger)
		go processor.Run(workerCtx)
		logger.Info("purge worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	runner.Stop()
	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
