// Package main runs the reconciliation sweeps and the blob purge worker as a
// standalone process, for deployments that keep periodic repair off the API
// instances.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-meet/backend/config"
	"github.com/aura-meet/backend/internal/lock"
	"github.com/aura-meet/backend/internal/media"
	"github.com/aura-meet/backend/internal/recordings"
	"github.com/aura-meet/backend/internal/scheduler"
	"github.com/aura-meet/backend/internal/worker"
	"github.com/aura-meet/backend/pkg/database"
	"github.com/aura-meet/backend/pkg/queue"
	"github.com/aura-meet/backend/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Cfg := storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		RecordingsBucket:     cfg.AWS.RecordingsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}
	s3Client, err := storage.NewS3(ctx, s3Cfg, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	mediaClient := media.NewHTTPClient(cfg.Media.BaseURL, cfg.Media.APIKey, cfg.Media.APISecret,
		time.Duration(cfg.Media.TimeoutSec)*time.Second, logger)

	locks := lock.NewStore(rdb.Client, logger)
	repo := recordings.NewRepository(pool)
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

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewPurgeProcessor(s3Client, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	logger.Info("reconciler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	runner.Stop()
	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("reconciler stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
