// Package worker runs the async blob purge pipeline: recording rows are
// deleted synchronously, the S3 objects behind them follow through here.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/queue"
	"github.com/aura-meet/backend/pkg/storage"
)

// BlobStore deletes recording objects.
type BlobStore interface {
	DeleteRecording(ctx context.Context, key string) error
}

// PurgeProcessor deletes recording objects from S3 for media_purge jobs.
type PurgeProcessor struct {
	blobs  BlobStore
	queue  *queue.Queue
	logger *zap.Logger
}

// NewPurgeProcessor creates a blob purge processor.
func NewPurgeProcessor(blobs BlobStore, q *queue.Queue, logger *zap.Logger) *PurgeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PurgeProcessor{blobs: blobs, queue: q, logger: logger}
}

// Process executes one blob purge job.
func (p *PurgeProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeMediaPurge {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.MediaPurgePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	key := payload.S3Key
	if key == "" {
		// rows written before the webhook carried the object key; the media
		// node uploads to the conventional layout
		roomID, _, err := models.ParseRecordingID(payload.RecordingID)
		if err != nil {
			p.logger.Warn("purge job without s3 key or usable recording id", zap.String("recording_id", payload.RecordingID))
			return nil
		}
		key = storage.RecordingKey(roomID, payload.RecordingID)
	}

	if err := p.blobs.DeleteRecording(ctx, key); err != nil {
		return fmt.Errorf("delete recording object %s: %w", key, err)
	}

	p.logger.Info("recording object purged",
		zap.String("recording_id", payload.RecordingID), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *PurgeProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("purge worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
