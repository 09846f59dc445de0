package recordings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-meet/backend/config"
	"github.com/aura-meet/backend/internal/lock"
	"github.com/aura-meet/backend/internal/media"
	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/queue"
)

// PurgeEnqueuer hands recording blob deletions off to the async worker.
type PurgeEnqueuer interface {
	EnqueueMediaPurge(ctx context.Context, payload queue.MediaPurgePayload) error
}

// Cleaner runs the bulk deletion workflow for a room: stop whatever is still
// recording, wait for the media node to settle, delete the metadata rows and
// enqueue blob purges.
type Cleaner struct {
	locks  LockStore
	media  media.Client
	store  Storage
	purger PurgeEnqueuer
	cfg    config.RecordingConfig
	logger *zap.Logger
}

// NewCleaner creates the bulk deletion workflow.
func NewCleaner(locks LockStore, mediaClient media.Client, store Storage, purger PurgeEnqueuer, cfg config.RecordingConfig, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{locks: locks, media: mediaClient, store: store, purger: purger, cfg: cfg, logger: logger}
}

// DeleteRoomRecordings deletes every recording of a room. In-progress
// recordings are stopped first; rows that survive all delete attempts are
// reported in the returned error so the caller can surface them.
func (c *Cleaner) DeleteRoomRecordings(ctx context.Context, roomID string) (int, error) {
	if err := c.stopInProgress(ctx, roomID); err != nil {
		return 0, err
	}

	recs, err := c.listAll(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("enumerate recordings for room %s: %w", roomID, err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	pending := make([]string, 0, len(recs))
	for _, rec := range recs {
		pending = append(pending, rec.ID)
	}

	// retry over the shrinking set of failures with a linearly growing
	// backoff; transient DB errors usually clear within an attempt or two
	for attempt := 1; attempt <= c.cfg.DeleteRetryAttempts && len(pending) > 0; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.cfg.DeleteRetryBackoff * time.Duration(attempt-1)):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		pending = c.deleteBatches(ctx, pending)
	}
	if len(pending) > 0 {
		c.logger.Error("recordings survived all delete attempts",
			zap.String("room_id", roomID), zap.Strings("recording_ids", pending))
		return len(recs) - len(pending), fmt.Errorf("failed to delete %d of %d recordings for room %s", len(pending), len(recs), roomID)
	}

	for _, rec := range recs {
		// completed recordings have a blob even when the row predates the
		// webhook carrying the object key; the purge worker derives the
		// conventional key for those
		if rec.S3Key == "" && rec.Status != models.StatusComplete {
			continue
		}
		if err := c.purger.EnqueueMediaPurge(ctx, queue.MediaPurgePayload{
			RecordingID: rec.ID,
			S3Key:       rec.S3Key,
		}); err != nil {
			c.logger.Error("enqueue blob purge failed",
				zap.String("recording_id", rec.ID), zap.Error(err))
		}
	}

	c.logger.Info("room recordings deleted", zap.String("room_id", roomID), zap.Int("count", len(recs)))
	return len(recs), nil
}

// listAll pages through the room's recordings; page size follows the sweep
// batch size so one page feeds one delete batch.
func (c *Cleaner) listAll(ctx context.Context, roomID string) ([]models.Recording, error) {
	size := c.cfg.SweepBatchSize
	if size <= 0 {
		size = 10
	}
	var recs []models.Recording
	for offset := 0; ; offset += size {
		page, err := c.store.ListByRoomPage(ctx, roomID, size, offset)
		if err != nil {
			return nil, err
		}
		recs = append(recs, page...)
		if len(page) < size {
			return recs, nil
		}
	}
}

// stopInProgress ends every starting/active egress for the room, waits for
// the media node to settle, and force-aborts anything still alive afterwards.
func (c *Cleaner) stopInProgress(ctx context.Context, roomID string) error {
	inProgress, err := c.media.GetInProgress(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list in-progress egresses for room %s: %w", roomID, err)
	}
	if len(inProgress) == 0 {
		return nil
	}

	for _, eg := range inProgress {
		var stopErr error
		if eg.Status == media.StatusStarting {
			stopErr = c.media.Cancel(ctx, eg.SessionID)
		} else {
			_, stopErr = c.media.Stop(ctx, eg.SessionID)
		}
		if stopErr != nil {
			// tolerated; the verification pass below force-aborts leftovers
			c.logger.Warn("stop egress before deletion failed",
				zap.String("session_id", eg.SessionID), zap.Error(stopErr))
		}
	}

	select {
	case <-time.After(c.cfg.DeleteSettleWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	leftover, err := c.media.GetInProgress(ctx, roomID)
	if err != nil {
		return fmt.Errorf("verify egresses stopped for room %s: %w", roomID, err)
	}
	for _, eg := range leftover {
		c.logger.Warn("egress still alive after settle wait, force-aborting",
			zap.String("session_id", eg.SessionID))
		if err := c.media.Cancel(ctx, eg.SessionID); err != nil {
			c.logger.Warn("force cancel failed", zap.String("session_id", eg.SessionID), zap.Error(err))
		}
		rec := &models.Recording{
			ID:        models.RecordingID(roomID, eg.SessionID),
			RoomID:    roomID,
			SessionID: eg.SessionID,
			Status:    models.StatusAborted,
		}
		if err := c.store.SaveRecording(ctx, rec); err != nil {
			c.logger.Warn("force abort recording failed", zap.String("recording_id", rec.ID), zap.Error(err))
		}
	}

	// nothing records in this room anymore; drop the lock so a later start
	// does not wait out the TTL
	if err := c.locks.Release(ctx, lock.RecordingKey(roomID)); err != nil {
		c.logger.Warn("release recording lock failed", zap.String("room_id", roomID), zap.Error(err))
	}
	return nil
}

// deleteBatches deletes the rows in batches and returns the ids whose batch
// failed.
func (c *Cleaner) deleteBatches(ctx context.Context, ids []string) []string {
	batch := c.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 10
	}

	var mu sync.Mutex
	var failed []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		g.Go(func() error {
			if err := c.store.DeleteRecordings(gctx, chunk); err != nil {
				c.logger.Warn("delete recordings batch failed", zap.Int("size", len(chunk)), zap.Error(err))
				mu.Lock()
				failed = append(failed, chunk...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}
