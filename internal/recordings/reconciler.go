package recordings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-meet/backend/config"
	"github.com/aura-meet/backend/internal/lock"
	"github.com/aura-meet/backend/internal/media"
	"github.com/aura-meet/backend/internal/models"
)

// Reconciler repairs divergence between lock state, recording rows and the
// media node's actual egress state. Both sweeps are safe to run on every
// instance concurrently: releases and force-aborts are idempotent.
type Reconciler struct {
	locks  LockStore
	media  media.Client
	store  Storage
	cfg    config.RecordingConfig
	logger *zap.Logger

	// injectable clock
	now func() time.Time
}

// NewReconciler creates the sweep pair.
func NewReconciler(locks LockStore, mediaClient media.Client, store Storage, cfg config.RecordingConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{locks: locks, media: mediaClient, store: store, cfg: cfg, logger: logger, now: time.Now}
}

// SweepOrphanedLocks releases recording locks whose room no longer has a
// healthy recording behind them (crashed instance, missed release). Locks
// younger than the grace period are never touched: their start protocol may
// still be in flight.
func (r *Reconciler) SweepOrphanedLocks(ctx context.Context) error {
	keys, err := r.locks.ScanByPrefix(ctx, lock.RecordingPrefix)
	if err != nil {
		return fmt.Errorf("scan recording locks: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	var released, skipped atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.batchLimit())
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if r.sweepLock(gctx, key) {
				released.Add(1)
			} else {
				skipped.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.logger.Info("orphaned lock sweep done",
		zap.Int("scanned", len(keys)),
		zap.Int32("released", released.Load()),
		zap.Int32("kept", skipped.Load()))
	return nil
}

// sweepLock inspects one lock key and reports whether it was released.
// Any uncertainty (media node unreachable, lock vanished, missing creation
// time) keeps the lock; the TTL is the backstop.
func (r *Reconciler) sweepLock(ctx context.Context, key string) bool {
	held, err := r.locks.Exists(ctx, key)
	if err != nil || !held {
		return false
	}
	createdAt, err := r.locks.CreatedAt(ctx, key)
	if err != nil || createdAt.IsZero() {
		return false
	}
	if r.now().Sub(createdAt) < r.cfg.LockGracePeriod {
		return false
	}

	roomID := lock.RoomID(key)
	room, err := r.media.GetRoom(ctx, roomID)
	if err != nil {
		r.logger.Warn("room lookup failed, keeping lock", zap.String("room_id", roomID), zap.Error(err))
		return false
	}
	if room != nil && room.PublisherCount > 0 {
		inProgress, err := r.media.GetInProgress(ctx, roomID)
		if err != nil {
			r.logger.Warn("egress lookup failed, keeping lock", zap.String("room_id", roomID), zap.Error(err))
			return false
		}
		if len(inProgress) > 0 {
			// lock is doing its job
			return false
		}
	}

	if err := r.locks.Release(ctx, key); err != nil {
		r.logger.Warn("release orphaned lock failed", zap.String("key", key), zap.Error(err))
		return false
	}
	r.logger.Info("released orphaned recording lock", zap.String("room_id", roomID))
	return true
}

// SweepStaleRecordings force-aborts egresses that have been in progress far
// past the stale threshold while their room is gone or empty, then tells the
// media node to end them.
func (r *Reconciler) SweepStaleRecordings(ctx context.Context) error {
	egresses, err := r.media.GetInProgress(ctx, "")
	if err != nil {
		return fmt.Errorf("list in-progress egresses: %w", err)
	}
	if len(egresses) == 0 {
		return nil
	}

	var aborted atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.batchLimit())
	for _, eg := range egresses {
		eg := eg
		g.Go(func() error {
			if r.sweepEgress(gctx, eg) {
				aborted.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if n := aborted.Load(); n > 0 {
		r.logger.Info("stale recording sweep done",
			zap.Int("in_progress", len(egresses)), zap.Int32("aborted", n))
	}
	return nil
}

// sweepEgress inspects one in-progress egress and reports whether it was
// force-aborted.
func (r *Reconciler) sweepEgress(ctx context.Context, eg media.Egress) bool {
	if eg.UpdatedAt.IsZero() {
		return false
	}
	if r.now().Sub(eg.UpdatedAt) <= r.cfg.StaleThreshold {
		return false
	}

	recordingID := models.RecordingID(eg.RoomID, eg.SessionID)
	stored, err := r.store.GetRecording(ctx, recordingID)
	if err != nil {
		r.logger.Warn("recording lookup failed, skipping egress", zap.String("recording_id", recordingID), zap.Error(err))
		return false
	}
	if stored != nil && stored.Status == models.StatusAborted {
		// a previous sweep already claimed it; the media node is lagging
		return false
	}

	room, err := r.media.GetRoom(ctx, eg.RoomID)
	if err != nil {
		r.logger.Warn("room lookup failed, skipping egress", zap.String("room_id", eg.RoomID), zap.Error(err))
		return false
	}
	if room != nil && room.PublisherCount > 0 {
		return false
	}

	rec := &models.Recording{
		ID:        recordingID,
		RoomID:    eg.RoomID,
		SessionID: eg.SessionID,
		Status:    models.StatusAborted,
	}
	// the storage abort and the media-side stop run concurrently: neither
	// depends on the other, and a failing store must not leave the egress
	// running (or vice versa)
	var saveErr, stopErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := r.store.SaveRecording(ctx, rec); err != nil && !errors.Is(err, ErrInvalidTransition) {
			saveErr = err
		}
	}()
	go func() {
		defer wg.Done()
		if eg.Status == media.StatusStarting {
			stopErr = r.media.Cancel(ctx, eg.SessionID)
		} else {
			_, stopErr = r.media.Stop(ctx, eg.SessionID)
		}
	}()
	wg.Wait()
	if saveErr != nil {
		r.logger.Warn("force abort recording failed", zap.String("recording_id", recordingID), zap.Error(saveErr))
	}
	if stopErr != nil {
		r.logger.Warn("stop stale egress failed", zap.String("session_id", eg.SessionID), zap.Error(stopErr))
	}
	if saveErr != nil && stopErr != nil {
		return false
	}
	r.logger.Info("force-aborted stale recording",
		zap.String("recording_id", recordingID),
		zap.Duration("age", r.now().Sub(eg.UpdatedAt)))
	return true
}

func (r *Reconciler) batchLimit() int {
	if r.cfg.SweepBatchSize <= 0 {
		return 10
	}
	return r.cfg.SweepBatchSize
}
