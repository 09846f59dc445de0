// Package recordings coordinates the composite-recording lifecycle across
// horizontally-scaled instances: a distributed per-room lock serializes
// starts, a cross-instance event bus delivers the media node's confirmation
// to whichever instance is waiting, and two periodic sweeps repair
// divergence between lock state and real-world egress state.
package recordings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-meet/backend/config"
	"github.com/aura-meet/backend/internal/events"
	"github.com/aura-meet/backend/internal/lock"
	"github.com/aura-meet/backend/internal/media"
	"github.com/aura-meet/backend/internal/models"
)

// cleanupTimeout bounds the background calls made after a start attempt
// resolves (lock release, egress cancel, status writes).
const cleanupTimeout = 10 * time.Second

// LockStore is the distributed mutex used to serialize recording starts per
// room. Acquisition is atomic check-and-set with TTL.
type LockStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	CreatedAt(ctx context.Context, key string) (time.Time, error)
	ScanByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// Storage persists recording metadata. SaveRecording enforces the status
// transition table and returns ErrInvalidTransition for regressions.
type Storage interface {
	GetRecording(ctx context.Context, id string) (*models.Recording, error)
	SaveRecording(ctx context.Context, rec *models.Recording) error
	DeleteRecordings(ctx context.Context, ids []string) error
	ListByRoom(ctx context.Context, roomID string) ([]models.Recording, error)
	ListByRoomPage(ctx context.Context, roomID string, limit, offset int) ([]models.Recording, error)
}

// Notifier is the fire-and-forget sink for lifecycle signals to downstream
// observers (frontend signaling). Failures are swallowed, never escalated.
type Notifier interface {
	Notify(roomID, event string, payload interface{})
}

// ActiveWaiter registers in-process handlers for lifecycle events. Fed by
// the Redis event bus subscription in main.
type ActiveWaiter interface {
	Register(t events.Type, roomID string, fn func(events.LifecycleEvent)) (cancel func())
}

// Service runs the start/stop protocol.
type Service struct {
	locks    LockStore
	media    media.Client
	store    Storage
	waiter   ActiveWaiter
	notifier Notifier
	cfg      config.RecordingConfig
	logger   *zap.Logger
}

// NewService creates the recording coordinator. The lock TTL must exceed the
// start timeout so a crashed instance's orphaned lock outlives its own
// timeout window.
func NewService(locks LockStore, mediaClient media.Client, store Storage, waiter ActiveWaiter, notifier Notifier, cfg config.RecordingConfig, logger *zap.Logger) (*Service, error) {
	if cfg.LockTTL <= cfg.StartTimeout {
		return nil, fmt.Errorf("lock TTL (%s) must exceed start timeout (%s)", cfg.LockTTL, cfg.StartTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		locks:    locks,
		media:    mediaClient,
		store:    store,
		waiter:   waiter,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// startOutcome is the resolution of one start attempt.
type startOutcome struct {
	sessionID string
	err       error
}

// startAttempt is the one-shot result cell for the three-way start race
// (inline active, event-bus active, timeout). Exactly one writer wins;
// settle reports whether the caller was it.
type startAttempt struct {
	mu      sync.Mutex
	settled bool
	session string
	done    chan startOutcome
}

func newStartAttempt() *startAttempt {
	return &startAttempt{done: make(chan startOutcome, 1)}
}

func (a *startAttempt) settle(o startOutcome) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settled {
		return false
	}
	a.settled = true
	a.done <- o
	return true
}

func (a *startAttempt) noteSession(id string) {
	a.mu.Lock()
	if a.session == "" {
		a.session = id
	}
	a.mu.Unlock()
}

func (a *startAttempt) sessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Start begins a composite recording for the room, at most once at a time
// across all instances. It resolves ACTIVE when either the media node
// confirms inline or the event bus delivers the confirmation, and FAILED
// when the start timeout fires first.
func (s *Service) Start(ctx context.Context, roomID string) (*models.Recording, error) {
	key := lock.RecordingKey(roomID)
	token, err := s.locks.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		// fail safe: an unreachable lock store never grants access
		s.logger.Warn("lock store unavailable", zap.String("room_id", roomID), zap.Error(err))
		return nil, ErrAlreadyStarted
	}
	if token == "" {
		return nil, ErrAlreadyStarted
	}
	// Cleanup always runs once the lock is ours: the lock is released only
	// when no egress remains in progress for the room.
	defer s.releaseLockIfIdle(roomID)

	room, err := s.media.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("query room %s: %w", roomID, err)
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	if room.PublisherCount == 0 {
		return nil, ErrRoomEmpty
	}

	s.notifier.Notify(roomID, "recording_starting", map[string]string{"room_id": roomID})

	att := newStartAttempt()
	cancelWait := s.waiter.Register(events.TypeRecordingActive, roomID, func(ev events.LifecycleEvent) {
		if ev.SessionID == "" {
			return
		}
		att.noteSession(ev.SessionID)
		att.settle(startOutcome{sessionID: ev.SessionID})
	})
	defer cancelWait()

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()

	go s.beginComposite(ctx, roomID, att)

	var out startOutcome
	select {
	case out = <-att.done:
	case <-timer.C:
		if att.settle(startOutcome{err: ErrStartTimeout}) {
			out = startOutcome{err: ErrStartTimeout}
			s.failStart(roomID, att.sessionID())
		} else {
			// a confirmation won the race just before the timer fired
			out = <-att.done
		}
	case <-ctx.Done():
		att.settle(startOutcome{err: ctx.Err()})
		return nil, ctx.Err()
	}
	if out.err != nil {
		return nil, out.err
	}

	sessionID := out.sessionID
	if sessionID == "" {
		sessionID = att.sessionID()
	}
	rec := &models.Recording{
		ID:        models.RecordingID(roomID, sessionID),
		RoomID:    roomID,
		SessionID: sessionID,
		Status:    models.StatusActive,
	}
	if err := s.store.SaveRecording(ctx, rec); err != nil && !errors.Is(err, ErrInvalidTransition) {
		s.logger.Warn("persist active recording failed", zap.String("recording_id", rec.ID), zap.Error(err))
	}
	s.logger.Info("recording active", zap.String("recording_id", rec.ID), zap.String("room_id", roomID))
	return rec, nil
}

// beginComposite asks the media node to start the egress and records the
// STARTING state. When the node confirms inline it settles the attempt.
func (s *Service) beginComposite(ctx context.Context, roomID string, att *startAttempt) {
	eg, err := s.media.StartComposite(ctx, roomID)
	if err != nil {
		att.settle(startOutcome{err: fmt.Errorf("start composite for room %s: %w", roomID, err)})
		return
	}
	att.noteSession(eg.SessionID)

	rec := &models.Recording{
		ID:        models.RecordingID(roomID, eg.SessionID),
		RoomID:    roomID,
		SessionID: eg.SessionID,
		Status:    models.StatusStarting,
	}
	if err := s.store.SaveRecording(ctx, rec); err != nil && !errors.Is(err, ErrInvalidTransition) {
		s.logger.Warn("persist starting recording failed", zap.String("recording_id", rec.ID), zap.Error(err))
	}

	if eg.Status == media.StatusActive {
		att.settle(startOutcome{sessionID: eg.SessionID})
	}
}

// failStart handles the timeout path: notify observers, cancel whatever the
// media node may have started, force FAILED, and fire-and-forget the lock
// release. The deferred release in Start is idempotent with this one.
func (s *Service) failStart(roomID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	s.notifier.Notify(roomID, "recording_failed", map[string]string{"room_id": roomID})

	if sessionID != "" {
		if err := s.media.Cancel(ctx, sessionID); err != nil {
			s.logger.Warn("cancel egress after timeout failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		rec := &models.Recording{
			ID:        models.RecordingID(roomID, sessionID),
			RoomID:    roomID,
			SessionID: sessionID,
			Status:    models.StatusFailed,
		}
		if err := s.store.SaveRecording(ctx, rec); err != nil && !errors.Is(err, ErrInvalidTransition) {
			s.logger.Warn("persist failed recording failed", zap.String("recording_id", rec.ID), zap.Error(err))
		}
	}
	go s.releaseLockIfIdle(roomID)
}

// releaseLockIfIdle releases the room's recording lock only when the media
// node reports no in-progress egress: a just-confirmed recording still needs
// its lock. Safe to call multiple times.
func (s *Service) releaseLockIfIdle(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	inProgress, err := s.media.GetInProgress(ctx, roomID)
	if err != nil {
		// keep the lock; the TTL is the backstop
		s.logger.Warn("egress lookup failed, keeping recording lock", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if len(inProgress) > 0 {
		return
	}
	if err := s.locks.Release(ctx, lock.RecordingKey(roomID)); err != nil {
		s.logger.Warn("release recording lock failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// Stop ends an active recording. Recordings still starting are cancelled on
// the media node but reported as not stoppable; the caller retries once the
// start protocol resolves.
func (s *Service) Stop(ctx context.Context, recordingID string) (*models.Recording, error) {
	roomID, sessionID, err := models.ParseRecordingID(recordingID)
	if err != nil {
		return nil, ErrNotFound
	}

	status, err := s.media.GetStatus(ctx, sessionID)
	if errors.Is(err, media.ErrEgressNotFound) {
		rec, getErr := s.store.GetRecording(ctx, recordingID)
		if getErr == nil && rec != nil && rec.Status.Terminal() {
			return nil, ErrAlreadyStopped
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query egress %s: %w", sessionID, err)
	}

	switch status {
	case media.StatusStarting:
		// avoid leaving a dangling in-progress egress behind the rejection
		if cancelErr := s.media.Cancel(ctx, sessionID); cancelErr != nil {
			s.logger.Warn("cancel starting egress failed", zap.String("session_id", sessionID), zap.Error(cancelErr))
		}
		return nil, ErrCannotStopWhileStarting
	case media.StatusActive:
		eg, err := s.media.Stop(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("stop egress %s: %w", sessionID, err)
		}
		rec := &models.Recording{
			ID:        recordingID,
			RoomID:    roomID,
			SessionID: sessionID,
			Status:    statusFromEgress(eg.Status),
		}
		if err := s.store.SaveRecording(ctx, rec); err != nil && !errors.Is(err, ErrInvalidTransition) {
			s.logger.Warn("persist stopped recording failed", zap.String("recording_id", recordingID), zap.Error(err))
		}
		s.notifier.Notify(roomID, "recording_stopped", map[string]string{"recording_id": recordingID})
		go s.releaseLockIfIdle(roomID)
		s.logger.Info("recording stopped", zap.String("recording_id", recordingID))
		return rec, nil
	default:
		return nil, ErrAlreadyStopped
	}
}

// statusFromEgress maps the media node's egress status onto the recording
// lifecycle.
func statusFromEgress(st media.Status) models.Status {
	switch st {
	case media.StatusStarting:
		return models.StatusStarting
	case media.StatusActive:
		return models.StatusActive
	case media.StatusFailed:
		return models.StatusFailed
	case media.StatusAborted:
		return models.StatusAborted
	default:
		return models.StatusComplete
	}
}
