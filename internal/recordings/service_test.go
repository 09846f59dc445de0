package recordings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-meet/backend/config"
	"github.com/aura-meet/backend/internal/events"
	"github.com/aura-meet/backend/internal/lock"
	"github.com/aura-meet/backend/internal/media"
	"github.com/aura-meet/backend/internal/models"
)

func testConfig() config.RecordingConfig {
	return config.RecordingConfig{
		StartTimeout:        2 * time.Second,
		LockTTL:             10 * time.Second,
		LockGracePeriod:     5 * time.Minute,
		StaleThreshold:      time.Hour,
		SweepBatchSize:      4,
		DeleteRetryAttempts: 3,
		DeleteRetryBackoff:  10 * time.Millisecond,
		DeleteSettleWait:    10 * time.Millisecond,
	}
}

type serviceFixture struct {
	svc        *Service
	locks      *fakeLocks
	media      *fakeMedia
	store      *fakeStore
	notifier   *fakeNotifier
	dispatcher *events.Dispatcher
}

func newServiceFixture(t *testing.T, cfg config.RecordingConfig) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		locks:      newFakeLocks(),
		media:      newFakeMedia(),
		store:      newFakeStore(),
		notifier:   &fakeNotifier{},
		dispatcher: events.NewDispatcher(),
	}
	svc, err := NewService(f.locks, f.media, f.store, f.dispatcher, f.notifier, cfg, nil)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestNewServiceRejectsShortLockTTL(t *testing.T) {
	cfg := testConfig()
	cfg.LockTTL = cfg.StartTimeout
	_, err := NewService(newFakeLocks(), newFakeMedia(), newFakeStore(), events.NewDispatcher(), &fakeNotifier{}, cfg, nil)
	assert.Error(t, err)
}

func TestStartConfirmedByEvent(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	f.media.addRoom("room-1", 2)

	// simulate the webhook arriving on another instance and being fanned out
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.dispatcher.Fire(events.LifecycleEvent{
			Type:      events.TypeRecordingActive,
			RoomID:    "room-1",
			SessionID: "eg-1",
		})
	}()

	rec, err := f.svc.Start(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, rec.Status)
	assert.Equal(t, "eg-1", rec.SessionID)
	assert.Equal(t, models.RecordingID("room-1", "eg-1"), rec.ID)
	assert.Equal(t, models.StatusActive, f.store.status(rec.ID))
	// the recording is live, so the lock must stay held
	assert.True(t, f.locks.held(lock.RecordingKey("room-1")))
}

func TestStartConfirmedInline(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	f.media.addRoom("room-1", 1)
	f.media.inlineActive = true

	rec, err := f.svc.Start(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, rec.Status)
	assert.True(t, f.locks.held(lock.RecordingKey("room-1")))
}

func TestStartTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.StartTimeout = 100 * time.Millisecond
	f := newServiceFixture(t, cfg)
	f.media.addRoom("room-1", 1)

	_, err := f.svc.Start(context.Background(), "room-1")
	assert.ErrorIs(t, err, ErrStartTimeout)

	recID := models.RecordingID("room-1", "eg-1")
	assert.Equal(t, models.StatusFailed, f.store.status(recID))
	assert.Contains(t, f.media.cancelledSessions(), "eg-1")
	assert.Contains(t, f.notifier.sent(), "recording_failed")
	// the cancelled egress leaves nothing in progress, so the lock goes
	assert.Eventually(t, func() bool {
		return !f.locks.held(lock.RecordingKey("room-1"))
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartMutualExclusion(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	f.media.addRoom("room-1", 1)
	f.locks.set(lock.RecordingKey("room-1"), time.Now())

	_, err := f.svc.Start(context.Background(), "room-1")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	// the media node must never have been asked
	inProgress, _ := f.media.GetInProgress(context.Background(), "room-1")
	assert.Empty(t, inProgress)
}

func TestStartConcurrentMutualExclusion(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	f.media.addRoom("room-1", 2)
	f.media.inlineActive = true

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.svc.Start(context.Background(), "room-1")
			results <- err
		}()
	}

	var wins, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyStarted):
			rejected++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, rejected)

	// only the winner reached the media node
	inProgress, _ := f.media.GetInProgress(context.Background(), "room-1")
	assert.Len(t, inProgress, 1)
	// the winner's recording is live, so the lock stays held
	assert.True(t, f.locks.held(lock.RecordingKey("room-1")))
}

func TestStartFailsSafeWhenLockStoreDown(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	f.media.addRoom("room-1", 1)
	f.locks.acquireErr = errors.New("redis down")

	_, err := f.svc.Start(context.Background(), "room-1")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestStartRoomPreconditions(t *testing.T) {
	f := newServiceFixture(t, testConfig())

	_, err := f.svc.Start(context.Background(), "missing-room")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.False(t, f.locks.held(lock.RecordingKey("missing-room")))

	f.media.addRoom("empty-room", 0)
	_, err = f.svc.Start(context.Background(), "empty-room")
	assert.ErrorIs(t, err, ErrRoomEmpty)
	assert.False(t, f.locks.held(lock.RecordingKey("empty-room")))
}

func TestStartAttemptSettlesOnce(t *testing.T) {
	att := newStartAttempt()
	assert.True(t, att.settle(startOutcome{sessionID: "eg-1"}))
	assert.False(t, att.settle(startOutcome{err: ErrStartTimeout}))

	out := <-att.done
	assert.Equal(t, "eg-1", out.sessionID)
	assert.NoError(t, out.err)
	select {
	case <-att.done:
		t.Fatal("second outcome delivered")
	default:
	}
}

func TestStartAttemptKeepsFirstSession(t *testing.T) {
	att := newStartAttempt()
	att.noteSession("eg-1")
	att.noteSession("eg-2")
	assert.Equal(t, "eg-1", att.sessionID())
}

func TestStopActive(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	recID := models.RecordingID("room-1", "eg-1")
	f.media.addEgress(media.Egress{SessionID: "eg-1", RoomID: "room-1", Status: media.StatusActive, UpdatedAt: time.Now()})
	f.store.seed(models.Recording{ID: recID, RoomID: "room-1", SessionID: "eg-1", Status: models.StatusActive})
	f.locks.set(lock.RecordingKey("room-1"), time.Now())

	rec, err := f.svc.Stop(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, rec.Status)
	assert.Equal(t, models.StatusComplete, f.store.status(recID))
	assert.Contains(t, f.media.stoppedSessions(), "eg-1")
	assert.Contains(t, f.notifier.sent(), "recording_stopped")
	assert.Eventually(t, func() bool {
		return !f.locks.held(lock.RecordingKey("room-1"))
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStopWhileStarting(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	recID := models.RecordingID("room-1", "eg-1")
	f.media.addEgress(media.Egress{SessionID: "eg-1", RoomID: "room-1", Status: media.StatusStarting, UpdatedAt: time.Now()})

	_, err := f.svc.Stop(context.Background(), recID)
	assert.ErrorIs(t, err, ErrCannotStopWhileStarting)
	assert.Contains(t, f.media.cancelledSessions(), "eg-1")
}

func TestStopUnknownSession(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	recID := models.RecordingID("room-1", "eg-gone")

	_, err := f.svc.Stop(context.Background(), recID)
	assert.ErrorIs(t, err, ErrNotFound)

	// a stored terminal row means the recording existed and already ended
	f.store.seed(models.Recording{ID: recID, RoomID: "room-1", SessionID: "eg-gone", Status: models.StatusComplete})
	_, err = f.svc.Stop(context.Background(), recID)
	assert.ErrorIs(t, err, ErrAlreadyStopped)
}

func TestStopAlreadyEnded(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	recID := models.RecordingID("room-1", "eg-1")
	f.media.addEgress(media.Egress{SessionID: "eg-1", RoomID: "room-1", Status: media.StatusEnded, UpdatedAt: time.Now()})

	_, err := f.svc.Stop(context.Background(), recID)
	assert.ErrorIs(t, err, ErrAlreadyStopped)
}

func TestStopMalformedID(t *testing.T) {
	f := newServiceFixture(t, testConfig())
	_, err := f.svc.Stop(context.Background(), "not-a-recording-id")
	assert.ErrorIs(t, err, ErrNotFound)
}
