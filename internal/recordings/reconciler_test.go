package recordings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-meet/backend/internal/lock"
	"github.com/aura-meet/backend/internal/media"
	"github.com/aura-meet/backend/internal/models"
)

type reconcilerFixture struct {
	rec   *Reconciler
	locks *fakeLocks
	media *fakeMedia
	store *fakeStore
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{
		locks: newFakeLocks(),
		media: newFakeMedia(),
		store: newFakeStore(),
	}
	f.rec = NewReconciler(f.locks, f.media, f.store, testConfig(), nil)
	return f
}

func TestSweepReleasesOrphanedLock(t *testing.T) {
	f := newReconcilerFixture(t)
	// lock left behind by a crashed instance; room is gone
	f.locks.set(lock.RecordingKey("dead-room"), time.Now().Add(-10*time.Minute))

	require.NoError(t, f.rec.SweepOrphanedLocks(context.Background()))
	assert.False(t, f.locks.held(lock.RecordingKey("dead-room")))
}

func TestSweepKeepsYoungLock(t *testing.T) {
	f := newReconcilerFixture(t)
	// within the grace period a start may still be in flight
	f.locks.set(lock.RecordingKey("room-1"), time.Now().Add(-time.Minute))

	require.NoError(t, f.rec.SweepOrphanedLocks(context.Background()))
	assert.True(t, f.locks.held(lock.RecordingKey("room-1")))
}

func TestSweepKeepsHealthyLock(t *testing.T) {
	f := newReconcilerFixture(t)
	f.locks.set(lock.RecordingKey("room-1"), time.Now().Add(-10*time.Minute))
	f.media.addRoom("room-1", 3)
	f.media.addEgress(media.Egress{SessionID: "eg-1", RoomID: "room-1", Status: media.StatusActive, UpdatedAt: time.Now()})

	require.NoError(t, f.rec.SweepOrphanedLocks(context.Background()))
	assert.True(t, f.locks.held(lock.RecordingKey("room-1")))
}

func TestSweepReleasesLockWithoutEgress(t *testing.T) {
	f := newReconcilerFixture(t)
	// the room is alive but nothing is recording behind the lock
	f.locks.set(lock.RecordingKey("room-1"), time.Now().Add(-10*time.Minute))
	f.media.addRoom("room-1", 3)

	require.NoError(t, f.rec.SweepOrphanedLocks(context.Background()))
	assert.False(t, f.locks.held(lock.RecordingKey("room-1")))
}

func TestSweepKeepsLockOnMediaError(t *testing.T) {
	f := newReconcilerFixture(t)
	f.locks.set(lock.RecordingKey("room-1"), time.Now().Add(-10*time.Minute))
	f.media.roomErr = assert.AnError

	require.NoError(t, f.rec.SweepOrphanedLocks(context.Background()))
	assert.True(t, f.locks.held(lock.RecordingKey("room-1")))
}

func TestSweepAbortsStaleRecording(t *testing.T) {
	f := newReconcilerFixture(t)
	f.media.addEgress(media.Egress{
		SessionID: "eg-1",
		RoomID:    "gone-room",
		Status:    media.StatusActive,
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	})

	require.NoError(t, f.rec.SweepStaleRecordings(context.Background()))

	recID := models.RecordingID("gone-room", "eg-1")
	assert.Equal(t, models.StatusAborted, f.store.status(recID))
	assert.Contains(t, f.media.stoppedSessions(), "eg-1")
}

func TestSweepStopsEgressWhenAbortWriteFails(t *testing.T) {
	f := newReconcilerFixture(t)
	f.store.saveErr = assert.AnError
	f.media.addEgress(media.Egress{
		SessionID: "eg-1",
		RoomID:    "gone-room",
		Status:    media.StatusActive,
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	})

	require.NoError(t, f.rec.SweepStaleRecordings(context.Background()))
	// the media-side stop must not wait on the storage write succeeding
	assert.Contains(t, f.media.stoppedSessions(), "eg-1")
}

func TestSweepCancelsStaleStartingEgress(t *testing.T) {
	f := newReconcilerFixture(t)
	f.media.addEgress(media.Egress{
		SessionID: "eg-1",
		RoomID:    "gone-room",
		Status:    media.StatusStarting,
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	})

	require.NoError(t, f.rec.SweepStaleRecordings(context.Background()))
	assert.Contains(t, f.media.cancelledSessions(), "eg-1")
}

func TestSweepSkipsFreshEgress(t *testing.T) {
	f := newReconcilerFixture(t)
	f.media.addEgress(media.Egress{
		SessionID: "eg-1",
		RoomID:    "room-1",
		Status:    media.StatusActive,
		UpdatedAt: time.Now().Add(-time.Minute),
	})

	require.NoError(t, f.rec.SweepStaleRecordings(context.Background()))
	assert.Empty(t, f.media.stoppedSessions())
	assert.Equal(t, models.Status(""), f.store.status(models.RecordingID("room-1", "eg-1")))
}

func TestSweepSkipsOccupiedRoom(t *testing.T) {
	f := newReconcilerFixture(t)
	f.media.addRoom("room-1", 2)
	f.media.addEgress(media.Egress{
		SessionID: "eg-1",
		RoomID:    "room-1",
		Status:    media.StatusActive,
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	})

	require.NoError(t, f.rec.SweepStaleRecordings(context.Background()))
	assert.Empty(t, f.media.stoppedSessions())
}

func TestSweepSkipsAlreadyAborted(t *testing.T) {
	f := newReconcilerFixture(t)
	recID := models.RecordingID("gone-room", "eg-1")
	f.store.seed(models.Recording{ID: recID, RoomID: "gone-room", SessionID: "eg-1", Status: models.StatusAborted})
	f.media.addEgress(media.Egress{
		SessionID: "eg-1",
		RoomID:    "gone-room",
		Status:    media.StatusActive,
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	})

	require.NoError(t, f.rec.SweepStaleRecordings(context.Background()))
	assert.Empty(t, f.media.stoppedSessions())
}

func TestSweepSkipsEgressWithoutTimestamp(t *testing.T) {
	f := newReconcilerFixture(t)
	f.media.addEgress(media.Egress{SessionID: "eg-1", RoomID: "room-1", Status: media.StatusActive})

	require.NoError(t, f.rec.SweepStaleRecordings(context.Background()))
	assert.Empty(t, f.media.stoppedSessions())
}
