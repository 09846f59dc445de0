package recordings

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aura-meet/backend/internal/events"
	"github.com/aura-meet/backend/internal/media"
	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/queue"
)

// fakeLocks is an in-memory LockStore.
type fakeLocks struct {
	mu         sync.Mutex
	locks      map[string]time.Time
	acquireErr error
	releases   int
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{locks: make(map[string]time.Time)}
}

func (f *fakeLocks) set(key string, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[key] = createdAt
}

func (f *fakeLocks) held(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.locks[key]
	return ok
}

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.locks[key]; held {
		return "", nil
	}
	f.locks[key] = time.Now()
	return "token", nil
}

func (f *fakeLocks) Release(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, key)
	f.releases++
	return nil
}

func (f *fakeLocks) Exists(ctx context.Context, key string) (bool, error) {
	return f.held(key), nil
}

func (f *fakeLocks) CreatedAt(ctx context.Context, key string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks[key], nil
}

func (f *fakeLocks) ScanByPrefix(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.locks {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// fakeMedia is an in-memory media.Client.
type fakeMedia struct {
	mu           sync.Mutex
	rooms        map[string]*media.Room
	egresses     map[string]*media.Egress
	nextSession  int
	startErr     error
	roomErr      error
	inlineActive bool
	cancelled    []string
	stopped      []string
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		rooms:    make(map[string]*media.Room),
		egresses: make(map[string]*media.Egress),
	}
}

func (f *fakeMedia) addRoom(roomID string, publishers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[roomID] = &media.Room{RoomID: roomID, PublisherCount: publishers}
}

func (f *fakeMedia) addEgress(eg media.Egress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := eg
	f.egresses[eg.SessionID] = &cp
}

func (f *fakeMedia) StartComposite(ctx context.Context, roomID string) (*media.Egress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.nextSession++
	status := media.StatusStarting
	if f.inlineActive {
		status = media.StatusActive
	}
	eg := &media.Egress{
		SessionID: fmt.Sprintf("eg-%d", f.nextSession),
		RoomID:    roomID,
		Status:    status,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.egresses[eg.SessionID] = eg
	cp := *eg
	return &cp, nil
}

func (f *fakeMedia) Stop(ctx context.Context, sessionID string) (*media.Egress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	eg, ok := f.egresses[sessionID]
	if !ok {
		return nil, media.ErrEgressNotFound
	}
	eg.Status = media.StatusEnded
	f.stopped = append(f.stopped, sessionID)
	cp := *eg
	return &cp, nil
}

func (f *fakeMedia) Cancel(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eg, ok := f.egresses[sessionID]; ok {
		eg.Status = media.StatusAborted
	}
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

func (f *fakeMedia) GetStatus(ctx context.Context, sessionID string) (media.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	eg, ok := f.egresses[sessionID]
	if !ok {
		return "", media.ErrEgressNotFound
	}
	return eg.Status, nil
}

func (f *fakeMedia) GetInProgress(ctx context.Context, roomID string) ([]media.Egress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []media.Egress
	for _, eg := range f.egresses {
		if eg.Status != media.StatusStarting && eg.Status != media.StatusActive {
			continue
		}
		if roomID != "" && eg.RoomID != roomID {
			continue
		}
		out = append(out, *eg)
	}
	return out, nil
}

func (f *fakeMedia) RoomExists(ctx context.Context, roomID string) (bool, error) {
	room, err := f.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return room != nil, nil
}

func (f *fakeMedia) GetRoom(ctx context.Context, roomID string) (*media.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomErr != nil {
		return nil, f.roomErr
	}
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, nil
	}
	cp := *room
	return &cp, nil
}

func (f *fakeMedia) stoppedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeMedia) cancelledSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// fakeStore is an in-memory Storage enforcing the same transition rules as
// the Postgres repository.
type fakeStore struct {
	mu         sync.Mutex
	recs       map[string]*models.Recording
	saveErr    error
	deleteErrs int // fail this many DeleteRecordings calls
	pageCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: make(map[string]*models.Recording)}
}

func (f *fakeStore) seed(rec models.Recording) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := rec
	f.recs[rec.ID] = &cp
}

func (f *fakeStore) status(id string) models.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.recs[id]; ok {
		return rec.Status
	}
	return ""
}

func (f *fakeStore) SaveRecording(ctx context.Context, rec *models.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	existing, ok := f.recs[rec.ID]
	if ok && !models.CanTransition(existing.Status, rec.Status) {
		return fmt.Errorf("save recording %s as %s: %w", rec.ID, rec.Status, ErrInvalidTransition)
	}
	cp := *rec
	if ok {
		cp.CreatedAt = existing.CreatedAt
		if cp.S3Key == "" {
			cp.S3Key = existing.S3Key
		}
		if existing.Duration > cp.Duration {
			cp.Duration = existing.Duration
		}
		if existing.Size > cp.Size {
			cp.Size = existing.Size
		}
	} else {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	f.recs[rec.ID] = &cp
	return nil
}

func (f *fakeStore) GetRecording(ctx context.Context, id string) (*models.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) DeleteRecordings(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErrs > 0 {
		f.deleteErrs--
		return fmt.Errorf("delete failed")
	}
	for _, id := range ids {
		delete(f.recs, id)
	}
	return nil
}

func (f *fakeStore) ListByRoom(ctx context.Context, roomID string) ([]models.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Recording
	for _, rec := range f.recs {
		if rec.RoomID == roomID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListByRoomPage(ctx context.Context, roomID string, limit, offset int) ([]models.Recording, error) {
	f.mu.Lock()
	f.pageCalls++
	f.mu.Unlock()
	all, err := f.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeStore) pages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageCalls
}

// fakeNotifier records signals.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(roomID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// fakeBus records published lifecycle events.
type fakeBus struct {
	mu     sync.Mutex
	events []events.LifecycleEvent
}

func (f *fakeBus) Publish(ctx context.Context, ev events.LifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBus) published() []events.LifecycleEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.LifecycleEvent(nil), f.events...)
}

// fakePurger records enqueued blob purge jobs.
type fakePurger struct {
	mu   sync.Mutex
	jobs []queue.MediaPurgePayload
}

func (f *fakePurger) EnqueueMediaPurge(ctx context.Context, payload queue.MediaPurgePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, payload)
	return nil
}

func (f *fakePurger) enqueued() []queue.MediaPurgePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.MediaPurgePayload(nil), f.jobs...)
}
