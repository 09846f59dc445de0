package recordings

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/events"
	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/response"
)

// webhookMaxAge is how old a signed webhook timestamp may be before it is
// rejected as a replay.
const webhookMaxAge = 2 * time.Minute

// Publisher fans lifecycle events out to all instances.
type Publisher interface {
	Publish(ctx context.Context, ev events.LifecycleEvent) error
}

// EgressWebhook is the media node's lifecycle callback body.
type EgressWebhook struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	RoomID    string `json:"room_id"`
	Duration  int    `json:"duration"`
	Size      int64  `json:"size"`
	S3Key     string `json:"s3_key"`
}

// WebhookHandler ingests egress lifecycle callbacks from the media node,
// persists the status change and republishes it on the event bus so the
// instance awaiting the start confirmation wakes up.
type WebhookHandler struct {
	store    Storage
	bus      Publisher
	notifier Notifier
	secret   string
	logger   *zap.Logger

	// now is stubbed in tests
	now func() time.Time
}

// NewWebhookHandler creates the webhook handler. secret signs the callbacks;
// empty disables validation (local development only).
func NewWebhookHandler(store Storage, bus Publisher, notifier Notifier, secret string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{store: store, bus: bus, notifier: notifier, secret: secret, logger: logger, now: time.Now}
}

// eventStatus maps webhook event names onto recording status and bus event
// type.
var eventStatus = map[string]struct {
	status models.Status
	typ    events.Type
}{
	"egress_started": {models.StatusActive, events.TypeRecordingActive},
	"egress_updated": {models.StatusActive, events.TypeRecordingActive},
	"egress_ended":   {models.StatusComplete, events.TypeRecordingComplete},
	"egress_failed":  {models.StatusFailed, events.TypeRecordingFailed},
	"egress_aborted": {models.StatusAborted, events.TypeRecordingAborted},
}

// HandleEgress handles POST /webhooks/egress.
func (h *WebhookHandler) HandleEgress(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	if h.secret != "" {
		if !h.validSignature(c.GetHeader("x-signature"), c.GetHeader("x-timestamp"), raw) {
			response.Unauthorized(c, "invalid webhook signature")
			return
		}
	}

	var body EgressWebhook
	if err := json.Unmarshal(raw, &body); err != nil {
		response.BadRequest(c, "invalid body: "+err.Error())
		return
	}
	if body.SessionID == "" || body.RoomID == "" {
		response.BadRequest(c, "session_id and room_id required")
		return
	}
	mapped, ok := eventStatus[body.Event]
	if !ok {
		// unknown events are acknowledged so the media node stops retrying
		h.logger.Debug("ignoring unknown egress event", zap.String("event", body.Event))
		response.OK(c, gin.H{"ignored": true})
		return
	}

	rec := &models.Recording{
		ID:        models.RecordingID(body.RoomID, body.SessionID),
		RoomID:    body.RoomID,
		SessionID: body.SessionID,
		Status:    mapped.status,
		Duration:  body.Duration,
		Size:      body.Size,
		S3Key:     body.S3Key,
	}
	if err := h.store.SaveRecording(c.Request.Context(), rec); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// late or out-of-order callback; the row already moved on
			h.logger.Warn("dropping regressive egress event",
				zap.String("event", body.Event), zap.String("recording_id", rec.ID))
			response.OK(c, gin.H{"ignored": true})
			return
		}
		h.logger.Error("persist egress event failed", zap.String("recording_id", rec.ID), zap.Error(err))
		response.Internal(c, "failed to persist recording status")
		return
	}

	ev := events.LifecycleEvent{
		Type:      mapped.typ,
		RoomID:    body.RoomID,
		SessionID: body.SessionID,
		Payload:   json.RawMessage(raw),
	}
	if err := h.bus.Publish(c.Request.Context(), ev); err != nil {
		// waiters on other instances miss this one; their timeout cleans up
		h.logger.Error("publish lifecycle event failed", zap.String("recording_id", rec.ID), zap.Error(err))
	}
	h.notifier.Notify(body.RoomID, string(mapped.typ), gin.H{"recording_id": rec.ID})

	h.logger.Info("egress webhook processed",
		zap.String("event", body.Event), zap.String("recording_id", rec.ID))
	response.OK(c, gin.H{"recording_id": rec.ID, "status": rec.Status})
}

// validSignature checks the hex HMAC-SHA256 of "<timestamp>.<body>" and
// rejects timestamps older than webhookMaxAge.
func (h *WebhookHandler) validSignature(signature, timestamp string, body []byte) bool {
	if signature == "" || timestamp == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := h.now().Sub(time.UnixMilli(ts))
	if age > webhookMaxAge || age < -webhookMaxAge {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
