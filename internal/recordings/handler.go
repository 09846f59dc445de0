package recordings

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/response"
	"github.com/aura-meet/backend/pkg/storage"
)

// Handler exposes the recording lifecycle over HTTP.
type Handler struct {
	svc     *Service
	cleaner *Cleaner
	store   Storage
	s3      *storage.S3
	logger  *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(svc *Service, cleaner *Cleaner, store Storage, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, cleaner: cleaner, store: store, s3: s3, logger: logger}
}

// Start handles POST /rooms/:roomId/recordings/start. Blocks until the media
// node confirms the recording active or the start timeout fires.
func (h *Handler) Start(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		response.BadRequest(c, "room id required")
		return
	}

	rec, err := h.svc.Start(c.Request.Context(), roomID)
	switch {
	case err == nil:
		response.Created(c, rec)
	case errors.Is(err, ErrAlreadyStarted):
		response.Conflict(c, "recording already in progress for this room")
	case errors.Is(err, ErrRoomNotFound):
		response.NotFound(c, "room not found")
	case errors.Is(err, ErrRoomEmpty):
		response.BadRequest(c, "room has no publishing participants")
	case errors.Is(err, ErrStartTimeout):
		response.GatewayTimeout(c, "recording start not confirmed in time")
	default:
		h.logger.Error("start recording failed", zap.String("room_id", roomID), zap.Error(err))
		response.Internal(c, "failed to start recording")
	}
}

// Stop handles POST /recordings/:recordingId/stop.
func (h *Handler) Stop(c *gin.Context) {
	recordingID := c.Param("recordingId")

	rec, err := h.svc.Stop(c.Request.Context(), recordingID)
	switch {
	case err == nil:
		response.OK(c, rec)
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "recording not found")
	case errors.Is(err, ErrCannotStopWhileStarting):
		response.Conflict(c, "recording is still starting, retry shortly")
	case errors.Is(err, ErrAlreadyStopped):
		response.Conflict(c, "recording already stopped")
	default:
		h.logger.Error("stop recording failed", zap.String("recording_id", recordingID), zap.Error(err))
		response.Internal(c, "failed to stop recording")
	}
}

// ListByRoom handles GET /rooms/:roomId/recordings.
func (h *Handler) ListByRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	list, err := h.store.ListByRoom(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.String("room_id", roomID), zap.Error(err))
		response.Internal(c, "failed to list recordings")
		return
	}
	if list == nil {
		list = []models.Recording{}
	}
	response.OK(c, list)
}

// GenerateDownloadURL handles GET /recordings/:recordingId/download-url.
// Only completed recordings with a stored object key are downloadable.
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	recordingID := c.Param("recordingId")

	rec, err := h.store.GetRecording(c.Request.Context(), recordingID)
	if err != nil {
		h.logger.Error("get recording failed", zap.String("recording_id", recordingID), zap.Error(err))
		response.Internal(c, "failed to load recording")
		return
	}
	if rec == nil {
		response.NotFound(c, "recording not found")
		return
	}
	if rec.Status != models.StatusComplete || rec.S3Key == "" {
		response.BadRequest(c, "recording not ready for download")
		return
	}
	if h.s3 == nil {
		response.Internal(c, "S3 not configured")
		return
	}

	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.RecordingsBucket(), rec.S3Key, expire)
	if err != nil {
		h.logger.Error("presign recording download failed", zap.String("recording_id", recordingID), zap.Error(err))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}

// DeleteByRoom handles DELETE /rooms/:roomId/recordings. Stops anything
// still recording and removes all recording rows, enqueueing blob purges.
func (h *Handler) DeleteByRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	deleted, err := h.cleaner.DeleteRoomRecordings(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("delete room recordings failed", zap.String("room_id", roomID), zap.Error(err))
		response.Internal(c, "failed to delete all recordings: "+err.Error())
		return
	}
	response.OK(c, gin.H{"deleted": deleted})
}
