package videos

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/lessons"
	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/pkg/response"
)

// Error codes carried in the response envelope.
const (
	CodeLessonClosed    = "lesson-closed"
	CodeSessionConflict = "session-conflict"
	CodeUnavailable     = "unavailable"
)

// UploadURLRequest is the body of POST /videos/mux/upload-url.
type UploadURLRequest struct {
	LessonID  string            `json:"lessonId" binding:"required"`
	Metadata  map[string]string `json:"metadata"`
	SizeBytes *int64            `json:"sizeBytes"`
	Override  bool              `json:"override"`
}

// UploadURLResponse is an issued upload session.
type UploadURLResponse struct {
	UploadURL string    `json:"uploadUrl"`
	UploadID  string    `json:"uploadId"`
	LessonID  uuid.UUID `json:"lessonId"`
	SessionID uuid.UUID `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Reused    bool      `json:"reused"`
}

// StatusResponse is the read view of a lesson video record.
type StatusResponse struct {
	LessonID        uuid.UUID          `json:"lessonId"`
	Status          models.VideoStatus `json:"status"`
	Progress        int                `json:"progress"`
	PlaybackID      string             `json:"playbackId,omitempty"`
	DurationSeconds *float64           `json:"durationSeconds,omitempty"`
	ErrorKind       string             `json:"errorKind,omitempty"`
	ErrorMessage    string             `json:"errorMessage,omitempty"`
	Version         int64              `json:"version"`
}

// PlaybackResponse describes how to stream a ready lesson.
type PlaybackResponse struct {
	PlaybackID      string            `json:"playbackId"`
	StreamURL       string            `json:"streamUrl"`
	DurationSeconds float64           `json:"durationSeconds"`
	Captions        []models.Subtitle `json:"captions"`
	ProviderCaption []string          `json:"providerCaptions,omitempty"`
}

// StatusOf builds the status view; a nil record reads as none.
func StatusOf(lessonID uuid.UUID, rec *models.LessonVideo) StatusResponse {
	if rec == nil {
		return StatusResponse{LessonID: lessonID, Status: models.VideoStatusNone}
	}
	return StatusResponse{
		LessonID:        rec.LessonID,
		Status:          rec.Status,
		Progress:        rec.ProcessingProgress,
		PlaybackID:      rec.PlaybackID,
		DurationSeconds: rec.DurationSeconds,
		ErrorKind:       rec.ErrorKind,
		ErrorMessage:    rec.ErrorMessage,
		Version:         rec.Version,
	}
}

// Handler serves the client-facing video endpoints.
type Handler struct {
	sessions  *Sessions
	store     Store
	lessons   lessons.Reader
	provider  provider.Provider
	scheduler Scheduler
	objects   ObjectUploader // optional: nil disables subtitle uploads
	logger    *zap.Logger
}

// NewHandler creates a video handler.
func NewHandler(sessions *Sessions, store Store, lr lessons.Reader, p provider.Provider, scheduler Scheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, store: store, lessons: lr, provider: p, scheduler: scheduler, logger: logger}
}

// SetObjectUploader sets the object store used for caption files.
func (h *Handler) SetObjectUploader(o ObjectUploader) { h.objects = o }

// CreateUploadURL handles POST /videos/mux/upload-url. 201 for a new session,
// 200 when the lesson's unexpired session is returned again.
func (h *Handler) CreateUploadURL(c *gin.Context) {
	var req UploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	lessonID, err := uuid.Parse(req.LessonID)
	if err != nil {
		response.BadRequest(c, "invalid lesson id")
		return
	}
	res, err := h.sessions.RequestSession(c.Request.Context(), lessonID, SessionRequest{
		Metadata:  req.Metadata,
		SizeBytes: req.SizeBytes,
		Override:  req.Override,
	})
	if err != nil {
		h.sessionError(c, lessonID, err)
		return
	}
	body := UploadURLResponse{
		UploadURL: res.Session.PutURL,
		UploadID:  res.Session.UploadID,
		LessonID:  lessonID,
		SessionID: res.Session.ID,
		ExpiresAt: res.Session.ExpiresAt,
		Reused:    res.Reused,
	}
	if res.Reused {
		response.OK(c, body)
		return
	}
	response.Created(c, body)
}

func (h *Handler) sessionError(c *gin.Context, lessonID uuid.UUID, err error) {
	switch {
	case errors.Is(err, ErrClientInvalid):
		response.ErrorWithCode(c, http.StatusBadRequest, KindClientInvalid, err.Error())
	case errors.Is(err, ErrLessonNotFound):
		response.NotFound(c, "lesson not found")
	case errors.Is(err, ErrLessonClosed):
		response.ErrorWithCode(c, http.StatusConflict, CodeLessonClosed, err.Error())
	case errors.Is(err, ErrSessionConflict):
		response.ErrorWithCode(c, http.StatusConflict, CodeSessionConflict, err.Error())
	default:
		kind := provider.KindOf(err)
		h.logger.Error("request upload session failed", zap.Error(err),
			zap.String("lesson_id", lessonID.String()), zap.String("kind", string(kind)))
		switch kind {
		case provider.KindQuotaExceeded:
			response.ErrorWithCode(c, http.StatusTooManyRequests, string(kind), "provider quota exceeded")
		case provider.KindTransient:
			response.ErrorWithCode(c, http.StatusServiceUnavailable, string(kind), "video provider unavailable")
		default:
			// provider credentials and request shape are not the caller's concern
			response.ErrorWithCode(c, http.StatusServiceUnavailable, CodeUnavailable, "video provider unavailable")
		}
	}
}

// ClientFinished handles POST /videos/uploads/:sessionId/finished.
func (h *Handler) ClientFinished(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	sess, err := h.sessions.ClientFinished(c.Request.Context(), sessionID)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "upload session not found")
		return
	}
	if err != nil {
		h.logger.Error("client finished failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.ServiceUnavailable(c, "failed to record signal")
		return
	}
	response.OK(c, sess)
}

// Status handles GET /videos/:lessonId/status.
func (h *Handler) Status(c *gin.Context) {
	lessonID, ok := lessonParam(c)
	if !ok {
		return
	}
	rec, err := h.store.GetRecord(c.Request.Context(), lessonID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		h.logger.Error("get record failed", zap.Error(err), zap.String("lesson_id", lessonID.String()))
		response.Internal(c, "failed to load video status")
		return
	}
	response.OK(c, StatusOf(lessonID, rec))
}

// Playback handles GET /videos/:lessonId/playback.
func (h *Handler) Playback(c *gin.Context) {
	lessonID, ok := lessonParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := h.store.GetRecord(ctx, lessonID)
	if errors.Is(err, ErrNotFound) || (err == nil && rec.Status != models.VideoStatusReady) {
		response.NotFound(c, "video not ready")
		return
	}
	if err != nil {
		h.logger.Error("get record failed", zap.Error(err), zap.String("lesson_id", lessonID.String()))
		response.Internal(c, "failed to load video")
		return
	}
	pb, err := h.provider.DescribePlayback(ctx, rec.AssetID)
	if err != nil {
		h.logger.Warn("describe playback failed", zap.Error(err),
			zap.String("lesson_id", lessonID.String()), zap.String("asset_id", rec.AssetID))
		response.ErrorWithCode(c, http.StatusServiceUnavailable, string(provider.KindOf(err)), "video provider unavailable")
		return
	}
	subs, err := h.store.ListSubtitles(ctx, lessonID)
	if err != nil {
		h.logger.Error("list subtitles failed", zap.Error(err), zap.String("lesson_id", lessonID.String()))
		response.Internal(c, "failed to load captions")
		return
	}
	response.OK(c, PlaybackResponse{
		PlaybackID:      rec.PlaybackID,
		StreamURL:       pb.StreamURL,
		DurationSeconds: *rec.DurationSeconds,
		Captions:        subs,
		ProviderCaption: pb.CaptionsURLs,
	})
}

// UploadSubtitle handles POST /videos/:lessonId/subtitle (multipart: file,
// languageCode, languageName).
func (h *Handler) UploadSubtitle(c *gin.Context) {
	if h.objects == nil {
		response.ServiceUnavailable(c, "object storage not configured")
		return
	}
	lessonID, ok := lessonParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.lessons.GetLesson(ctx, lessonID); err != nil {
		if errors.Is(err, lessons.ErrNotFound) {
			response.NotFound(c, "lesson not found")
			return
		}
		h.logger.Error("get lesson failed", zap.Error(err), zap.String("lesson_id", lessonID.String()))
		response.Internal(c, "failed to load lesson")
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, MaxSubtitleBytes+1))
	if err != nil {
		response.BadRequest(c, "unreadable file")
		return
	}

	sub, err := SaveSubtitle(ctx, h.objects, h.store, SubtitleInput{
		LessonID:     lessonID,
		LanguageCode: c.PostForm("languageCode"),
		LanguageName: c.PostForm("languageName"),
		Data:         data,
	})
	if errors.Is(err, ErrInvalidSubtitle) || errors.Is(err, ErrInvalidLanguage) {
		response.ErrorWithCode(c, http.StatusBadRequest, KindClientInvalid, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("save subtitle failed", zap.Error(err), zap.String("lesson_id", lessonID.String()))
		response.Internal(c, "failed to save subtitle")
		return
	}
	h.logger.Info("subtitle saved", zap.String("lesson_id", lessonID.String()), zap.String("language", sub.LanguageCode))
	response.OK(c, sub)
}

// ListSubtitles handles GET /videos/:lessonId/subtitles.
func (h *Handler) ListSubtitles(c *gin.Context) {
	lessonID, ok := lessonParam(c)
	if !ok {
		return
	}
	subs, err := h.store.ListSubtitles(c.Request.Context(), lessonID)
	if err != nil {
		h.logger.Error("list subtitles failed", zap.Error(err), zap.String("lesson_id", lessonID.String()))
		response.Internal(c, "failed to list subtitles")
		return
	}
	response.OK(c, subs)
}

// DeleteAsset handles DELETE /videos/:lessonId/asset. The delete runs in the
// background; the record returns to none once the provider confirms.
func (h *Handler) DeleteAsset(c *gin.Context) {
	if h.scheduler == nil {
		response.ServiceUnavailable(c, "job queue not configured")
		return
	}
	lessonID, ok := lessonParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := h.store.GetRecord(ctx, lessonID)
	if errors.Is(err, ErrNotFound) || (err == nil && rec.AssetID == "") {
		response.NotFound(c, "no asset for lesson")
		return
	}
	if err != nil {
		h.logger.Error("get record failed", zap.Error(err), zap.String("lesson_id", lessonID.String()))
		response.Internal(c, "failed to load video")
		return
	}
	if err := h.scheduler.ScheduleAssetDelete(ctx, lessonID, string(rec.Provider), rec.AssetID); err != nil {
		h.logger.Error("schedule asset delete failed", zap.Error(err), zap.String("lesson_id", lessonID.String()))
		response.ServiceUnavailable(c, "failed to schedule delete")
		return
	}
	h.logger.Info("asset delete scheduled", zap.String("lesson_id", lessonID.String()), zap.String("asset_id", rec.AssetID))
	response.Accepted(c, gin.H{"lessonId": lessonID, "assetId": rec.AssetID, "scheduled": true})
}

func lessonParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("lessonId"))
	if err != nil {
		response.BadRequest(c, "invalid lesson id")
		return uuid.Nil, false
	}
	return id, true
}
