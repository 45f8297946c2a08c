package videos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/lessons"
	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
)

// Session service errors.
var (
	ErrLessonNotFound  = errors.New("lesson not found")
	ErrLessonClosed    = errors.New("lesson is finalized or archived")
	ErrSessionConflict = errors.New("an upload is already in progress for this lesson")
	ErrClientInvalid   = errors.New("client-invalid")
)

// KindClientInvalid is the error code surfaced for rejected upload payloads.
const KindClientInvalid = "client-invalid"

// SessionRequest is a request for an upload session.
type SessionRequest struct {
	Metadata map[string]string
	// SizeBytes is the declared payload size; nil when the client does not declare one.
	SizeBytes *int64
	// Override supersedes an in-progress upload instead of failing with ErrSessionConflict.
	Override bool
}

// SessionResult is an issued or reused session.
type SessionResult struct {
	Session *models.UploadSession
	Reused  bool
}

// SessionConfig bounds issued sessions.
type SessionConfig struct {
	TTL      time.Duration
	MinBytes int64
	MaxBytes int64
}

// Sessions issues upload sessions. It owns writes to upload sessions and
// routes every record change through the state machine.
type Sessions struct {
	store    SessionStore
	records  RecordStore
	lessons  lessons.Reader
	provider provider.Provider
	machine  *Machine
	cfg      SessionConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewSessions creates the upload session service.
func NewSessions(store SessionStore, records RecordStore, lr lessons.Reader, p provider.Provider, machine *Machine, cfg SessionConfig, logger *zap.Logger) *Sessions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sessions{
		store:    store,
		records:  records,
		lessons:  lr,
		provider: p,
		machine:  machine,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the service clock.
func (s *Sessions) SetClock(now func() time.Time) { s.now = now }

// CheckSize validates a declared payload size against the configured bounds.
func CheckSize(size, min, max int64) error {
	switch {
	case size <= 0:
		return fmt.Errorf("%w: empty payload", ErrClientInvalid)
	case min > 0 && size < min:
		return fmt.Errorf("%w: payload of %d bytes is below the %d byte minimum", ErrClientInvalid, size, min)
	case max > 0 && size > max:
		return fmt.Errorf("%w: payload of %d bytes exceeds the %d byte maximum", ErrClientInvalid, size, max)
	}
	return nil
}

// RequestSession returns the lesson's usable upload session, minting one
// when none exists, the previous one expired, or the caller overrides.
func (s *Sessions) RequestSession(ctx context.Context, lessonID uuid.UUID, req SessionRequest) (*SessionResult, error) {
	if req.SizeBytes != nil {
		if err := CheckSize(*req.SizeBytes, s.cfg.MinBytes, s.cfg.MaxBytes); err != nil {
			return nil, err
		}
	}
	lesson, err := s.lessons.GetLesson(ctx, lessonID)
	if errors.Is(err, lessons.ErrNotFound) {
		return nil, ErrLessonNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lesson: %w", err)
	}
	if lesson.Closed() {
		return nil, ErrLessonClosed
	}

	status := models.VideoStatusNone
	rec, err := s.records.GetRecord(ctx, lessonID)
	switch {
	case err == nil:
		status = rec.Status
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("get record: %w", err)
	}
	active, err := s.store.ActiveSession(ctx, lessonID)
	if errors.Is(err, ErrNotFound) {
		active, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active session: %w", err)
	}
	now := s.now()

	if !req.Override {
		if status == models.VideoStatusProcessing {
			return nil, ErrSessionConflict
		}
		if active != nil && !active.Expired(now) {
			if err := s.issue(ctx, active); err != nil {
				return nil, err
			}
			return &SessionResult{Session: active, Reused: true}, nil
		}
		if status == models.VideoStatusUploading && active == nil {
			latest, err := s.latest(ctx, rec)
			if err != nil {
				return nil, err
			}
			if latest != nil && !latest.Expired(now) {
				return nil, ErrSessionConflict
			}
			// the consumed session lapsed without the provider ever finishing it
			s.logger.Info("upload session expired while uploading, minting a new one",
				zap.String("lesson_id", lessonID.String()), zap.String("upload_id", rec.UploadID))
		}
	}
	return s.mint(ctx, lessonID, active, req)
}

// latest returns the session that issued the record's current upload, or nil
// when the record names no known session.
func (s *Sessions) latest(ctx context.Context, rec *models.LessonVideo) (*models.UploadSession, error) {
	if rec == nil || rec.UploadID == "" {
		return nil, nil
	}
	sess, err := s.store.FindSessionByUpload(ctx, rec.UploadID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return sess, nil
}

func (s *Sessions) mint(ctx context.Context, lessonID uuid.UUID, prev *models.UploadSession, req SessionRequest) (*SessionResult, error) {
	id := uuid.New()
	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	// each session is its own upload intent at the provider
	meta[provider.MetadataIntent] = id.String()

	du, err := s.provider.CreateDirectUpload(ctx, lessonID, meta)
	if err != nil {
		s.logger.Warn("create direct upload failed", zap.String("lesson_id", lessonID.String()),
			zap.String("kind", string(provider.KindOf(err))), zap.Error(err))
		return nil, err
	}
	now := s.now().UTC()
	expires := du.ExpiresAt
	if s.cfg.TTL > 0 && (expires.IsZero() || expires.After(now.Add(s.cfg.TTL))) {
		expires = now.Add(s.cfg.TTL)
	}
	next := &models.UploadSession{
		ID:        id,
		LessonID:  lessonID,
		Provider:  s.provider.Kind(),
		UploadID:  du.UploadID,
		PutURL:    du.PutURL,
		IssuedAt:  now,
		ExpiresAt: expires,
	}
	err = s.store.InsertSession(ctx, prev, next)
	if errors.Is(err, ErrConflict) {
		// a concurrent request won; hand out its session
		winner, gerr := s.store.ActiveSession(ctx, lessonID)
		if gerr != nil {
			return nil, fmt.Errorf("re-read active session: %w", gerr)
		}
		s.logger.Info("concurrent session request, returning winner",
			zap.String("lesson_id", lessonID.String()), zap.String("session_id", winner.ID.String()))
		return &SessionResult{Session: winner, Reused: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if prev != nil {
		s.logger.Info("upload session superseded",
			zap.String("lesson_id", lessonID.String()),
			zap.String("session_id", prev.ID.String()),
			zap.String("superseded_by", next.ID.String()))
	}
	if err := s.issue(ctx, next); err != nil {
		return nil, err
	}
	s.logger.Info("upload session issued",
		zap.String("lesson_id", lessonID.String()),
		zap.String("session_id", next.ID.String()),
		zap.String("upload_id", next.UploadID))
	return &SessionResult{Session: next}, nil
}

// issue moves the record to awaiting-upload for sess. Repeating it is a no-op.
func (s *Sessions) issue(ctx context.Context, sess *models.UploadSession) error {
	lessonID := sess.LessonID
	_, err := s.machine.Apply(ctx, Input{
		Kind:     EventSessionIssued,
		LessonID: &lessonID,
		Provider: sess.Provider,
		UploadID: sess.UploadID,
		Session:  sess,
	})
	if err != nil {
		return fmt.Errorf("apply session issued: %w", err)
	}
	return nil
}

// ClientFinished records the advisory finished-PUT signal and nudges the
// record from awaiting-upload to uploading.
func (s *Sessions) ClientFinished(ctx context.Context, sessionID uuid.UUID) (*models.UploadSession, error) {
	sess, err := s.store.MarkClientFinished(ctx, sessionID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if sess.SupersededBy != nil {
		return sess, nil
	}
	lessonID := sess.LessonID
	if _, err := s.machine.Apply(ctx, Input{
		Kind:     EventClientFinished,
		LessonID: &lessonID,
		UploadID: sess.UploadID,
		Session:  sess,
	}); err != nil {
		return nil, fmt.Errorf("apply client finished: %w", err)
	}
	return sess, nil
}

// MarkConsumed flags the session that issued uploadID once a provider event
// names it, and returns the session so callers can spot superseded uploads.
func (s *Sessions) MarkConsumed(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	sess, err := s.store.FindSessionByUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if !sess.Consumed && sess.SupersededBy == nil {
		at := s.now().UTC()
		if err := s.store.MarkSessionConsumed(ctx, sess.ID, at); err != nil {
			return nil, err
		}
		sess.Consumed = true
		sess.ConsumedAt = &at
		s.logger.Debug("upload session consumed", zap.String("session_id", sess.ID.String()), zap.String("upload_id", uploadID))
	}
	return sess, nil
}
