// Package videos owns the lesson video lifecycle: upload sessions, the
// provider webhook intake and the state machine that is the only writer of
// lesson video records.
package videos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/orthodoxlms/backend/internal/models"
)

// Store errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	// ErrConflict is a unique-constraint violation, e.g. a second active upload session.
	ErrConflict = errors.New("conflict")
)

// RecordStore persists lesson video records under optimistic concurrency.
type RecordStore interface {
	GetRecord(ctx context.Context, lessonID uuid.UUID) (*models.LessonVideo, error)
	FindRecordByUpload(ctx context.Context, uploadID string) (*models.LessonVideo, error)
	// FindRecordByAsset matches the current asset first, then a replaced one.
	FindRecordByAsset(ctx context.Context, assetID string) (*models.LessonVideo, error)
	// SaveRecord writes rec if the stored version still equals expected
	// (0 inserts a new record) and fails with ErrVersionConflict otherwise.
	// rec.Version must already be expected+1; UpdatedAt is set by the store.
	SaveRecord(ctx context.Context, rec *models.LessonVideo, expected int64) error
	// ListStale returns records in one of statuses last updated before cutoff.
	ListStale(ctx context.Context, statuses []models.VideoStatus, cutoff time.Time, limit int) ([]*models.LessonVideo, error)
}

// SessionStore persists upload sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.UploadSession, error)
	// ActiveSession returns the lesson's non-consumed, non-superseded session.
	ActiveSession(ctx context.Context, lessonID uuid.UUID) (*models.UploadSession, error)
	FindSessionByUpload(ctx context.Context, uploadID string) (*models.UploadSession, error)
	// InsertSession atomically marks prev (when non-nil) superseded by next and
	// inserts next. A concurrent active session yields ErrConflict.
	InsertSession(ctx context.Context, prev, next *models.UploadSession) error
	MarkSessionConsumed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkClientFinished(ctx context.Context, id uuid.UUID, at time.Time) (*models.UploadSession, error)
}

// EventStore is the append-only provider event log.
type EventStore interface {
	// RecordEvent inserts ev unless (provider, event id) exists and returns
	// whether the stored event was already processed.
	RecordEvent(ctx context.Context, ev *models.ProviderEvent) (processed bool, err error)
	MarkEventProcessed(ctx context.Context, provider models.ProviderKind, eventID, outcome string, at time.Time) error
}

// SubtitleStore persists caption tracks.
type SubtitleStore interface {
	UpsertSubtitle(ctx context.Context, s *models.Subtitle) error
	ListSubtitles(ctx context.Context, lessonID uuid.UUID) ([]models.Subtitle, error)
}

// Store is everything the pipeline persists.
type Store interface {
	RecordStore
	SessionStore
	EventStore
	SubtitleStore
}
