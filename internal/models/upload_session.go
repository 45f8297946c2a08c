package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UploadSession is a short-lived direct-PUT target issued for one lesson.
type UploadSession struct {
	ID               uuid.UUID    `json:"session_id"`
	LessonID         uuid.UUID    `json:"lesson_id"`
	Provider         ProviderKind `json:"provider"`
	UploadID         string       `json:"upload_id"`
	PutURL           string       `json:"put_url"`
	IssuedAt         time.Time    `json:"issued_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
	Consumed         bool         `json:"consumed"`
	ConsumedAt       *time.Time   `json:"consumed_at,omitempty"`
	SupersededBy     *uuid.UUID   `json:"superseded_by,omitempty"`
	ClientFinishedAt *time.Time   `json:"client_finished_at,omitempty"`
}

// Active reports whether the session still counts toward the one-per-lesson limit.
func (s *UploadSession) Active() bool {
	return !s.Consumed && s.SupersededBy == nil
}

// Expired reports whether the PUT target is no longer usable at now.
func (s *UploadSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ProviderEvent is one entry of the append-only inbound event log.
type ProviderEvent struct {
	Provider          ProviderKind    `json:"provider"`
	EventID           string          `json:"event_id"`
	ProviderTimestamp time.Time       `json:"provider_timestamp"`
	Kind              string          `json:"kind"`
	UploadID          string          `json:"upload_id,omitempty"`
	AssetID           string          `json:"asset_id,omitempty"`
	LessonID          *uuid.UUID      `json:"lesson_id,omitempty"`
	Progress          *int            `json:"progress,omitempty"`
	ErrorKind         string          `json:"error_kind,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload"`
	ReceivedAt        time.Time       `json:"received_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	Outcome           string          `json:"outcome,omitempty"`
}

// Subtitle is one caption track attached to a lesson video.
type Subtitle struct {
	LessonID     uuid.UUID `json:"lesson_id"`
	LanguageCode string    `json:"language_code"`
	LanguageName string    `json:"language_name"`
	ObjectKey    string    `json:"-"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
