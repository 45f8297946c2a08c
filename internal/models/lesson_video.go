package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// VideoStatus is the lifecycle state of a lesson's video.
type VideoStatus string

const (
	VideoStatusNone           VideoStatus = "none"
	VideoStatusAwaitingUpload VideoStatus = "awaiting-upload"
	VideoStatusUploading      VideoStatus = "uploading"
	VideoStatusProcessing     VideoStatus = "processing"
	VideoStatusReady          VideoStatus = "ready"
	VideoStatusError          VideoStatus = "error"
)

// Terminal reports whether the status ends a video lifecycle.
func (s VideoStatus) Terminal() bool {
	return s == VideoStatusReady || s == VideoStatusError
}

// InFlight reports whether an upload is expected for the record.
func (s VideoStatus) InFlight() bool {
	return s == VideoStatusAwaitingUpload || s == VideoStatusUploading
}

// ProviderKind names a streaming provider variant.
type ProviderKind string

const (
	ProviderManagedStream ProviderKind = "managed-stream"
	ProviderObjectStore   ProviderKind = "object-store"
)

// Error kinds recorded on a lesson video in status error.
const (
	VideoErrorPermanentDescribe = "permanent-describe-failure"
	VideoErrorAbandoned         = "abandoned"
)

// LessonVideo is the durable state of one lesson's video.
type LessonVideo struct {
	LessonID            uuid.UUID    `json:"lesson_id"`
	Provider            ProviderKind `json:"provider"`
	Status              VideoStatus  `json:"status"`
	UploadID            string       `json:"upload_id,omitempty"`
	AssetID             string       `json:"asset_id,omitempty"`
	PlaybackID          string       `json:"playback_id,omitempty"`
	DurationSeconds     *float64     `json:"duration_seconds,omitempty"`
	ProcessingProgress  int          `json:"processing_progress"`
	ErrorKind           string       `json:"error_kind,omitempty"`
	ErrorMessage        string       `json:"error_message,omitempty"`
	PreviousAssetID     string       `json:"previous_asset_id,omitempty"` // replaced asset awaiting deferred delete
	LastEventID         string       `json:"-"`
	LastProviderEventAt *time.Time   `json:"last_provider_event_at,omitempty"`
	Version             int64        `json:"version"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Validate checks the record invariants that must hold after every transition.
func (v *LessonVideo) Validate() error {
	if v.PlaybackID != "" && v.Status != VideoStatusReady {
		return errors.New("lesson video: playback id set outside ready")
	}
	if v.Status == VideoStatusReady {
		if v.AssetID == "" || v.PlaybackID == "" || v.DurationSeconds == nil {
			return errors.New("lesson video: ready requires asset id, playback id and duration")
		}
	}
	if v.Status == VideoStatusError && v.ErrorKind == "" {
		return errors.New("lesson video: error requires error kind")
	}
	if v.ProcessingProgress < 0 || v.ProcessingProgress > 100 {
		return errors.New("lesson video: progress out of range")
	}
	return nil
}

// Clone returns a deep copy safe to mutate.
func (v *LessonVideo) Clone() *LessonVideo {
	c := *v
	if v.DurationSeconds != nil {
		d := *v.DurationSeconds
		c.DurationSeconds = &d
	}
	if v.LastProviderEventAt != nil {
		t := *v.LastProviderEventAt
		c.LastProviderEventAt = &t
	}
	return &c
}

// StateChanged is emitted for every persisted transition of a lesson video.
type StateChanged struct {
	LessonID     uuid.UUID   `json:"lesson_id"`
	Version      int64       `json:"version"`
	Status       VideoStatus `json:"status"`
	Progress     int         `json:"progress"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	PlaybackID   string      `json:"playback_id,omitempty"`
}

// StateOf derives the StateChanged view of a record.
func StateOf(v *LessonVideo) StateChanged {
	return StateChanged{
		LessonID:     v.LessonID,
		Version:      v.Version,
		Status:       v.Status,
		Progress:     v.ProcessingProgress,
		ErrorKind:    v.ErrorKind,
		ErrorMessage: v.ErrorMessage,
		PlaybackID:   v.PlaybackID,
	}
}

// Terminal reports whether the change ends the lifecycle.
func (s StateChanged) Terminal() bool { return s.Status.Terminal() }
