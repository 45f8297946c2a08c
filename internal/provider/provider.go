// Package provider abstracts the streaming services that ingest and encode
// lesson videos. The rest of the backend talks only to Provider; the
// managed-stream and object-store variants live in subpackages.
package provider

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/orthodoxlms/backend/internal/models"
)

// EventKind is the normalized kind of an inbound provider event.
type EventKind string

const (
	EventUploadCreated    EventKind = "upload.created"
	EventUploadAssetReady EventKind = "upload.asset_ready"
	EventAssetReady       EventKind = "asset.ready"
	EventAssetErrored     EventKind = "asset.errored"
	EventAssetDeleted     EventKind = "asset.deleted"
	EventProgress         EventKind = "progress"
)

// MetadataIntent is the metadata key distinguishing parallel upload intents for one lesson.
const MetadataIntent = "intent"

// ClampProgress converts a provider-reported percentage to 0..100. The float
// is bounded before conversion; NaN reads as 0.
func ClampProgress(p float64) int {
	switch {
	case math.IsNaN(p) || p <= 0:
		return 0
	case p >= 100:
		return 100
	}
	return int(p)
}

// DirectUpload is a provider-issued direct PUT target.
type DirectUpload struct {
	UploadID  string
	PutURL    string
	ExpiresAt time.Time
}

// Event is a verified, normalized provider callback.
type Event struct {
	ID           string
	Timestamp    time.Time
	Kind         EventKind
	UploadID     string
	AssetID      string
	LessonID     *uuid.UUID // passthrough, when the provider echoes it
	Progress     *int
	ErrorKind    string
	ErrorMessage string
	Raw          []byte
}

// Playback describes how to stream a ready asset.
type Playback struct {
	PlaybackID      string
	StreamURL       string
	DurationSeconds float64
	CaptionsURLs    []string
}

// UploadState is the provider's view of a direct upload.
type UploadState string

const (
	UploadWaiting  UploadState = "waiting"
	UploadUploaded UploadState = "uploaded"
	UploadErrored  UploadState = "errored"
	UploadUnknown  UploadState = "unknown"
)

// AssetState is the provider's view of an encoded asset.
type AssetState string

const (
	AssetNone      AssetState = "none"
	AssetPreparing AssetState = "preparing"
	AssetReady     AssetState = "ready"
	AssetErrored   AssetState = "errored"
	AssetUnknown   AssetState = "unknown"
)

// Inspection is the result of a provider status lookup.
type Inspection struct {
	Upload       UploadState
	AssetID      string
	Asset        AssetState
	Progress     *int
	ErrorKind    string
	ErrorMessage string
}

// Provider is implemented by every streaming provider variant.
type Provider interface {
	Kind() models.ProviderKind
	// CreateDirectUpload mints a direct-upload session. Repeated calls for the
	// same lesson and intent return the same session until it expires.
	CreateDirectUpload(ctx context.Context, lessonID uuid.UUID, metadata map[string]string) (*DirectUpload, error)
	// VerifyWebhook authenticates and parses a callback. Failures are *Error
	// with kind auth-failed, malformed or replay.
	VerifyWebhook(header http.Header, body []byte) (*Event, error)
	DescribePlayback(ctx context.Context, assetID string) (*Playback, error)
	// DeleteAsset fails with kind not-found when the asset does not exist.
	DeleteAsset(ctx context.Context, assetID string) error
	Inspect(ctx context.Context, lessonID uuid.UUID, uploadID, assetID string) (*Inspection, error)
}

// Encoder is the object-store compatibility hook that asks the external
// packager to produce HLS output for an uploaded source.
type Encoder interface {
	RequestEncode(ctx context.Context, lessonID uuid.UUID, uploadID string) error
}
