// Package objectstore implements the self-hosted provider: sources are PUT to
// an S3 bucket through presigned URLs and an external packager writes HLS
// output next to them and reports progress through signed webhooks.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/pkg/queue"
	"github.com/orthodoxlms/backend/pkg/storage"
)

// SignatureHeader carries the packager's webhook signature.
const SignatureHeader = "X-Video-Signature"

// Objects is the bucket surface the adapter needs; *storage.S3 implements it.
type Objects interface {
	PresignPut(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
	Head(ctx context.Context, key string) (*storage.ObjectInfo, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	PublicURL(key string) string
}

// EncodeQueue hands encode requests to the external packager.
type EncodeQueue interface {
	EnqueueTranscode(ctx context.Context, payload queue.TranscodePayload) error
}

// Config holds object-store provider settings.
type Config struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
	RequestTimeout     time.Duration
	UploadTTL          time.Duration
}

// Store is the object-store provider.
type Store struct {
	cfg      Config
	objects  Objects
	encoder  EncodeQueue
	verifier *provider.Verifier
	cache    *provider.UploadCache
	logger   *zap.Logger
}

// New creates the object-store provider. encoder may be nil, which disables RequestEncode.
func New(cfg Config, objects Objects, encoder EncodeQueue, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Store{
		cfg:      cfg,
		objects:  objects,
		encoder:  encoder,
		verifier: provider.NewVerifier(cfg.WebhookSecret, cfg.SignatureTolerance),
		cache:    provider.NewUploadCache(nil),
		logger:   logger,
	}
}

var (
	_ provider.Provider = (*Store)(nil)
	_ provider.Encoder  = (*Store)(nil)
)

// Kind returns object-store.
func (s *Store) Kind() models.ProviderKind { return models.ProviderObjectStore }

// CreateDirectUpload presigns a PUT to the deterministic source key of a new upload.
func (s *Store) CreateDirectUpload(ctx context.Context, lessonID uuid.UUID, metadata map[string]string) (*provider.DirectUpload, error) {
	const op = "create_direct_upload"
	if u, ok := s.cache.Get(lessonID, metadata); ok {
		return &u, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	uploadID := "os-" + uuid.NewString()
	key := storage.SourceKey(lessonID.String(), uploadID)
	url, err := s.objects.PresignPut(ctx, key, metadata["content_type"], s.cfg.UploadTTL)
	if err != nil {
		return nil, classify(err, op)
	}
	u := provider.DirectUpload{UploadID: uploadID, PutURL: url, ExpiresAt: time.Now().Add(s.cfg.UploadTTL)}
	s.cache.Put(lessonID, metadata, u)
	s.logger.Info("object-store upload presigned", zap.String("lesson_id", lessonID.String()), zap.String("upload_id", uploadID), zap.String("key", key))
	return &u, nil
}

// DescribePlayback reads the packaged master playlist of an asset.
func (s *Store) DescribePlayback(ctx context.Context, assetID string) (*provider.Playback, error) {
	const op = "describe_playback"
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	prefix := storage.AssetPrefix(assetID)
	info, err := s.objects.Head(ctx, prefix+storage.MasterPlaylist)
	if err != nil {
		return nil, classify(err, op)
	}
	raw, ok := lookupMeta(info.Metadata, storage.MetaDuration)
	if !ok {
		return nil, provider.NewError(provider.KindPermanent, op, fmt.Errorf("%w: missing %s metadata", provider.ErrAssetIncomplete, storage.MetaDuration))
	}
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil || duration <= 0 {
		return nil, provider.NewError(provider.KindPermanent, op, fmt.Errorf("invalid duration %q", raw))
	}
	keys, err := s.objects.ListKeys(ctx, prefix)
	if err != nil {
		return nil, classify(err, op)
	}
	pb := &provider.Playback{
		PlaybackID:      assetID,
		StreamURL:       s.objects.PublicURL(prefix + storage.MasterPlaylist),
		DurationSeconds: duration,
	}
	for _, k := range keys {
		if strings.HasSuffix(k, ".vtt") {
			pb.CaptionsURLs = append(pb.CaptionsURLs, s.objects.PublicURL(k))
		}
	}
	return pb, nil
}

// DeleteAsset removes the packaged output of an asset.
func (s *Store) DeleteAsset(ctx context.Context, assetID string) error {
	const op = "delete_asset"
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	n, err := s.objects.DeletePrefix(ctx, storage.AssetPrefix(assetID))
	if err != nil {
		return classify(err, op)
	}
	if n == 0 {
		return provider.NewError(provider.KindNotFound, op, provider.ErrNotFound)
	}
	return nil
}

// Inspect reports whether the source was uploaded and the asset packaged.
// Object-store asset ids equal upload ids.
func (s *Store) Inspect(ctx context.Context, lessonID uuid.UUID, uploadID, assetID string) (*provider.Inspection, error) {
	const op = "inspect"
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	if assetID == "" {
		assetID = uploadID
	}
	in := &provider.Inspection{Upload: provider.UploadUnknown, Asset: provider.AssetNone, AssetID: assetID}
	if uploadID != "" {
		_, err := s.objects.Head(ctx, storage.SourceKey(lessonID.String(), uploadID))
		switch {
		case err == nil:
			in.Upload = provider.UploadUploaded
		case errors.Is(err, storage.ErrObjectNotFound):
			in.Upload = provider.UploadWaiting
		default:
			return nil, classify(err, op)
		}
	}
	if assetID == "" {
		return in, nil
	}
	_, err := s.objects.Head(ctx, storage.AssetPrefix(assetID)+storage.MasterPlaylist)
	switch {
	case err == nil:
		in.Asset = provider.AssetReady
	case errors.Is(err, storage.ErrObjectNotFound):
		if in.Upload == provider.UploadUploaded {
			in.Asset = provider.AssetPreparing
		} else {
			in.Asset = provider.AssetUnknown
		}
	default:
		return nil, classify(err, op)
	}
	return in, nil
}

// RequestEncode queues an encode of an uploaded source for the external packager.
func (s *Store) RequestEncode(ctx context.Context, lessonID uuid.UUID, uploadID string) error {
	const op = "request_encode"
	if s.encoder == nil {
		return provider.NewError(provider.KindPermanent, op, errors.New("encode queue not configured"))
	}
	payload := queue.TranscodePayload{
		LessonID:  lessonID,
		UploadID:  uploadID,
		SourceKey: storage.SourceKey(lessonID.String(), uploadID),
		OutputKey: storage.AssetPrefix(uploadID),
	}
	if err := s.encoder.EnqueueTranscode(ctx, payload); err != nil {
		return provider.Wrap(err, provider.KindTransient, op)
	}
	s.logger.Info("encode requested", zap.String("lesson_id", lessonID.String()), zap.String("upload_id", uploadID))
	return nil
}

type webhookEnvelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		UploadID     string   `json:"upload_id"`
		AssetID      string   `json:"asset_id"`
		LessonID     string   `json:"lesson_id"`
		Progress     *float64 `json:"progress"`
		ErrorKind    string   `json:"error_kind"`
		ErrorMessage string   `json:"error_message"`
	} `json:"data"`
}

// VerifyWebhook authenticates a packager callback and normalizes it.
func (s *Store) VerifyWebhook(header http.Header, body []byte) (*provider.Event, error) {
	const op = "verify_webhook"
	signedAt, err := s.verifier.Verify(header.Get(SignatureHeader), body)
	if err != nil {
		return nil, err
	}
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, provider.NewError(provider.KindMalformed, op, fmt.Errorf("decode envelope: %w", err))
	}
	if env.ID == "" || env.Type == "" {
		return nil, provider.NewError(provider.KindMalformed, op, errors.New("event id and type required"))
	}
	kind := provider.EventKind(env.Type)
	switch kind {
	case provider.EventUploadCreated, provider.EventUploadAssetReady, provider.EventAssetReady,
		provider.EventAssetErrored, provider.EventAssetDeleted, provider.EventProgress:
	default:
		return nil, provider.NewError(provider.KindMalformed, op, fmt.Errorf("%w: %s", provider.ErrUnknownEvent, env.Type))
	}
	ev := &provider.Event{
		ID:           env.ID,
		Timestamp:    env.CreatedAt,
		Kind:         kind,
		UploadID:     env.Data.UploadID,
		AssetID:      env.Data.AssetID,
		ErrorKind:    env.Data.ErrorKind,
		ErrorMessage: env.Data.ErrorMessage,
		Raw:          body,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = signedAt
	}
	if ev.AssetID == "" && kind != provider.EventUploadCreated {
		ev.AssetID = ev.UploadID
	}
	if kind == provider.EventProgress {
		if env.Data.Progress == nil {
			return nil, provider.NewError(provider.KindMalformed, op, errors.New("progress event without progress"))
		}
		p := provider.ClampProgress(*env.Data.Progress)
		ev.Progress = &p
	}
	if kind == provider.EventAssetErrored && ev.ErrorKind == "" {
		ev.ErrorKind = "packager-errored"
	}
	if env.Data.LessonID != "" {
		if id, err := uuid.Parse(env.Data.LessonID); err == nil {
			ev.LessonID = &id
		}
	}
	return ev, nil
}

// classify maps S3 and transport failures onto provider error kinds.
func classify(err error, op string) error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return provider.NewError(provider.KindNotFound, op, err)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return provider.NewError(provider.KindNotFound, op, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return provider.NewError(provider.KindAuthFailed, op, err)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return provider.NewError(provider.KindQuotaExceeded, op, err)
		case "NoSuchBucket", "InvalidBucketName":
			return provider.NewError(provider.KindPermanent, op, err)
		}
	}
	return provider.Wrap(err, provider.KindTransient, op)
}

func lookupMeta(meta map[string]string, key string) (string, bool) {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
