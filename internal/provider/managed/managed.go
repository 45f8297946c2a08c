// Package managed implements the managed adaptive-streaming provider (Mux
// video API). Uploads go straight to the provider; it encodes and serves HLS.
package managed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	muxgo "github.com/muxinc/mux-go"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Mux-Signature"

// StreamBase is the HLS playback host.
const StreamBase = "https://stream.mux.com"

// DefaultAPIBase is the API host the SDK addresses.
const DefaultAPIBase = "https://api.mux.com"

// Config holds managed-stream provider settings.
type Config struct {
	APIBase            string
	TokenID            string
	TokenSecret        string
	WebhookSecret      string
	SignatureTolerance time.Duration
	RequestTimeout     time.Duration
	UploadTTL          time.Duration
	CORSOrigin         string
}

// Client talks to the managed provider through the Mux SDK.
type Client struct {
	cfg      Config
	api      *muxgo.APIClient
	verifier *provider.Verifier
	cache    *provider.UploadCache
	logger   *zap.Logger
}

// New creates a managed provider client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.APIBase != "" && cfg.APIBase != DefaultAPIBase {
		logger.Warn("managed provider SDK ignores custom API base", zap.String("api_base", cfg.APIBase))
	}
	api := muxgo.NewAPIClient(muxgo.NewConfiguration(
		muxgo.WithBasicAuth(cfg.TokenID, cfg.TokenSecret),
		muxgo.WithTimeout(cfg.RequestTimeout),
	))
	return &Client{
		cfg:      cfg,
		api:      api,
		verifier: provider.NewVerifier(cfg.WebhookSecret, cfg.SignatureTolerance),
		cache:    provider.NewUploadCache(nil),
		logger:   logger,
	}
}

var _ provider.Provider = (*Client)(nil)

// Kind returns managed-stream.
func (c *Client) Kind() models.ProviderKind { return models.ProviderManagedStream }

// CreateDirectUpload mints a direct upload whose asset carries the lesson id as passthrough.
func (c *Client) CreateDirectUpload(ctx context.Context, lessonID uuid.UUID, metadata map[string]string) (*provider.DirectUpload, error) {
	const op = "create_direct_upload"
	if u, ok := c.cache.Get(lessonID, metadata); ok {
		return &u, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.api.DirectUploadsApi.CreateDirectUpload(muxgo.CreateUploadRequest{
		CorsOrigin: c.cfg.CORSOrigin,
		Timeout:    int32(c.cfg.UploadTTL.Seconds()),
		NewAssetSettings: muxgo.CreateAssetRequest{
			PlaybackPolicy: []muxgo.PlaybackPolicy{muxgo.PUBLIC},
			Passthrough:    lessonID.String(),
		},
	}, muxgo.WithContext(ctx))
	if err != nil {
		return nil, apiError(ctx, op, err)
	}
	if resp.Data.Id == "" || resp.Data.Url == "" {
		return nil, provider.NewError(provider.KindPermanent, op, fmt.Errorf("response missing upload id or url"))
	}
	ttl := time.Duration(resp.Data.Timeout) * time.Second
	if ttl <= 0 {
		ttl = c.cfg.UploadTTL
	}
	u := provider.DirectUpload{UploadID: resp.Data.Id, PutURL: resp.Data.Url, ExpiresAt: time.Now().Add(ttl)}
	c.cache.Put(lessonID, metadata, u)
	c.logger.Info("managed direct upload created", zap.String("lesson_id", lessonID.String()), zap.String("upload_id", u.UploadID))
	return &u, nil
}

// DescribePlayback resolves the public playback id and duration of a ready asset.
func (c *Client) DescribePlayback(ctx context.Context, assetID string) (*provider.Playback, error) {
	const op = "describe_playback"
	a, err := c.getAsset(ctx, op, assetID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case "ready":
	case "errored":
		return nil, provider.NewError(provider.KindPermanent, op, fmt.Errorf("asset %s errored", assetID))
	default:
		return nil, provider.NewError(provider.KindTransient, op, provider.ErrAssetIncomplete)
	}
	var playbackID string
	for _, p := range a.PlaybackIds {
		if p.Policy == muxgo.PUBLIC || playbackID == "" {
			playbackID = p.Id
		}
	}
	if playbackID == "" {
		return nil, provider.NewError(provider.KindPermanent, op, fmt.Errorf("asset %s has no playback id", assetID))
	}
	pb := &provider.Playback{
		PlaybackID:      playbackID,
		StreamURL:       StreamBase + "/" + playbackID + ".m3u8",
		DurationSeconds: a.Duration,
	}
	for _, t := range a.Tracks {
		if t.Type == "text" && t.Status == "ready" {
			pb.CaptionsURLs = append(pb.CaptionsURLs, StreamBase+"/"+playbackID+"/text/"+t.Id+".vtt")
		}
	}
	return pb, nil
}

// DeleteAsset removes an asset.
func (c *Client) DeleteAsset(ctx context.Context, assetID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := c.api.AssetsApi.DeleteAsset(assetID, muxgo.WithContext(ctx)); err != nil {
		return apiError(ctx, "delete_asset", err)
	}
	return nil
}

// Inspect looks up the upload and, when known, its asset.
func (c *Client) Inspect(ctx context.Context, _ uuid.UUID, uploadID, assetID string) (*provider.Inspection, error) {
	const op = "inspect"
	in := &provider.Inspection{Upload: provider.UploadUnknown, Asset: provider.AssetNone, AssetID: assetID}
	if uploadID != "" {
		up, err := c.getUpload(ctx, op, uploadID)
		switch {
		case provider.KindOf(err) == provider.KindNotFound:
		case err != nil:
			return nil, err
		default:
			switch up.Status {
			case "waiting":
				in.Upload = provider.UploadWaiting
			case "asset_created":
				in.Upload = provider.UploadUploaded
			case "errored", "cancelled", "timed_out":
				in.Upload = provider.UploadErrored
				in.ErrorKind = up.Error.Type
				in.ErrorMessage = up.Error.Message
				if in.ErrorKind == "" {
					in.ErrorKind = up.Status
				}
			}
			if up.AssetId != "" {
				in.AssetID = up.AssetId
			}
		}
	}
	if in.AssetID == "" {
		return in, nil
	}
	a, err := c.getAsset(ctx, op, in.AssetID)
	if provider.KindOf(err) == provider.KindNotFound {
		in.Asset = provider.AssetUnknown
		return in, nil
	}
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case "ready":
		in.Asset = provider.AssetReady
	case "errored":
		in.Asset = provider.AssetErrored
		in.ErrorKind, in.ErrorMessage = assetError(a)
	default:
		in.Asset = provider.AssetPreparing
	}
	return in, nil
}

func (c *Client) getAsset(ctx context.Context, op, assetID string) (*muxgo.Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := c.api.AssetsApi.GetAsset(assetID, muxgo.WithContext(ctx))
	if err != nil {
		return nil, apiError(ctx, op, err)
	}
	return &resp.Data, nil
}

func (c *Client) getUpload(ctx context.Context, op, uploadID string) (*muxgo.Upload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := c.api.DirectUploadsApi.GetDirectUpload(uploadID, muxgo.WithContext(ctx))
	if err != nil {
		return nil, apiError(ctx, op, err)
	}
	return &resp.Data, nil
}

// apiError classifies an SDK failure by the HTTP status it carries.
func apiError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return provider.NewError(provider.KindTransient, op, err)
	}
	if status := statusOf(err); status != 0 {
		return provider.NewError(provider.KindForStatus(status), op, err)
	}
	var generic muxgo.GenericOpenAPIError
	if errors.As(err, &generic) {
		// the API answered but the body did not decode
		return provider.NewError(provider.KindPermanent, op, err)
	}
	return provider.Wrap(err, provider.KindTransient, op)
}

func statusOf(err error) int {
	var (
		badRequest   muxgo.BadRequestError
		unauthorized muxgo.UnauthorizedError
		forbidden    muxgo.ForbiddenError
		notFound     muxgo.NotFoundError
		tooMany      muxgo.TooManyRequestsError
		service      muxgo.ServiceError
	)
	switch {
	case errors.As(err, &badRequest):
		return http.StatusBadRequest
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &tooMany):
		return http.StatusTooManyRequests
	case errors.As(err, &service):
		if code := service.Code(); code != 0 {
			return code
		}
		return http.StatusInternalServerError
	}
	return 0
}

func assetError(a *muxgo.Asset) (kind, message string) {
	kind = "provider-errored"
	if a.Errors.Type != "" {
		kind = a.Errors.Type
	}
	message = strings.Join(a.Errors.Messages, "; ")
	return kind, message
}
