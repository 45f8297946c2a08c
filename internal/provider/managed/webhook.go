package managed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/orthodoxlms/backend/internal/provider"
)

type webhookEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

type webhookData struct {
	ID               string   `json:"id"`
	UploadID         string   `json:"upload_id"`
	AssetID          string   `json:"asset_id"`
	Passthrough      string   `json:"passthrough"`
	Progress         *float64 `json:"progress"`
	NewAssetSettings *struct {
		Passthrough string `json:"passthrough"`
	} `json:"new_asset_settings"`
	Errors *struct {
		Type     string   `json:"type"`
		Messages []string `json:"messages"`
	} `json:"errors"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// VerifyWebhook authenticates a Mux-Signature header and normalizes the event.
func (c *Client) VerifyWebhook(header http.Header, body []byte) (*provider.Event, error) {
	const op = "verify_webhook"
	signedAt, err := c.verifier.Verify(header.Get(SignatureHeader), body)
	if err != nil {
		return nil, err
	}
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, provider.NewError(provider.KindMalformed, op, fmt.Errorf("decode envelope: %w", err))
	}
	if env.ID == "" || env.Type == "" {
		return nil, provider.NewError(provider.KindMalformed, op, fmt.Errorf("event id and type required"))
	}
	var d webhookData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, provider.NewError(provider.KindMalformed, op, fmt.Errorf("decode data: %w", err))
		}
	}
	ev := &provider.Event{ID: env.ID, Timestamp: env.CreatedAt, Raw: body}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = signedAt
	}
	passthrough := d.Passthrough

	switch env.Type {
	case "video.upload.created":
		ev.Kind = provider.EventUploadCreated
		ev.UploadID = d.ID
	case "video.upload.asset_created":
		ev.Kind = provider.EventUploadAssetReady
		ev.UploadID, ev.AssetID = d.ID, d.AssetID
	case "video.upload.errored", "video.upload.cancelled":
		ev.Kind = provider.EventAssetErrored
		ev.UploadID = d.ID
		ev.ErrorKind = "upload-errored"
		if env.Type == "video.upload.cancelled" {
			ev.ErrorKind = "upload-cancelled"
		}
		if d.Error != nil {
			ev.ErrorMessage = d.Error.Message
		}
	case "video.asset.created":
		ev.Kind = provider.EventUploadAssetReady
		ev.AssetID, ev.UploadID = d.ID, d.UploadID
	case "video.asset.progress":
		ev.Kind = provider.EventProgress
		ev.AssetID, ev.UploadID = d.ID, d.UploadID
		if d.Progress == nil {
			return nil, provider.NewError(provider.KindMalformed, op, fmt.Errorf("progress event without progress"))
		}
		p := provider.ClampProgress(*d.Progress)
		ev.Progress = &p
	case "video.asset.ready":
		ev.Kind = provider.EventAssetReady
		ev.AssetID, ev.UploadID = d.ID, d.UploadID
	case "video.asset.errored":
		ev.Kind = provider.EventAssetErrored
		ev.AssetID, ev.UploadID = d.ID, d.UploadID
		ev.ErrorKind = "provider-errored"
		if d.Errors != nil {
			if d.Errors.Type != "" {
				ev.ErrorKind = d.Errors.Type
			}
			if len(d.Errors.Messages) > 0 {
				ev.ErrorMessage = d.Errors.Messages[0]
			}
		}
	case "video.asset.deleted":
		ev.Kind = provider.EventAssetDeleted
		ev.AssetID, ev.UploadID = d.ID, d.UploadID
	default:
		return nil, provider.NewError(provider.KindMalformed, op, fmt.Errorf("%w: %s", provider.ErrUnknownEvent, env.Type))
	}
	if d.NewAssetSettings != nil && passthrough == "" {
		passthrough = d.NewAssetSettings.Passthrough
	}
	if passthrough != "" {
		if id, err := uuid.Parse(passthrough); err == nil {
			ev.LessonID = &id
		}
	}
	return ev, nil
}
