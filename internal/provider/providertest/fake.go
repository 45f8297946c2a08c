// Package providertest provides an in-memory provider for tests.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
)

// SignatureHeader is the header the fake signs webhooks with.
const SignatureHeader = "X-Fake-Signature"

// Secret is the fake's webhook secret.
const Secret = "fake-secret"

// WireEvent is the JSON body the fake accepts as a webhook.
type WireEvent struct {
	ID           string             `json:"id"`
	Kind         provider.EventKind `json:"kind"`
	Timestamp    time.Time          `json:"timestamp"`
	UploadID     string             `json:"upload_id,omitempty"`
	AssetID      string             `json:"asset_id,omitempty"`
	LessonID     *uuid.UUID         `json:"lesson_id,omitempty"`
	Progress     *int               `json:"progress,omitempty"`
	ErrorKind    string             `json:"error_kind,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// Fake is a scriptable provider. All fields are guarded by mu; use the
// setters from concurrent tests.
type Fake struct {
	ProviderKind models.ProviderKind

	mu          sync.Mutex
	verifier    *provider.Verifier
	cache       *provider.UploadCache
	seq         int
	ttl         time.Duration
	playbacks   map[string]*provider.Playback
	describeErr map[string]error
	inspections map[string]*provider.Inspection
	inspectErr  error
	createErr   error
	deleteErr   error
	deleted     []string
	encoded     []string
	describes   int
}

// New creates a fake managed-stream provider.
func New() *Fake {
	return &Fake{
		ProviderKind: models.ProviderManagedStream,
		verifier:     provider.NewVerifier(Secret, 5*time.Minute),
		cache:        provider.NewUploadCache(nil),
		ttl:          time.Hour,
		playbacks:    make(map[string]*provider.Playback),
		describeErr:  make(map[string]error),
		inspections:  make(map[string]*provider.Inspection),
	}
}

var (
	_ provider.Provider = (*Fake)(nil)
	_ provider.Encoder  = (*Fake)(nil)
)

// Kind implements provider.Provider.
func (f *Fake) Kind() models.ProviderKind { return f.ProviderKind }

// SetUploadTTL changes the expiry of newly minted uploads.
func (f *Fake) SetUploadTTL(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl = d
}

// SetPlayback makes DescribePlayback succeed for assetID.
func (f *Fake) SetPlayback(assetID, playbackID string, duration float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playbacks[assetID] = &provider.Playback{
		PlaybackID:      playbackID,
		StreamURL:       "https://stream.test/" + playbackID + ".m3u8",
		DurationSeconds: duration,
	}
	delete(f.describeErr, assetID)
}

// SetDescribeError makes DescribePlayback fail for assetID.
func (f *Fake) SetDescribeError(assetID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeErr[assetID] = err
}

// SetInspection scripts the Inspect result for uploadID.
func (f *Fake) SetInspection(uploadID string, in provider.Inspection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspections[uploadID] = &in
}

// SetInspectError makes every Inspect fail.
func (f *Fake) SetInspectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectErr = err
}

// SetCreateError makes CreateDirectUpload fail.
func (f *Fake) SetCreateError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// SetDeleteError makes DeleteAsset fail.
func (f *Fake) SetDeleteError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

// Deleted returns the asset ids passed to DeleteAsset.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Encoded returns the upload ids passed to RequestEncode.
func (f *Fake) Encoded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.encoded...)
}

// DescribeCalls returns how often DescribePlayback ran.
func (f *Fake) DescribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.describes
}

// CreateDirectUpload implements provider.Provider.
func (f *Fake) CreateDirectUpload(_ context.Context, lessonID uuid.UUID, metadata map[string]string) (*provider.DirectUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if u, ok := f.cache.Get(lessonID, metadata); ok {
		return &u, nil
	}
	f.seq++
	u := provider.DirectUpload{
		UploadID:  fmt.Sprintf("up-%d", f.seq),
		PutURL:    fmt.Sprintf("https://upload.test/%d", f.seq),
		ExpiresAt: time.Now().Add(f.ttl),
	}
	f.cache.Put(lessonID, metadata, u)
	return &u, nil
}

// VerifyWebhook implements provider.Provider over WireEvent bodies.
func (f *Fake) VerifyWebhook(header http.Header, body []byte) (*provider.Event, error) {
	if _, err := f.verifier.Verify(header.Get(SignatureHeader), body); err != nil {
		return nil, err
	}
	var w WireEvent
	if err := json.Unmarshal(body, &w); err != nil || w.ID == "" || w.Kind == "" {
		return nil, provider.NewError(provider.KindMalformed, "verify_webhook", fmt.Errorf("bad body: %v", err))
	}
	return &provider.Event{
		ID:           w.ID,
		Timestamp:    w.Timestamp,
		Kind:         w.Kind,
		UploadID:     w.UploadID,
		AssetID:      w.AssetID,
		LessonID:     w.LessonID,
		Progress:     w.Progress,
		ErrorKind:    w.ErrorKind,
		ErrorMessage: w.ErrorMessage,
		Raw:          body,
	}, nil
}

// Sign returns a signed webhook request for w.
func (f *Fake) Sign(w WireEvent) (http.Header, []byte) {
	if w.Timestamp.IsZero() {
		w.Timestamp = time.Now().UTC()
	}
	body, _ := json.Marshal(w)
	h := http.Header{}
	h.Set(SignatureHeader, f.verifier.Sign(body, time.Now()))
	return h, body
}

// DescribePlayback implements provider.Provider.
func (f *Fake) DescribePlayback(_ context.Context, assetID string) (*provider.Playback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describes++
	if err, ok := f.describeErr[assetID]; ok {
		return nil, err
	}
	pb, ok := f.playbacks[assetID]
	if !ok {
		return nil, provider.NewError(provider.KindNotFound, "describe_playback", provider.ErrNotFound)
	}
	out := *pb
	return &out, nil
}

// DeleteAsset implements provider.Provider.
func (f *Fake) DeleteAsset(_ context.Context, assetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, assetID)
	delete(f.playbacks, assetID)
	return nil
}

// Inspect implements provider.Provider.
func (f *Fake) Inspect(_ context.Context, _ uuid.UUID, uploadID, assetID string) (*provider.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	if in, ok := f.inspections[uploadID]; ok {
		out := *in
		return &out, nil
	}
	return &provider.Inspection{Upload: provider.UploadUnknown, Asset: provider.AssetUnknown, AssetID: assetID}, nil
}

// RequestEncode implements provider.Encoder.
func (f *Fake) RequestEncode(_ context.Context, _ uuid.UUID, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encoded = append(f.encoded, uploadID)
	return nil
}
