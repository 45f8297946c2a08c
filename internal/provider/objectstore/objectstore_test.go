package objectstore

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/pkg/queue"
	"github.com/orthodoxlms/backend/pkg/storage"
)

type fakeObjects struct {
	objects map[string]*storage.ObjectInfo
	presign []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string]*storage.ObjectInfo)}
}

func (f *fakeObjects) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	f.presign = append(f.presign, key)
	return "https://bucket.test/" + key + "?sig=1", nil
}

func (f *fakeObjects) Head(_ context.Context, key string) (*storage.ObjectInfo, error) {
	if o, ok := f.objects[key]; ok {
		return o, nil
	}
	return nil, storage.ErrObjectNotFound
}

func (f *fakeObjects) ListKeys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeObjects) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, _ := f.ListKeys(ctx, prefix)
	for _, k := range keys {
		delete(f.objects, k)
	}
	return len(keys), nil
}

func (f *fakeObjects) PublicURL(key string) string { return "https://cdn.test/" + key }

type fakeEncodeQueue struct{ jobs []queue.TranscodePayload }

func (q *fakeEncodeQueue) EnqueueTranscode(_ context.Context, p queue.TranscodePayload) error {
	q.jobs = append(q.jobs, p)
	return nil
}

func newStore(objs *fakeObjects, enc EncodeQueue) *Store {
	return New(Config{WebhookSecret: "whsec", SignatureTolerance: time.Minute, UploadTTL: time.Hour}, objs, enc, nil)
}

func TestCreateDirectUploadPresignsSourceKey(t *testing.T) {
	objs := newFakeObjects()
	s := newStore(objs, nil)
	lesson := uuid.New()

	u, err := s.CreateDirectUpload(context.Background(), lesson, map[string]string{"content_type": "video/mp4"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u.UploadID, "os-"))
	require.Len(t, objs.presign, 1)
	assert.Equal(t, storage.SourceKey(lesson.String(), u.UploadID), objs.presign[0])

	again, err := s.CreateDirectUpload(context.Background(), lesson, map[string]string{"content_type": "video/mp4"})
	require.NoError(t, err)
	assert.Equal(t, u.UploadID, again.UploadID)
	assert.Len(t, objs.presign, 1)
}

func TestDescribePlayback(t *testing.T) {
	objs := newFakeObjects()
	prefix := storage.AssetPrefix("os-1")
	objs.objects[prefix+storage.MasterPlaylist] = &storage.ObjectInfo{Metadata: map[string]string{"Duration-Seconds": "120.5"}}
	objs.objects[prefix+"en.vtt"] = &storage.ObjectInfo{}
	s := newStore(objs, nil)

	pb, err := s.DescribePlayback(context.Background(), "os-1")
	require.NoError(t, err)
	assert.Equal(t, "os-1", pb.PlaybackID)
	assert.Equal(t, 120.5, pb.DurationSeconds)
	assert.Equal(t, "https://cdn.test/"+prefix+storage.MasterPlaylist, pb.StreamURL)
	assert.Equal(t, []string{"https://cdn.test/" + prefix + "en.vtt"}, pb.CaptionsURLs)

	_, err = s.DescribePlayback(context.Background(), "missing")
	assert.Equal(t, provider.KindNotFound, provider.KindOf(err))
}

func TestDeleteAsset(t *testing.T) {
	objs := newFakeObjects()
	objs.objects[storage.AssetPrefix("os-1")+storage.MasterPlaylist] = &storage.ObjectInfo{}
	s := newStore(objs, nil)

	require.NoError(t, s.DeleteAsset(context.Background(), "os-1"))
	err := s.DeleteAsset(context.Background(), "os-1")
	assert.Equal(t, provider.KindNotFound, provider.KindOf(err))
}

func TestInspectAndEncode(t *testing.T) {
	objs := newFakeObjects()
	enc := &fakeEncodeQueue{}
	s := newStore(objs, enc)
	lesson := uuid.New()

	in, err := s.Inspect(context.Background(), lesson, "os-1", "")
	require.NoError(t, err)
	assert.Equal(t, provider.UploadWaiting, in.Upload)
	assert.Equal(t, provider.AssetUnknown, in.Asset)

	objs.objects[storage.SourceKey(lesson.String(), "os-1")] = &storage.ObjectInfo{}
	in, err = s.Inspect(context.Background(), lesson, "os-1", "")
	require.NoError(t, err)
	assert.Equal(t, provider.UploadUploaded, in.Upload)
	assert.Equal(t, provider.AssetPreparing, in.Asset)

	require.NoError(t, s.RequestEncode(context.Background(), lesson, "os-1"))
	require.Len(t, enc.jobs, 1)
	assert.Equal(t, storage.AssetPrefix("os-1"), enc.jobs[0].OutputKey)

	objs.objects[storage.AssetPrefix("os-1")+storage.MasterPlaylist] = &storage.ObjectInfo{}
	in, err = s.Inspect(context.Background(), lesson, "os-1", "os-1")
	require.NoError(t, err)
	assert.Equal(t, provider.AssetReady, in.Asset)
}

func TestVerifyWebhook(t *testing.T) {
	s := newStore(newFakeObjects(), nil)
	lesson := uuid.New()
	sign := func(body string) http.Header {
		h := http.Header{}
		h.Set(SignatureHeader, s.verifier.Sign([]byte(body), time.Now()))
		return h
	}

	body := `{"id":"e1","type":"progress","data":{"upload_id":"os-1","lesson_id":"` + lesson.String() + `","progress":140}}`
	ev, err := s.VerifyWebhook(sign(body), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, provider.EventProgress, ev.Kind)
	assert.Equal(t, "os-1", ev.AssetID)
	require.NotNil(t, ev.Progress)
	assert.Equal(t, 100, *ev.Progress)
	require.NotNil(t, ev.LessonID)
	assert.Equal(t, lesson, *ev.LessonID)

	for raw, want := range map[string]int{"1e300": 100, "-5": 0, "-1e300": 0, "37.9": 37} {
		body = `{"id":"e-` + raw + `","type":"progress","data":{"upload_id":"os-1","progress":` + raw + `}}`
		ev, err = s.VerifyWebhook(sign(body), []byte(body))
		require.NoError(t, err, raw)
		require.NotNil(t, ev.Progress, raw)
		assert.Equal(t, want, *ev.Progress, raw)
	}

	body = `{"id":"e2","type":"asset.errored","data":{"upload_id":"os-1"}}`
	ev, err = s.VerifyWebhook(sign(body), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "packager-errored", ev.ErrorKind)

	body = `{"id":"e3","type":"progress","data":{"upload_id":"os-1"}}`
	_, err = s.VerifyWebhook(sign(body), []byte(body))
	assert.Equal(t, provider.KindMalformed, provider.KindOf(err))

	body = `{"id":"e4","type":"asset.exploded","data":{}}`
	_, err = s.VerifyWebhook(sign(body), []byte(body))
	assert.Equal(t, provider.KindMalformed, provider.KindOf(err))
}
