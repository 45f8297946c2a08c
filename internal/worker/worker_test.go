package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/internal/provider/providertest"
	"github.com/orthodoxlms/backend/internal/videos"
	"github.com/orthodoxlms/backend/internal/videos/videostest"
	"github.com/orthodoxlms/backend/pkg/queue"
)

type env struct {
	t          *testing.T
	ctx        context.Context
	now        time.Time
	lessonID   uuid.UUID
	store      *videostest.MemoryStore
	fake       *providertest.Fake
	machine    *videos.Machine
	reconciler *Reconciler
	deleter    *AssetDeleter
}

func newEnv(t *testing.T) *env {
	e := &env{
		t:        t,
		ctx:      context.Background(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		lessonID: uuid.New(),
		store:    videostest.NewMemoryStore(),
		fake:     providertest.New(),
	}
	clock := func() time.Time { return e.now }
	e.store.SetClock(clock)
	e.machine = videos.NewMachine(e.store, e.fake, nil, nil, nil)
	e.reconciler = NewReconciler(e.store, e.fake, e.machine, ReconcilerConfig{
		Period:  time.Minute,
		Grace:   15 * time.Minute,
		Abandon: 24 * time.Hour,
	}, nil)
	e.reconciler.SetClock(clock)
	e.deleter = NewAssetDeleter(e.store, e.fake, e.machine, nil)
	return e
}

func (e *env) apply(in videos.Input) *videos.Outcome {
	e.t.Helper()
	out, err := e.machine.Apply(e.ctx, in)
	require.NoError(e.t, err)
	return out
}

// uploading drives the lesson to uploading with uploadID, as the first
// upload.created webhook would.
func (e *env) uploading(uploadID string) {
	e.t.Helper()
	e.apply(videos.Input{Kind: videos.EventSessionIssued, LessonID: &e.lessonID, Provider: e.fake.Kind(), UploadID: uploadID})
	e.apply(videos.Input{Kind: provider.EventUploadCreated, EventID: "created-" + uploadID, UploadID: uploadID})
	require.Equal(e.t, models.VideoStatusUploading, e.record().Status)
}

func (e *env) ready(uploadID, assetID string) {
	e.t.Helper()
	e.uploading(uploadID)
	e.fake.SetPlayback(assetID, "P-"+assetID, 300)
	e.apply(videos.Input{Kind: provider.EventAssetReady, EventID: "ready-" + assetID, UploadID: uploadID, AssetID: assetID})
	require.Equal(e.t, models.VideoStatusReady, e.record().Status)
}

func (e *env) record() *models.LessonVideo {
	e.t.Helper()
	rec, err := e.store.GetRecord(e.ctx, e.lessonID)
	require.NoError(e.t, err)
	return rec
}

func (e *env) advance(d time.Duration) { e.now = e.now.Add(d) }

func TestReconcileRescuesReadyAsset(t *testing.T) {
	e := newEnv(t)
	e.uploading("up-1")
	e.fake.SetInspection("up-1", provider.Inspection{Upload: provider.UploadUploaded, AssetID: "A", Asset: provider.AssetReady})
	e.fake.SetPlayback("A", "P", 300)

	// inside the grace nothing is touched
	e.advance(10 * time.Minute)
	sum, err := e.reconciler.Sweep(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Scanned)

	e.advance(10 * time.Minute)
	sum, err = e.reconciler.Sweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Applied: 1}, sum)

	rec := e.record()
	assert.Equal(t, models.VideoStatusReady, rec.Status)
	assert.Equal(t, "A", rec.AssetID)
	assert.Equal(t, "P", rec.PlaybackID)
	require.NotNil(t, rec.DurationSeconds)
	assert.Equal(t, 300.0, *rec.DurationSeconds)
}

func TestReconcileErroredAsset(t *testing.T) {
	e := newEnv(t)
	e.uploading("up-1")
	e.fake.SetInspection("up-1", provider.Inspection{
		Upload: provider.UploadUploaded, AssetID: "A", Asset: provider.AssetErrored,
		ErrorKind: "source-invalid", ErrorMessage: "no video track",
	})
	e.advance(time.Hour)

	res, err := e.reconciler.ReconcileLesson(e.ctx, e.lessonID)
	require.NoError(t, err)
	assert.Equal(t, "applied", res.Action)
	rec := e.record()
	assert.Equal(t, models.VideoStatusError, rec.Status)
	assert.Equal(t, "source-invalid", rec.ErrorKind)
}

func TestReconcilePreparingCarriesProgress(t *testing.T) {
	e := newEnv(t)
	e.uploading("up-1")
	progress := 40
	e.fake.SetInspection("up-1", provider.Inspection{
		Upload: provider.UploadUploaded, AssetID: "A", Asset: provider.AssetPreparing, Progress: &progress,
	})
	e.advance(time.Hour)

	_, err := e.reconciler.ReconcileLesson(e.ctx, e.lessonID)
	require.NoError(t, err)
	rec := e.record()
	assert.Equal(t, models.VideoStatusProcessing, rec.Status)
	assert.Equal(t, "A", rec.AssetID)
	assert.Equal(t, 40, rec.ProcessingProgress)
}

func TestReconcileRequestsEncode(t *testing.T) {
	e := newEnv(t)
	e.uploading("up-1")
	e.fake.SetInspection("up-1", provider.Inspection{Upload: provider.UploadUploaded, Asset: provider.AssetNone})
	e.advance(time.Hour)

	sum, err := e.reconciler.Sweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Encoded)
	assert.Equal(t, []string{"up-1"}, e.fake.Encoded())
	assert.Equal(t, models.VideoStatusUploading, e.record().Status)
}

func TestReconcileAbandonsUnknownUploads(t *testing.T) {
	e := newEnv(t)
	e.uploading("up-1")

	e.advance(time.Hour)
	res, err := e.reconciler.ReconcileLesson(e.ctx, e.lessonID)
	require.NoError(t, err)
	assert.Equal(t, ActionPending, res.Action)
	assert.Equal(t, models.VideoStatusUploading, e.record().Status)

	e.advance(24 * time.Hour)
	sum, err := e.reconciler.Sweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Abandoned)
	rec := e.record()
	assert.Equal(t, models.VideoStatusError, rec.Status)
	assert.Equal(t, models.VideoErrorAbandoned, rec.ErrorKind)
}

func TestReconcileNotFoundCountsAsUnknown(t *testing.T) {
	e := newEnv(t)
	e.uploading("up-1")
	e.fake.SetInspectError(provider.NewError(provider.KindNotFound, "inspect", provider.ErrNotFound))
	e.advance(25 * time.Hour)

	_, err := e.reconciler.ReconcileLesson(e.ctx, e.lessonID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoErrorAbandoned, e.record().ErrorKind)
}

func TestReconcileInspectFailure(t *testing.T) {
	e := newEnv(t)
	e.uploading("up-1")
	e.fake.SetInspectError(provider.NewError(provider.KindTransient, "inspect", errors.New("502")))
	e.advance(time.Hour)

	sum, err := e.reconciler.Sweep(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Failed: 1}, sum)
	assert.Equal(t, models.VideoStatusUploading, e.record().Status)
}

func TestReconcileLessonSkips(t *testing.T) {
	e := newEnv(t)
	res, err := e.reconciler.ReconcileLesson(e.ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, res.Action)

	e.ready("up-1", "A")
	res, err = e.reconciler.ReconcileLesson(e.ctx, e.lessonID)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, res.Action)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	e := newEnv(t)
	e.uploading("up-1")
	e.fake.SetInspection("up-1", provider.Inspection{Upload: provider.UploadUploaded, AssetID: "A", Asset: provider.AssetReady})
	e.fake.SetPlayback("A", "P", 300)
	e.advance(time.Hour)

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- e.reconciler.Run(ctx) }()
	require.Eventually(t, func() bool {
		rec, err := e.store.GetRecord(e.ctx, e.lessonID)
		return err == nil && rec.Status == models.VideoStatusReady
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestAssetDeleterCurrentAsset(t *testing.T) {
	e := newEnv(t)
	e.ready("up-1", "A")
	version := e.record().Version

	err := e.deleter.Delete(e.ctx, queue.AssetDeletePayload{LessonID: e.lessonID, Provider: string(e.fake.Kind()), AssetID: "A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, e.fake.Deleted())
	rec := e.record()
	assert.Equal(t, models.VideoStatusNone, rec.Status)
	assert.Empty(t, rec.AssetID)
	assert.Empty(t, rec.PlaybackID)
	assert.Equal(t, version+1, rec.Version)
}

func TestAssetDeleterReplacedAsset(t *testing.T) {
	e := newEnv(t)
	e.ready("up-1", "B")
	version := e.record().Version

	require.NoError(t, e.deleter.Delete(e.ctx, queue.AssetDeletePayload{LessonID: e.lessonID, AssetID: "A"}))
	assert.Equal(t, []string{"A"}, e.fake.Deleted())
	assert.Equal(t, version, e.record().Version)
}

func TestAssetDeleterFailures(t *testing.T) {
	e := newEnv(t)

	e.fake.SetDeleteError(provider.NewError(provider.KindNotFound, "delete_asset", provider.ErrNotFound))
	assert.NoError(t, e.deleter.Delete(e.ctx, queue.AssetDeletePayload{LessonID: e.lessonID, AssetID: "gone"}))

	e.fake.SetDeleteError(provider.NewError(provider.KindTransient, "delete_asset", errors.New("503")))
	err := e.deleter.Delete(e.ctx, queue.AssetDeletePayload{LessonID: e.lessonID, AssetID: "A"})
	require.Error(t, err)
	assert.True(t, provider.IsRetryable(err))

	err = e.deleter.Delete(e.ctx, queue.AssetDeletePayload{LessonID: e.lessonID, Provider: "object-store", AssetID: "A"})
	require.Error(t, err)
	assert.False(t, provider.IsRetryable(err))

	err = e.deleter.Delete(e.ctx, queue.AssetDeletePayload{LessonID: e.lessonID})
	assert.False(t, provider.IsRetryable(err))
}

type fakeJobs struct {
	mu      sync.Mutex
	pending []*queue.Job
	retried []*queue.Job
	dead    []*queue.Job
}

func (f *fakeJobs) Dequeue(ctx context.Context, timeout time.Duration, _ ...string) (*queue.Job, string, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		job := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return job, "", nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, "", nil
	}
}

func (f *fakeJobs) Retry(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Attempt++
	f.retried = append(f.retried, job)
	return nil
}

func (f *fakeJobs) DeadLetter(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = append(f.dead, job)
	return nil
}

func (f *fakeJobs) counts() (pending, retried, dead int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), len(f.retried), len(f.dead)
}

func mustJob(t *testing.T, typ queue.JobType, payload interface{}) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(typ, payload)
	require.NoError(t, err)
	return job
}

func TestProcessorRoutesFailures(t *testing.T) {
	e := newEnv(t)
	jobs := &fakeJobs{}
	p := NewProcessor(jobs, e.deleter, e.reconciler, nil)

	e.fake.SetDeleteError(provider.NewError(provider.KindTransient, "delete_asset", errors.New("503")))
	assert.True(t, p.Handle(e.ctx, mustJob(t, queue.JobTypeAssetDelete, queue.AssetDeletePayload{LessonID: e.lessonID, AssetID: "A"})))
	assert.True(t, p.Handle(e.ctx, mustJob(t, queue.JobTypeTranscode, queue.TranscodePayload{UploadID: "up-1"})))
	assert.True(t, p.Handle(e.ctx, &queue.Job{ID: "bad", Type: queue.JobTypeReconcile, Payload: []byte(`{`)}))

	_, retried, dead := jobs.counts()
	assert.Equal(t, 1, retried)
	assert.Equal(t, 2, dead)
}

func TestProcessorRunsJobs(t *testing.T) {
	e := newEnv(t)
	e.ready("up-1", "A")
	other := uuid.New()
	jobs := &fakeJobs{pending: []*queue.Job{
		mustJob(t, queue.JobTypeAssetDelete, queue.AssetDeletePayload{LessonID: e.lessonID, AssetID: "A"}),
		mustJob(t, queue.JobTypeReconcile, queue.ReconcilePayload{LessonID: other, Reason: "describe-playback-failed"}),
	}}
	p := NewProcessor(jobs, e.deleter, e.reconciler, nil)
	p.SetBackoff(time.Millisecond)

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool {
		pending, _, _ := jobs.counts()
		return pending == 0 && len(e.fake.Deleted()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, retried, dead := jobs.counts()
	assert.Zero(t, retried)
	assert.Zero(t, dead)
	assert.Equal(t, models.VideoStatusNone, e.record().Status)
}
