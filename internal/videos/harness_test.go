package videos_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/orthodoxlms/backend/internal/lessons"
	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/internal/provider/providertest"
	"github.com/orthodoxlms/backend/internal/videos"
	"github.com/orthodoxlms/backend/internal/videos/videostest"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []models.StateChanged
}

func (n *recordingNotifier) Publish(c models.StateChanged) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
}

func (n *recordingNotifier) all() []models.StateChanged {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.StateChanged(nil), n.changes...)
}

func (n *recordingNotifier) terminal() []models.StateChanged {
	var out []models.StateChanged
	for _, c := range n.all() {
		if c.Terminal() {
			out = append(out, c)
		}
	}
	return out
}

type deleteCall struct {
	lessonID uuid.UUID
	provider string
	assetID  string
}

type recordingScheduler struct {
	mu         sync.Mutex
	deletes    []deleteCall
	reconciles []uuid.UUID
}

func (s *recordingScheduler) ScheduleAssetDelete(_ context.Context, lessonID uuid.UUID, p, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, deleteCall{lessonID, p, assetID})
	return nil
}

func (s *recordingScheduler) ScheduleReconcile(_ context.Context, lessonID uuid.UUID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciles = append(s.reconciles, lessonID)
	return nil
}

func (s *recordingScheduler) deletedAssets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.deletes {
		out = append(out, d.assetID)
	}
	return out
}

func (s *recordingScheduler) reconcileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reconciles)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	store     *videostest.MemoryStore
	fake      *providertest.Fake
	lessons   *lessons.Memory
	notifier  *recordingNotifier
	scheduler *recordingScheduler
	machine   *videos.Machine
	sessions  *videos.Sessions
	intake    *videos.Intake
	lessonID  uuid.UUID
	authorID  uuid.UUID
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		store:     videostest.NewMemoryStore(),
		fake:      providertest.New(),
		lessons:   lessons.NewMemory(),
		notifier:  &recordingNotifier{},
		scheduler: &recordingScheduler{},
		lessonID:  uuid.New(),
		authorID:  uuid.New(),
		now:       time.Now().UTC(),
	}
	h.lessons.Put(models.Lesson{ID: h.lessonID, AuthorID: h.authorID, Title: "Vespers", Status: models.LessonStatusDraft})
	h.machine = videos.NewMachine(h.store, h.fake, h.notifier, h.scheduler, nil)
	h.sessions = videos.NewSessions(h.store, h.store, h.lessons, h.fake, h.machine, videos.SessionConfig{
		TTL:      30 * time.Minute,
		MinBytes: 1024,
		MaxBytes: 1 << 30,
	}, nil)
	h.sessions.SetClock(func() time.Time { return h.now })
	h.intake = videos.NewIntake(h.fake, h.store, h.sessions, h.machine, 5*time.Second, nil)
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) requestSession() *videos.SessionResult {
	h.t.Helper()
	res, err := h.sessions.RequestSession(h.ctx, h.lessonID, videos.SessionRequest{})
	require.NoError(h.t, err)
	return res
}

// deliver signs and processes one webhook.
func (h *harness) deliver(w providertest.WireEvent) (*videos.Outcome, error) {
	header, body := h.fake.Sign(w)
	return h.intake.Process(h.ctx, header, body)
}

func (h *harness) mustDeliver(w providertest.WireEvent) *videos.Outcome {
	h.t.Helper()
	out, err := h.deliver(w)
	require.NoError(h.t, err)
	return out
}

func (h *harness) record() *models.LessonVideo {
	h.t.Helper()
	rec, err := h.store.GetRecord(h.ctx, h.lessonID)
	require.NoError(h.t, err)
	return rec
}

func progress(v int) *int { return &v }

func uploadCreated(id, uploadID string) providertest.WireEvent {
	return providertest.WireEvent{ID: id, Kind: provider.EventUploadCreated, UploadID: uploadID}
}

func progressEvent(id, uploadID, assetID string, p int) providertest.WireEvent {
	return providertest.WireEvent{ID: id, Kind: provider.EventProgress, UploadID: uploadID, AssetID: assetID, Progress: progress(p)}
}

func assetReady(id, assetID string) providertest.WireEvent {
	return providertest.WireEvent{ID: id, Kind: provider.EventAssetReady, AssetID: assetID}
}

func readyFor(id, uploadID, assetID string) providertest.WireEvent {
	return providertest.WireEvent{ID: id, Kind: provider.EventAssetReady, UploadID: uploadID, AssetID: assetID}
}
