// Package videostest provides an in-memory videos.Store for tests.
package videostest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/videos"
)

type eventKey struct {
	provider models.ProviderKind
	id       string
}

// MemoryStore is an in-process Store with the same constraints as the
// Postgres schema.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	records   map[uuid.UUID]*models.LessonVideo
	sessions  map[uuid.UUID]*models.UploadSession
	events    map[eventKey]*models.ProviderEvent
	subtitles map[uuid.UUID]map[string]models.Subtitle
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		records:   make(map[uuid.UUID]*models.LessonVideo),
		sessions:  make(map[uuid.UUID]*models.UploadSession),
		events:    make(map[eventKey]*models.ProviderEvent),
		subtitles: make(map[uuid.UUID]map[string]models.Subtitle),
	}
}

var _ videos.Store = (*MemoryStore)(nil)

// SetClock replaces the store's clock.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// GetRecord implements RecordStore.
func (m *MemoryStore) GetRecord(_ context.Context, lessonID uuid.UUID) (*models.LessonVideo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[lessonID]
	if !ok {
		return nil, videos.ErrNotFound
	}
	return rec.Clone(), nil
}

// FindRecordByUpload implements RecordStore.
func (m *MemoryStore) FindRecordByUpload(_ context.Context, uploadID string) (*models.LessonVideo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if uploadID != "" && rec.UploadID == uploadID {
			return rec.Clone(), nil
		}
	}
	return nil, videos.ErrNotFound
}

// FindRecordByAsset implements RecordStore.
func (m *MemoryStore) FindRecordByAsset(_ context.Context, assetID string) (*models.LessonVideo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if assetID == "" {
		return nil, videos.ErrNotFound
	}
	var previous *models.LessonVideo
	for _, rec := range m.records {
		if rec.AssetID == assetID {
			return rec.Clone(), nil
		}
		if rec.PreviousAssetID == assetID {
			previous = rec
		}
	}
	if previous != nil {
		return previous.Clone(), nil
	}
	return nil, videos.ErrNotFound
}

// SaveRecord implements RecordStore.
func (m *MemoryStore) SaveRecord(_ context.Context, rec *models.LessonVideo, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.LessonID]
	now := m.now().UTC()
	switch {
	case !ok && expected != 0, ok && cur.Version != expected:
		return videos.ErrVersionConflict
	case !ok:
		rec.CreatedAt = now
	default:
		rec.CreatedAt = cur.CreatedAt
	}
	rec.UpdatedAt = now
	m.records[rec.LessonID] = rec.Clone()
	return nil
}

// ListStale implements RecordStore.
func (m *MemoryStore) ListStale(_ context.Context, statuses []models.VideoStatus, cutoff time.Time, limit int) ([]*models.LessonVideo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[models.VideoStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*models.LessonVideo
	for _, rec := range m.records {
		if want[rec.Status] && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetUpdatedAt backdates a record; tests use it to age records past the reconcile grace.
func (m *MemoryStore) SetUpdatedAt(lessonID uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[lessonID]; ok {
		rec.UpdatedAt = at
	}
}

func cloneSession(s *models.UploadSession) *models.UploadSession {
	c := *s
	if s.SupersededBy != nil {
		id := *s.SupersededBy
		c.SupersededBy = &id
	}
	if s.ConsumedAt != nil {
		t := *s.ConsumedAt
		c.ConsumedAt = &t
	}
	if s.ClientFinishedAt != nil {
		t := *s.ClientFinishedAt
		c.ClientFinishedAt = &t
	}
	return &c
}

// GetSession implements SessionStore.
func (m *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, videos.ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) activeLocked(lessonID uuid.UUID) *models.UploadSession {
	for _, s := range m.sessions {
		if s.LessonID == lessonID && s.Active() {
			return s
		}
	}
	return nil
}

// ActiveSession implements SessionStore.
func (m *MemoryStore) ActiveSession(_ context.Context, lessonID uuid.UUID) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.activeLocked(lessonID); s != nil {
		return cloneSession(s), nil
	}
	return nil, videos.ErrNotFound
}

// FindSessionByUpload implements SessionStore.
func (m *MemoryStore) FindSessionByUpload(_ context.Context, uploadID string) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UploadID == uploadID {
			return cloneSession(s), nil
		}
	}
	return nil, videos.ErrNotFound
}

// InsertSession implements SessionStore.
func (m *MemoryStore) InsertSession(_ context.Context, prev, next *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.activeLocked(next.LessonID)
	if prev != nil {
		stored, ok := m.sessions[prev.ID]
		if !ok || !stored.Active() {
			return videos.ErrConflict
		}
		if active != nil && active.ID != prev.ID {
			return videos.ErrConflict
		}
		id := next.ID
		stored.SupersededBy = &id
	} else if active != nil {
		return videos.ErrConflict
	}
	m.sessions[next.ID] = cloneSession(next)
	return nil
}

// MarkSessionConsumed implements SessionStore.
func (m *MemoryStore) MarkSessionConsumed(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return videos.ErrNotFound
	}
	if !s.Consumed {
		s.Consumed = true
		t := at
		s.ConsumedAt = &t
	}
	return nil
}

// MarkClientFinished implements SessionStore.
func (m *MemoryStore) MarkClientFinished(_ context.Context, id uuid.UUID, at time.Time) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, videos.ErrNotFound
	}
	if s.ClientFinishedAt == nil {
		t := at
		s.ClientFinishedAt = &t
	}
	return cloneSession(s), nil
}

// RecordEvent implements EventStore.
func (m *MemoryStore) RecordEvent(_ context.Context, ev *models.ProviderEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey{ev.Provider, ev.EventID}
	if stored, ok := m.events[k]; ok {
		return stored.ProcessedAt != nil, nil
	}
	c := *ev
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = m.now().UTC()
	}
	m.events[k] = &c
	return false, nil
}

// MarkEventProcessed implements EventStore.
func (m *MemoryStore) MarkEventProcessed(_ context.Context, provider models.ProviderKind, eventID, outcome string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventKey{provider, eventID}]
	if !ok {
		return videos.ErrNotFound
	}
	t := at
	ev.ProcessedAt = &t
	ev.Outcome = outcome
	return nil
}

// Event returns a logged provider event.
func (m *MemoryStore) Event(provider models.ProviderKind, eventID string) (models.ProviderEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventKey{provider, eventID}]
	if !ok {
		return models.ProviderEvent{}, false
	}
	return *ev, true
}

// Sessions returns every session of a lesson ordered by issue time.
func (m *MemoryStore) Sessions(lessonID uuid.UUID) []models.UploadSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.UploadSession
	for _, s := range m.sessions {
		if s.LessonID == lessonID {
			out = append(out, *cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// UpsertSubtitle implements SubtitleStore.
func (m *MemoryStore) UpsertSubtitle(_ context.Context, s *models.Subtitle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byLang, ok := m.subtitles[s.LessonID]
	if !ok {
		byLang = make(map[string]models.Subtitle)
		m.subtitles[s.LessonID] = byLang
	}
	now := m.now().UTC()
	if prev, ok := byLang[s.LanguageCode]; ok {
		s.CreatedAt = prev.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	byLang[s.LanguageCode] = *s
	return nil
}

// ListSubtitles implements SubtitleStore.
func (m *MemoryStore) ListSubtitles(_ context.Context, lessonID uuid.UUID) ([]models.Subtitle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Subtitle, 0, len(m.subtitles[lessonID]))
	for _, s := range m.subtitles[lessonID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LanguageCode < out[j].LanguageCode })
	return out, nil
}
