// Package realtime is the per-lesson progress channel: an in-process fan-out
// of lesson video state changes, a websocket transport and an optional Redis
// bridge for running several API instances.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/videos"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// DefaultQueueDepth bounds each subscriber's pending events.
	DefaultQueueDepth = 32

	publishTimeout = 5 * time.Second
)

// ErrClosed is returned by Next once the subscription is closed.
var ErrClosed = errors.New("subscription closed")

// SnapshotSource reads the current state of a lesson. It returns nil when
// the lesson has no video record yet.
type SnapshotSource interface {
	Snapshot(ctx context.Context, lessonID uuid.UUID) (*models.StateChanged, error)
}

// Bridge carries state changes between API instances.
type Bridge interface {
	PublishState(ctx context.Context, change models.StateChanged) error
	SubscribeLesson(lessonID uuid.UUID, handler func(models.StateChanged)) (cancel func(), err error)
}

type bucket struct {
	subs   map[*Subscription]struct{}
	remote func() // cancels the bridge subscription
}

// Hub fans state changes out to per-lesson subscribers. Each lesson bucket
// is guarded separately; Publish never blocks on a slow subscriber.
type Hub struct {
	mu        sync.Mutex
	lessons   map[uuid.UUID]*bucket
	depth     int
	snapshots SnapshotSource
	bridge    Bridge
	logger    *zap.Logger
}

// NewHub creates a hub. snapshots and bridge may be nil.
func NewHub(logger *zap.Logger, depth int, snapshots SnapshotSource, bridge Bridge) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if depth < 2 {
		depth = DefaultQueueDepth
	}
	return &Hub{
		lessons:   make(map[uuid.UUID]*bucket),
		depth:     depth,
		snapshots: snapshots,
		bridge:    bridge,
		logger:    logger,
	}
}

// Subscribe registers a subscriber for lessonID. Events with a version at or
// below since are never delivered; when the lesson's current state is newer
// than since it is queued first as a snapshot. since 0 means no prior state.
func (h *Hub) Subscribe(ctx context.Context, lessonID uuid.UUID, since int64) (*Subscription, error) {
	s := &Subscription{
		ID:       uuid.New().String(),
		LessonID: lessonID,
		hub:      h,
		depth:    h.depth,
		last:     since,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	// register before reading the snapshot so no change falls in between
	h.register(s)
	if h.snapshots != nil {
		snap, err := h.snapshots.Snapshot(ctx, lessonID)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		if snap != nil {
			s.offer(*snap)
		}
	}
	h.logger.Debug("progress subscriber attached",
		zap.String("subscriber_id", s.ID), zap.String("lesson_id", lessonID.String()), zap.Int64("since", since))
	return s, nil
}

func (h *Hub) register(s *Subscription) {
	h.mu.Lock()
	b, ok := h.lessons[s.LessonID]
	if !ok {
		b = &bucket{subs: make(map[*Subscription]struct{})}
		h.lessons[s.LessonID] = b
	}
	b.subs[s] = struct{}{}
	first := !ok
	h.mu.Unlock()

	if first && h.bridge != nil {
		cancel, err := h.bridge.SubscribeLesson(s.LessonID, h.deliver)
		if err != nil {
			h.logger.Warn("bridge subscribe failed", zap.String("lesson_id", s.LessonID.String()), zap.Error(err))
			return
		}
		h.mu.Lock()
		if cur, ok := h.lessons[s.LessonID]; ok && cur == b && b.remote == nil {
			b.remote = cancel
			cancel = nil
		}
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (h *Hub) unregister(s *Subscription) {
	var cancel func()
	h.mu.Lock()
	if b, ok := h.lessons[s.LessonID]; ok {
		delete(b.subs, s)
		if len(b.subs) == 0 {
			delete(h.lessons, s.LessonID)
			cancel = b.remote
		}
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.logger.Debug("progress subscriber detached",
		zap.String("subscriber_id", s.ID), zap.String("lesson_id", s.LessonID.String()))
}

// Publish delivers a state change to local subscribers and, with a bridge,
// to other instances. It implements videos.Notifier.
func (h *Hub) Publish(change models.StateChanged) {
	h.deliver(change)
	if h.bridge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.bridge.PublishState(ctx, change); err != nil {
		h.logger.Warn("bridge publish failed",
			zap.String("lesson_id", change.LessonID.String()), zap.Int64("version", change.Version), zap.Error(err))
	}
}

// deliver fans out locally. Duplicates from the bridge are discarded by the
// per-subscriber version check.
func (h *Hub) deliver(change models.StateChanged) {
	h.mu.Lock()
	b := h.lessons[change.LessonID]
	var subs []*Subscription
	if b != nil {
		subs = make([]*Subscription, 0, len(b.subs))
		for s := range b.subs {
			subs = append(subs, s)
		}
	}
	h.mu.Unlock()
	for _, s := range subs {
		if dropped := s.offer(change); dropped > 0 {
			h.logger.Debug("progress subscriber overflow",
				zap.String("subscriber_id", s.ID), zap.String("lesson_id", change.LessonID.String()), zap.Int("dropped", dropped))
		}
	}
}

// SubscriberCount returns the number of local subscribers for a lesson.
func (h *Hub) SubscriberCount(lessonID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.lessons[lessonID]; ok {
		return len(b.subs)
	}
	return 0
}

var _ videos.Notifier = (*Hub)(nil)

// Subscription is one subscriber's bounded queue of state changes.
type Subscription struct {
	ID       string
	LessonID uuid.UUID

	hub    *Hub
	depth  int
	mu     sync.Mutex
	queue  []models.StateChanged
	last   int64 // highest version ever queued
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// offer queues change if it is newer than anything queued before. On
// overflow the oldest non-terminal event is dropped; terminal events stay
// even if that leaves the queue over depth. It returns how many were dropped.
func (s *Subscription) offer(change models.StateChanged) int {
	s.mu.Lock()
	if s.closed || change.Version <= s.last {
		s.mu.Unlock()
		return 0
	}
	s.last = change.Version
	s.queue = append(s.queue, change)
	dropped := 0
	for len(s.queue) > s.depth {
		i := 0
		for i < len(s.queue) && s.queue[i].Terminal() {
			i++
		}
		if i == len(s.queue) {
			break
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		dropped++
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a change is available, ctx is done or the subscription
// is closed. Changes come out in strictly increasing version order.
func (s *Subscription) Next(ctx context.Context) (models.StateChanged, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue[0] = models.StateChanged{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return c, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return models.StateChanged{}, ErrClosed
		}
		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return models.StateChanged{}, ctx.Err()
		}
	}
}

// Pending returns the number of queued changes.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription and drops anything still queued.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()
	s.hub.unregister(s)
}

// RecordSnapshots serves snapshots from the lesson video store.
type RecordSnapshots struct {
	Records videos.RecordStore
}

// Snapshot implements SnapshotSource.
func (r RecordSnapshots) Snapshot(ctx context.Context, lessonID uuid.UUID) (*models.StateChanged, error) {
	rec, err := r.Records.GetRecord(ctx, lessonID)
	if errors.Is(err, videos.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sc := models.StateOf(rec)
	return &sc, nil
}
