package videos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
)

// Internal event kinds. They never arrive from a provider; the session
// service and the reconciler use them so every status write goes through Apply.
const (
	EventSessionIssued      provider.EventKind = "session.issued"
	EventClientFinished     provider.EventKind = "client.finished"
	EventReconcileAbandoned provider.EventKind = "reconcile.abandoned"
)

// Drop reasons recorded as the outcome of events that change nothing.
const (
	DropNoop             = "noop"
	DropDuplicate        = "duplicate"
	DropUnknownRecord    = "unknown-record"
	DropSupersededUpload = "superseded-upload"
	DropNonCurrentAsset  = "non-current-asset"
	DropLateUpload       = "late-upload-created"
	DropStaleProgress    = "stale-progress"
	DropNotApplicable    = "not-applicable"
	DropMissingAsset     = "missing-asset"
)

// DefaultMaxAttempts bounds optimistic-concurrency retries per event.
const DefaultMaxAttempts = 5

// publishStripes is the number of locks ordering save-then-publish per lesson.
const publishStripes = 64

// Notifier receives every persisted state change.
type Notifier interface {
	Publish(change models.StateChanged)
}

// Scheduler queues side effects that must not run inside a transition.
type Scheduler interface {
	ScheduleAssetDelete(ctx context.Context, lessonID uuid.UUID, provider, assetID string) error
	ScheduleReconcile(ctx context.Context, lessonID uuid.UUID, reason string) error
}

// Input is one event applied to a lesson video record.
type Input struct {
	Kind      provider.EventKind
	EventID   string
	Timestamp time.Time
	// LessonID pins the record directly; internal events always set it.
	LessonID *uuid.UUID
	// Passthrough is the lesson id echoed by the provider, used only when
	// no other identifier resolves a record.
	Passthrough  *uuid.UUID
	Provider     models.ProviderKind
	UploadID     string
	AssetID      string
	Progress     *int
	ErrorKind    string
	ErrorMessage string
	// Session is the upload session that issued UploadID, when known.
	Session *models.UploadSession
}

// InputFromEvent converts a verified provider event.
func InputFromEvent(ev *provider.Event, kind models.ProviderKind, session *models.UploadSession) Input {
	return Input{
		Kind:         ev.Kind,
		EventID:      ev.ID,
		Timestamp:    ev.Timestamp,
		Passthrough:  ev.LessonID,
		Provider:     kind,
		UploadID:     ev.UploadID,
		AssetID:      ev.AssetID,
		Progress:     ev.Progress,
		ErrorKind:    ev.ErrorKind,
		ErrorMessage: ev.ErrorMessage,
		Session:      session,
	}
}

// Outcome reports what Apply did. Exactly one of Applied and Dropped is set.
type Outcome struct {
	Applied bool
	Dropped string
	Record  *models.LessonVideo
}

// String is the outcome stored on the provider event log.
func (o *Outcome) String() string {
	if o.Applied {
		return "applied"
	}
	return "dropped:" + o.Dropped
}

// plan is the pure result of the transition table for one input.
type plan struct {
	next     *models.LessonVideo
	drop     string
	describe string   // asset whose playback must be resolved before writing
	deletes  []string // assets to delete once the write succeeds
}

// Machine applies events to lesson video records. It is the only writer of
// record status fields.
type Machine struct {
	records     RecordStore
	provider    provider.Provider
	notifier    Notifier
	scheduler   Scheduler
	logger      *zap.Logger
	maxAttempts int
	// stripes order publishes of one lesson by version within this process
	stripes [publishStripes]sync.Mutex
}

// NewMachine creates a state machine. notifier and scheduler may be nil.
func NewMachine(records RecordStore, p provider.Provider, notifier Notifier, scheduler Scheduler, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		records:     records,
		provider:    p,
		notifier:    notifier,
		scheduler:   scheduler,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
	}
}

// Apply runs one event through the transition table under optimistic
// concurrency. It returns a typed error only when nothing was written and the
// caller should retry: a retryable provider failure while resolving playback,
// a store failure, or persistent version conflicts.
func (m *Machine) Apply(ctx context.Context, in Input) (*Outcome, error) {
	var (
		playback     *provider.Playback
		describeErr  error
		describedFor string
	)
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		cur, err := m.locate(ctx, in)
		if errors.Is(err, ErrNotFound) {
			m.logDrop(in, nil, DropUnknownRecord)
			return &Outcome{Dropped: DropUnknownRecord}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("locate record: %w", err)
		}

		p := decide(cur, in)
		if p.drop != "" {
			m.logDrop(in, cur, p.drop)
			return &Outcome{Dropped: p.drop, Record: cur}, nil
		}
		next := p.next

		if p.describe != "" {
			if describedFor != p.describe {
				playback, describeErr = m.provider.DescribePlayback(ctx, p.describe)
				describedFor = p.describe
			}
			if describeErr != nil {
				switch provider.KindOf(describeErr) {
				case provider.KindPermanent, provider.KindNotFound:
					m.logger.Warn("playback describe failed permanently",
						zap.String("lesson_id", cur.LessonID.String()), zap.String("asset_id", p.describe), zap.Error(describeErr))
					toError(next, models.VideoErrorPermanentDescribe, describeErr.Error())
					next.ProcessingProgress = cur.ProcessingProgress
					next.PreviousAssetID = cur.PreviousAssetID
					p.deletes = nil
				default:
					m.scheduleReconcile(ctx, cur.LessonID, "describe-playback-failed")
					return nil, describeErr
				}
			} else {
				d := playback.DurationSeconds
				next.PlaybackID = playback.PlaybackID
				next.DurationSeconds = &d
			}
		}

		next.Version = cur.Version + 1
		if in.EventID != "" {
			next.LastEventID = in.EventID
		}
		if !in.Timestamp.IsZero() && isProviderKind(in.Kind) {
			ts := in.Timestamp.UTC()
			next.LastProviderEventAt = &ts
		}
		if err := next.Validate(); err != nil {
			return nil, fmt.Errorf("transition %s from %s: %w", in.Kind, cur.Status, err)
		}

		mu := m.stripe(next.LessonID)
		mu.Lock()
		err = m.records.SaveRecord(ctx, next, cur.Version)
		if err == nil && m.notifier != nil {
			m.notifier.Publish(models.StateOf(next))
		}
		mu.Unlock()
		if errors.Is(err, ErrVersionConflict) {
			m.logger.Debug("version conflict, retrying",
				zap.String("lesson_id", cur.LessonID.String()), zap.Int64("version", cur.Version), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		m.logger.Info("lesson video transition",
			zap.String("lesson_id", next.LessonID.String()),
			zap.String("kind", string(in.Kind)),
			zap.String("event_id", in.EventID),
			zap.String("from", string(cur.Status)),
			zap.String("status", string(next.Status)),
			zap.Int64("version", next.Version))
		for _, assetID := range p.deletes {
			m.scheduleDelete(ctx, next, assetID)
		}
		return &Outcome{Applied: true, Record: next.Clone()}, nil
	}
	return nil, provider.NewError(provider.KindTransient, "apply",
		fmt.Errorf("%w after %d attempts", ErrVersionConflict, m.maxAttempts))
}

// stripe returns the lock serializing writes and notifications for a lesson.
// A later version can only be saved once the earlier one was published.
func (m *Machine) stripe(lessonID uuid.UUID) *sync.Mutex {
	return &m.stripes[int(lessonID[0])%publishStripes]
}

// locate finds the record an input targets: explicit lesson, then upload id,
// asset id, the issuing session's lesson, and finally none.
func (m *Machine) locate(ctx context.Context, in Input) (*models.LessonVideo, error) {
	if in.LessonID != nil {
		rec, err := m.records.GetRecord(ctx, *in.LessonID)
		if errors.Is(err, ErrNotFound) && in.Kind == EventSessionIssued {
			return &models.LessonVideo{LessonID: *in.LessonID, Provider: in.Provider, Status: models.VideoStatusNone}, nil
		}
		return rec, err
	}
	if in.UploadID != "" {
		rec, err := m.records.FindRecordByUpload(ctx, in.UploadID)
		if !errors.Is(err, ErrNotFound) {
			return rec, err
		}
	}
	if in.AssetID != "" {
		rec, err := m.records.FindRecordByAsset(ctx, in.AssetID)
		if !errors.Is(err, ErrNotFound) {
			return rec, err
		}
	}
	if in.Session != nil {
		return m.records.GetRecord(ctx, in.Session.LessonID)
	}
	if in.Passthrough != nil {
		return m.records.GetRecord(ctx, *in.Passthrough)
	}
	return nil, ErrNotFound
}

func isProviderKind(k provider.EventKind) bool {
	switch k {
	case EventSessionIssued, EventClientFinished, EventReconcileAbandoned:
		return false
	}
	return true
}

// decide is the transition table. It never performs I/O.
func decide(cur *models.LessonVideo, in Input) plan {
	if in.EventID != "" && in.EventID == cur.LastEventID {
		return plan{drop: DropDuplicate}
	}
	if isProviderKind(in.Kind) {
		if drop := checkOwnership(cur, in); drop != "" {
			return plan{drop: drop}
		}
	}
	next := cur.Clone()
	s := cur.Status

	switch in.Kind {
	case EventSessionIssued:
		if s.InFlight() && cur.UploadID == in.UploadID {
			return plan{drop: DropNoop}
		}
		var deletes []string
		if cur.AssetID != "" {
			if next.PreviousAssetID == "" {
				next.PreviousAssetID = cur.AssetID
			} else if cur.AssetID != cur.PreviousAssetID {
				// an asset that never replaced the retained one is not kept around
				deletes = append(deletes, cur.AssetID)
			}
		}
		resetForUpload(next, in.UploadID)
		next.Status = models.VideoStatusAwaitingUpload
		if in.Provider != "" {
			next.Provider = in.Provider
		}
		return plan{next: next, deletes: deletes}

	case EventClientFinished:
		if s != models.VideoStatusAwaitingUpload || cur.UploadID != in.UploadID {
			return plan{drop: DropNoop}
		}
		next.Status = models.VideoStatusUploading
		return plan{next: next}

	case EventReconcileAbandoned:
		if s.Terminal() || s == models.VideoStatusNone {
			return plan{drop: DropNotApplicable}
		}
		toError(next, models.VideoErrorAbandoned, in.ErrorMessage)
		return plan{next: next}

	case provider.EventUploadCreated:
		return decideUploadCreated(cur, next, in)

	case provider.EventUploadAssetReady:
		switch s {
		case models.VideoStatusNone, models.VideoStatusAwaitingUpload, models.VideoStatusUploading:
			adoptIDs(next, in)
			next.Status = models.VideoStatusProcessing
			return plan{next: next}
		case models.VideoStatusProcessing:
			if cur.AssetID != "" || in.AssetID == "" {
				return plan{drop: DropNoop}
			}
			next.AssetID = in.AssetID
			return plan{next: next}
		case models.VideoStatusError:
			return decideUploadCreated(cur, next, in)
		}
		return plan{drop: DropNotApplicable}

	case provider.EventProgress:
		if in.Progress == nil || s.Terminal() {
			return plan{drop: DropNotApplicable}
		}
		p := *in.Progress
		if p < cur.ProcessingProgress {
			return plan{drop: DropStaleProgress}
		}
		adoptIDs(next, in)
		next.ProcessingProgress = p
		switch s {
		case models.VideoStatusNone, models.VideoStatusAwaitingUpload:
			next.Status = models.VideoStatusUploading
		case models.VideoStatusUploading:
			next.Status = models.VideoStatusProcessing
		case models.VideoStatusProcessing:
			if p == cur.ProcessingProgress && next.AssetID == cur.AssetID {
				return plan{drop: DropNoop}
			}
		}
		return plan{next: next}

	case provider.EventAssetReady:
		if s == models.VideoStatusReady {
			return plan{drop: DropNoop}
		}
		assetID := in.AssetID
		if assetID == "" {
			assetID = cur.AssetID
		}
		if assetID == "" {
			return plan{drop: DropMissingAsset}
		}
		adoptIDs(next, in)
		next.AssetID = assetID
		next.Status = models.VideoStatusReady
		next.ProcessingProgress = 100
		next.ErrorKind, next.ErrorMessage = "", ""
		var deletes []string
		if cur.PreviousAssetID != "" && cur.PreviousAssetID != assetID {
			deletes = append(deletes, cur.PreviousAssetID)
		}
		next.PreviousAssetID = ""
		return plan{next: next, describe: assetID, deletes: deletes}

	case provider.EventAssetErrored:
		if s == models.VideoStatusError {
			return plan{drop: DropNoop}
		}
		adoptIDs(next, in)
		kind := in.ErrorKind
		if kind == "" {
			kind = "provider-errored"
		}
		toError(next, kind, in.ErrorMessage)
		return plan{next: next}

	case provider.EventAssetDeleted:
		if s == models.VideoStatusNone {
			return plan{drop: DropNoop}
		}
		if in.AssetID == "" || in.AssetID != cur.AssetID {
			return plan{drop: DropNonCurrentAsset}
		}
		resetForUpload(next, "")
		next.AssetID = ""
		next.Status = models.VideoStatusNone
		return plan{next: next}
	}
	return plan{drop: DropNotApplicable}
}

func decideUploadCreated(cur, next *models.LessonVideo, in Input) plan {
	switch cur.Status {
	case models.VideoStatusNone, models.VideoStatusAwaitingUpload:
		adoptIDs(next, in)
		next.Status = models.VideoStatusUploading
		if in.Kind == provider.EventUploadAssetReady {
			next.Status = models.VideoStatusProcessing
		}
		return plan{next: next}
	case models.VideoStatusUploading, models.VideoStatusProcessing:
		return plan{drop: DropNoop}
	case models.VideoStatusReady:
		return plan{drop: DropLateUpload}
	case models.VideoStatusError:
		if !revives(cur, in) {
			return plan{drop: DropSupersededUpload}
		}
		if cur.AssetID != "" && next.PreviousAssetID == "" {
			next.PreviousAssetID = cur.AssetID
		}
		resetForUpload(next, in.UploadID)
		adoptIDs(next, in)
		next.Status = models.VideoStatusUploading
		if in.Kind == provider.EventUploadAssetReady {
			next.Status = models.VideoStatusProcessing
		}
		return plan{next: next}
	}
	return plan{drop: DropNotApplicable}
}

// checkOwnership drops provider events that name an upload or asset the
// record no longer tracks.
func checkOwnership(cur *models.LessonVideo, in Input) string {
	if in.Session != nil && in.Session.SupersededBy != nil {
		return DropSupersededUpload
	}
	if revives(cur, in) {
		return ""
	}
	if in.AssetID != "" {
		if in.AssetID == cur.PreviousAssetID {
			return DropNonCurrentAsset
		}
		if cur.AssetID != "" && in.AssetID != cur.AssetID {
			return DropNonCurrentAsset
		}
	}
	if in.UploadID != "" && cur.UploadID != "" && in.UploadID != cur.UploadID {
		return DropSupersededUpload
	}
	return ""
}

// revives reports whether in is a newer upload restarting an errored record.
func revives(cur *models.LessonVideo, in Input) bool {
	if cur.Status != models.VideoStatusError || in.UploadID == "" || in.UploadID == cur.UploadID {
		return false
	}
	if in.Kind != provider.EventUploadCreated && in.Kind != provider.EventUploadAssetReady {
		return false
	}
	return issuedFor(in.Session, cur.LessonID)
}

func issuedFor(s *models.UploadSession, lessonID uuid.UUID) bool {
	return s != nil && s.LessonID == lessonID && s.SupersededBy == nil
}

// adoptIDs fills identifiers the record learns from an event.
func adoptIDs(next *models.LessonVideo, in Input) {
	if next.UploadID == "" && in.UploadID != "" {
		next.UploadID = in.UploadID
	}
	if next.AssetID == "" && in.AssetID != "" {
		next.AssetID = in.AssetID
	}
}

// resetForUpload clears everything tied to the previous upload.
func resetForUpload(next *models.LessonVideo, uploadID string) {
	next.UploadID = uploadID
	next.AssetID = ""
	next.PlaybackID = ""
	next.DurationSeconds = nil
	next.ProcessingProgress = 0
	next.ErrorKind = ""
	next.ErrorMessage = ""
}

func toError(next *models.LessonVideo, kind, message string) {
	next.Status = models.VideoStatusError
	next.ErrorKind = kind
	next.ErrorMessage = message
	next.PlaybackID = ""
	next.DurationSeconds = nil
}

func (m *Machine) logDrop(in Input, cur *models.LessonVideo, reason string) {
	fields := []zap.Field{
		zap.String("kind", string(in.Kind)),
		zap.String("event_id", in.EventID),
		zap.String("upload_id", in.UploadID),
		zap.String("asset_id", in.AssetID),
		zap.String("reason", reason),
	}
	if cur != nil {
		fields = append(fields, zap.String("lesson_id", cur.LessonID.String()),
			zap.String("status", string(cur.Status)), zap.Int64("version", cur.Version))
	}
	m.logger.Info("lesson video event dropped", fields...)
}

func (m *Machine) scheduleDelete(ctx context.Context, rec *models.LessonVideo, assetID string) {
	if m.scheduler == nil {
		return
	}
	if err := m.scheduler.ScheduleAssetDelete(ctx, rec.LessonID, string(rec.Provider), assetID); err != nil {
		m.logger.Error("schedule asset delete failed",
			zap.String("lesson_id", rec.LessonID.String()), zap.String("asset_id", assetID), zap.Error(err))
	}
}

func (m *Machine) scheduleReconcile(ctx context.Context, lessonID uuid.UUID, reason string) {
	if m.scheduler == nil {
		return
	}
	if err := m.scheduler.ScheduleReconcile(ctx, lessonID, reason); err != nil {
		m.logger.Error("schedule reconcile failed", zap.String("lesson_id", lessonID.String()), zap.Error(err))
	}
}
