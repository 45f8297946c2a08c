package videos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orthodoxlms/backend/internal/models"
)

const uniqueViolation = "23505"

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a video repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const recordColumns = `lesson_id, provider, status, COALESCE(upload_id, ''), COALESCE(asset_id, ''), COALESCE(playback_id, ''),
	duration_seconds, processing_progress, COALESCE(error_kind, ''), COALESCE(error_message, ''), COALESCE(previous_asset_id, ''),
	COALESCE(last_event_id, ''), last_provider_event_at, version, created_at, updated_at`

func scanRecord(row pgx.Row) (*models.LessonVideo, error) {
	var v models.LessonVideo
	err := row.Scan(&v.LessonID, &v.Provider, &v.Status, &v.UploadID, &v.AssetID, &v.PlaybackID,
		&v.DurationSeconds, &v.ProcessingProgress, &v.ErrorKind, &v.ErrorMessage, &v.PreviousAssetID,
		&v.LastEventID, &v.LastProviderEventAt, &v.Version, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetRecord returns the record of a lesson.
func (r *Repository) GetRecord(ctx context.Context, lessonID uuid.UUID) (*models.LessonVideo, error) {
	return scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM lesson_video_records WHERE lesson_id = $1`, lessonID))
}

// FindRecordByUpload returns the record currently tracking uploadID.
func (r *Repository) FindRecordByUpload(ctx context.Context, uploadID string) (*models.LessonVideo, error) {
	return scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM lesson_video_records WHERE upload_id = $1 LIMIT 1`, uploadID))
}

// FindRecordByAsset returns the record tracking assetID as its current or
// replaced asset.
func (r *Repository) FindRecordByAsset(ctx context.Context, assetID string) (*models.LessonVideo, error) {
	return scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM lesson_video_records
		WHERE asset_id = $1 OR previous_asset_id = $1 ORDER BY (asset_id IS NOT DISTINCT FROM $1) DESC LIMIT 1`, assetID))
}

// SaveRecord inserts or conditionally updates a record on its version.
func (r *Repository) SaveRecord(ctx context.Context, v *models.LessonVideo, expected int64) error {
	args := []interface{}{
		v.LessonID, v.Provider, v.Status, nullable(v.UploadID), nullable(v.AssetID), nullable(v.PlaybackID),
		v.DurationSeconds, v.ProcessingProgress, nullable(v.ErrorKind), nullable(v.ErrorMessage), nullable(v.PreviousAssetID),
		nullable(v.LastEventID), v.LastProviderEventAt, v.Version,
	}
	var q string
	if expected == 0 {
		q = `INSERT INTO lesson_video_records (lesson_id, provider, status, upload_id, asset_id, playback_id,
				duration_seconds, processing_progress, error_kind, error_message, previous_asset_id,
				last_event_id, last_provider_event_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (lesson_id) DO NOTHING
			RETURNING created_at, updated_at`
	} else {
		q = `UPDATE lesson_video_records SET provider = $2, status = $3, upload_id = $4, asset_id = $5, playback_id = $6,
				duration_seconds = $7, processing_progress = $8, error_kind = $9, error_message = $10, previous_asset_id = $11,
				last_event_id = $12, last_provider_event_at = $13, version = $14, updated_at = NOW()
			WHERE lesson_id = $1 AND version = $15
			RETURNING created_at, updated_at`
		args = append(args, expected)
	}
	err := r.pool.QueryRow(ctx, q, args...).Scan(&v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("save lesson video record: %w", err)
	}
	return nil
}

// ListStale returns in-flight records not updated since cutoff, oldest first.
func (r *Repository) ListStale(ctx context.Context, statuses []models.VideoStatus, cutoff time.Time, limit int) ([]*models.LessonVideo, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM lesson_video_records
		WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at LIMIT $3`, names, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.LessonVideo
	for rows.Next() {
		v, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

const sessionColumns = `id, lesson_id, provider, upload_id, put_url, issued_at, expires_at, consumed, consumed_at, superseded_by, client_finished_at`

func scanSession(row pgx.Row) (*models.UploadSession, error) {
	var s models.UploadSession
	err := row.Scan(&s.ID, &s.LessonID, &s.Provider, &s.UploadID, &s.PutURL, &s.IssuedAt, &s.ExpiresAt,
		&s.Consumed, &s.ConsumedAt, &s.SupersededBy, &s.ClientFinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession returns a session by ID.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.UploadSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id))
}

// ActiveSession returns the lesson's active session.
func (r *Repository) ActiveSession(ctx context.Context, lessonID uuid.UUID) (*models.UploadSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions
		WHERE lesson_id = $1 AND NOT consumed AND superseded_by IS NULL`, lessonID))
}

// FindSessionByUpload returns the session that issued uploadID.
func (r *Repository) FindSessionByUpload(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions
		WHERE upload_id = $1 ORDER BY issued_at DESC LIMIT 1`, uploadID))
}

// InsertSession supersedes prev and inserts next in one transaction.
func (r *Repository) InsertSession(ctx context.Context, prev, next *models.UploadSession) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if prev != nil {
		tag, err := tx.Exec(ctx, `UPDATE upload_sessions SET superseded_by = $2
			WHERE id = $1 AND NOT consumed AND superseded_by IS NULL`, prev.ID, next.ID)
		if err != nil {
			return fmt.Errorf("supersede session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
	}
	_, err = tx.Exec(ctx, `INSERT INTO upload_sessions (id, lesson_id, provider, upload_id, put_url, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		next.ID, next.LessonID, next.Provider, next.UploadID, next.PutURL, next.IssuedAt, next.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkSessionConsumed flags the session as used by its first provider event.
func (r *Repository) MarkSessionConsumed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE upload_sessions SET consumed = TRUE, consumed_at = COALESCE(consumed_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkClientFinished records the client's finished-PUT hint once.
func (r *Repository) MarkClientFinished(ctx context.Context, id uuid.UUID, at time.Time) (*models.UploadSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `UPDATE upload_sessions SET client_finished_at = COALESCE(client_finished_at, $2)
		WHERE id = $1 RETURNING `+sessionColumns, id, at))
}

// RecordEvent appends a provider event to the log unless it is already there.
func (r *Repository) RecordEvent(ctx context.Context, ev *models.ProviderEvent) (bool, error) {
	var ts *time.Time
	if !ev.ProviderTimestamp.IsZero() {
		ts = &ev.ProviderTimestamp
	}
	var raw interface{}
	if len(ev.RawPayload) > 0 {
		raw = string(ev.RawPayload)
	}
	tag, err := r.pool.Exec(ctx, `INSERT INTO provider_events (provider, event_id, provider_timestamp, kind, upload_id, asset_id,
			lesson_id, progress, error_kind, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		ev.Provider, ev.EventID, ts, ev.Kind, nullable(ev.UploadID), nullable(ev.AssetID),
		ev.LessonID, ev.Progress, nullable(ev.ErrorKind), raw)
	if err != nil {
		return false, fmt.Errorf("record provider event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return false, nil
	}
	var processedAt *time.Time
	err = r.pool.QueryRow(ctx, `SELECT processed_at FROM provider_events WHERE provider = $1 AND event_id = $2`,
		ev.Provider, ev.EventID).Scan(&processedAt)
	if err != nil {
		return false, fmt.Errorf("read provider event: %w", err)
	}
	return processedAt != nil, nil
}

// MarkEventProcessed stores the outcome of applying an event.
func (r *Repository) MarkEventProcessed(ctx context.Context, provider models.ProviderKind, eventID, outcome string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE provider_events SET processed_at = $3, outcome = $4 WHERE provider = $1 AND event_id = $2`,
		provider, eventID, at, outcome)
	return err
}

// UpsertSubtitle inserts or replaces the track for (lesson, language).
func (r *Repository) UpsertSubtitle(ctx context.Context, s *models.Subtitle) error {
	const q = `INSERT INTO lesson_video_subtitles (lesson_id, language_code, language_name, object_key, url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lesson_id, language_code) DO UPDATE
			SET language_name = EXCLUDED.language_name, object_key = EXCLUDED.object_key, url = EXCLUDED.url, updated_at = NOW()
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.LessonID, s.LanguageCode, s.LanguageName, s.ObjectKey, s.URL).Scan(&s.CreatedAt, &s.UpdatedAt)
}

// ListSubtitles returns a lesson's caption tracks.
func (r *Repository) ListSubtitles(ctx context.Context, lessonID uuid.UUID) ([]models.Subtitle, error) {
	rows, err := r.pool.Query(ctx, `SELECT lesson_id, language_code, language_name, object_key, url, created_at, updated_at
		FROM lesson_video_subtitles WHERE lesson_id = $1 ORDER BY language_code`, lessonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []models.Subtitle{}
	for rows.Next() {
		var s models.Subtitle
		if err := rows.Scan(&s.LessonID, &s.LanguageCode, &s.LanguageName, &s.ObjectKey, &s.URL, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
