package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueAssetDeletes is the Redis list key for provider asset deletions.
	QueueAssetDeletes = "worker:asset_deletes"
	// QueueReconcile is the Redis list key for on-demand lesson reconciliation.
	QueueReconcile = "worker:reconcile"
	// QueueTranscode is the Redis list key the external packager consumes.
	QueueTranscode = "worker:transcode"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 5
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeAssetDelete JobType = "asset_delete"
	JobTypeReconcile   JobType = "reconcile"
	JobTypeTranscode   JobType = "transcode"
)

// KeyFor returns the list key a job type is queued on.
func KeyFor(t JobType) (string, error) {
	switch t {
	case JobTypeAssetDelete:
		return QueueAssetDeletes, nil
	case JobTypeReconcile:
		return QueueReconcile, nil
	case JobTypeTranscode:
		return QueueTranscode, nil
	}
	return "", fmt.Errorf("unknown job type: %s", t)
}

// AssetDeletePayload asks the worker to delete a provider asset.
type AssetDeletePayload struct {
	LessonID uuid.UUID `json:"lesson_id"`
	Provider string    `json:"provider"`
	AssetID  string    `json:"asset_id"`
}

// ReconcilePayload asks the worker to reconcile one lesson against its provider.
type ReconcilePayload struct {
	LessonID uuid.UUID `json:"lesson_id"`
	Reason   string    `json:"reason,omitempty"`
}

// TranscodePayload asks the external packager to encode an uploaded source.
type TranscodePayload struct {
	LessonID  uuid.UUID `json:"lesson_id"`
	UploadID  string    `json:"upload_id"`
	SourceKey string    `json:"source_key"`
	OutputKey string    `json:"output_key"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewJob wraps payload in an envelope of type t.
func NewJob(t JobType, payload interface{}) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	key, err := KeyFor(job.Type)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// EnqueueAssetDelete enqueues a provider asset deletion.
func (q *Queue) EnqueueAssetDelete(ctx context.Context, payload AssetDeletePayload) error {
	job, err := NewJob(JobTypeAssetDelete, payload)
	if err != nil {
		return err
	}
	if err := q.push(ctx, job); err != nil {
		return err
	}
	q.logger.Debug("enqueued asset delete job", zap.String("job_id", job.ID), zap.String("lesson_id", payload.LessonID.String()), zap.String("asset_id", payload.AssetID))
	return nil
}

// EnqueueReconcile enqueues an on-demand reconciliation of one lesson.
func (q *Queue) EnqueueReconcile(ctx context.Context, payload ReconcilePayload) error {
	job, err := NewJob(JobTypeReconcile, payload)
	if err != nil {
		return err
	}
	if err := q.push(ctx, job); err != nil {
		return err
	}
	q.logger.Debug("enqueued reconcile job", zap.String("job_id", job.ID), zap.String("lesson_id", payload.LessonID.String()), zap.String("reason", payload.Reason))
	return nil
}

// EnqueueTranscode enqueues an encode request for the external packager.
func (q *Queue) EnqueueTranscode(ctx context.Context, payload TranscodePayload) error {
	job, err := NewJob(JobTypeTranscode, payload)
	if err != nil {
		return err
	}
	if err := q.push(ctx, job); err != nil {
		return err
	}
	q.logger.Debug("enqueued transcode job", zap.String("job_id", job.ID), zap.String("upload_id", payload.UploadID))
	return nil
}

// ScheduleAssetDelete implements the state machine's side-effect scheduler.
func (q *Queue) ScheduleAssetDelete(ctx context.Context, lessonID uuid.UUID, provider, assetID string) error {
	return q.EnqueueAssetDelete(ctx, AssetDeletePayload{LessonID: lessonID, Provider: provider, AssetID: assetID})
}

// ScheduleReconcile implements the state machine's side-effect scheduler.
func (q *Queue) ScheduleReconcile(ctx context.Context, lessonID uuid.UUID, reason string) error {
	return q.EnqueueReconcile(ctx, ReconcilePayload{LessonID: lessonID, Reason: reason})
}

// Dequeue blocks up to timeout until a job is available on one of keys.
// It returns a nil job when the wait times out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration, keys ...string) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	if job.Attempt >= MaxRetries {
		return q.DeadLetter(ctx, job)
	}
	if err := q.push(ctx, job); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// DeadLetter moves a job to the DLQ without further attempts.
func (q *Queue) DeadLetter(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
		q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
		return err
	}
	q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))
	return nil
}
