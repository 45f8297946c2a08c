package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/pkg/queue"
)

const dequeueTimeout = 5 * time.Second

// Jobs is the queue the processor consumes.
type Jobs interface {
	Dequeue(ctx context.Context, timeout time.Duration, keys ...string) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
	DeadLetter(ctx context.Context, job *queue.Job) error
}

// Processor consumes asset delete and reconcile jobs.
type Processor struct {
	jobs       Jobs
	deleter    *AssetDeleter
	reconciler *Reconciler
	backoff    time.Duration
	logger     *zap.Logger
}

// NewProcessor creates a job processor.
func NewProcessor(jobs Jobs, deleter *AssetDeleter, reconciler *Reconciler, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{jobs: jobs, deleter: deleter, reconciler: reconciler, backoff: queue.RetryBackoff, logger: logger}
}

// SetBackoff changes the pause after a failed job.
func (p *Processor) SetBackoff(d time.Duration) { p.backoff = d }

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeAssetDelete:
		var payload queue.AssetDeletePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return provider.NewError(provider.KindPermanent, "decode_job", err)
		}
		return p.deleter.Delete(ctx, payload)
	case queue.JobTypeReconcile:
		var payload queue.ReconcilePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return provider.NewError(provider.KindPermanent, "decode_job", err)
		}
		_, err := p.reconciler.ReconcileLesson(ctx, payload.LessonID)
		return err
	}
	return provider.NewError(provider.KindPermanent, "process_job", fmt.Errorf("unknown job type: %s", job.Type))
}

// Handle runs one job and routes failures: retryable ones go back on the
// queue until the retry budget moves them to the DLQ, the rest go straight
// to the DLQ. It reports whether the job failed.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) bool {
	p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	err := p.Process(ctx, job)
	if err == nil {
		return false
	}
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.String("type", string(job.Type)),
		zap.Int("attempt", job.Attempt), zap.Error(err))
	if provider.IsRetryable(err) {
		err = p.jobs.Retry(ctx, job)
	} else {
		err = p.jobs.DeadLetter(ctx, job)
	}
	if err != nil {
		p.logger.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return true
}

// Run is the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("job processor stopping")
			return nil
		default:
		}

		job, _, err := p.jobs.Dequeue(ctx, dequeueTimeout, queue.QueueAssetDeletes, queue.QueueReconcile)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, p.backoff)
			continue
		}
		if job == nil {
			continue
		}
		if p.Handle(ctx, job) {
			sleep(ctx, p.backoff)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
